package provider

import (
	"fmt"
	"sync"
)

// Registry 按名称登记路由提供方，登记顺序即优先级。
type Registry struct {
	mu      sync.RWMutex
	routers map[string]Router
	order   []string
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{routers: make(map[string]Router)}
}

// Register 登记提供方，名称重复返回错误。
func (r *Registry) Register(router Router) error {
	if router == nil {
		return fmt.Errorf("provider: router 不能为空")
	}
	name := router.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routers[name]; exists {
		return fmt.Errorf("provider: router %q 已登记", name)
	}
	r.routers[name] = router
	r.order = append(r.order, name)
	return nil
}

// Get 按名称查找提供方。
func (r *Registry) Get(name string) (Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	router, ok := r.routers[name]
	return router, ok
}

// Routers 按优先级返回全部提供方。
func (r *Registry) Routers() []Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Router, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.routers[name])
	}
	return out
}

// Priority 返回提供方的优先级序号，越小越优先；未登记的排在最后。
func (r *Registry) Priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}
