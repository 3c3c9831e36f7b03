package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-automation/internal/config"
	"trades-automation/internal/metrics"
)

// Option 配置 Set。
type Option func(*Set)

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		s.now = now
	}
}

// WithStateListener 注册状态变更回调，回调在熔断器锁外执行。
func WithStateListener(fn func(name string, from, to State)) Option {
	return func(s *Set) {
		s.listeners = append(s.listeners, fn)
	}
}

// Set 按提供方名称维护熔断器，每个熔断器各自加锁。
type Set struct {
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
	listeners []func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet 创建熔断器集合。
func NewSet(cfg config.BreakerConfig, logger *zap.Logger, opts ...Option) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		settings: Settings{
			FailureThreshold: cfg.FailureThreshold,
			Window:           cfg.Window,
			Cooldown:         cfg.Cooldown,
		},
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.FailureThreshold <= 0 {
		s.settings.FailureThreshold = 5
	}
	return s
}

// Get 返回提供方对应的熔断器，不存在时以 Closed 状态创建。
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = newBreaker(name, s.settings, s.now, s.stateChanged)
		s.breakers[name] = b
		metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	}
	return b
}

// States 返回全部熔断器的当前状态。
func (s *Set) States() map[string]State {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		st, _ := b.State()
		out[b.Name()] = st
	}
	return out
}

func (s *Set) stateChanged(name string, from, to State) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	if to == Open {
		s.logger.Warn("提供方熔断已打开", zap.String("provider", name), zap.String("from", from.String()))
	} else {
		s.logger.Info("提供方熔断状态变更",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	for _, fn := range s.listeners {
		fn(name, from, to)
	}
}
