package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trades-automation/internal/automation"
)

// NextRun 返回 after 之后的下一次触发时间，支持标准5段表达式与 @every/@daily 等描述符。
func NextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(schedule))
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: 解析周期表达式 %q 失败: %w", schedule, err)
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("scheduler: 周期表达式 %q 没有后续触发时间", schedule)
	}
	return next.UTC(), nil
}

// FirstRun 计算新规则的首次触发时间：带周期的规则取 now 之后的第一个周期点，其余立即触发。
func FirstRun(cfg automation.RuleConfig, now time.Time) (time.Time, error) {
	if schedule := scheduleOf(cfg); schedule != "" {
		return NextRun(schedule, now)
	}
	return now.UTC(), nil
}

func scheduleOf(cfg automation.RuleConfig) string {
	switch c := cfg.(type) {
	case automation.RecurringBuyConfig:
		return c.Schedule
	case automation.TWAPConfig:
		return c.Schedule
	case automation.CrossChainConfig:
		return c.Schedule
	default:
		return ""
	}
}

// keyedMutex 为每个规则提供独立的互斥区，不同规则互不阻塞。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
