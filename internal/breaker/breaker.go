package breaker

import (
	"sync"
	"time"

	"trades-automation/internal/provider"
)

// State 为熔断器状态。
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings 为单个熔断器的阈值参数。
type Settings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// Breaker 跟踪单个提供方的健康状况，状态仅在本进程内存中保存。
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  []time.Time
	openedAt  time.Time
	changedAt time.Time
	probing   bool
}

func newBreaker(name string, settings Settings, now func() time.Time, onChange func(string, State, State)) *Breaker {
	return &Breaker{
		name:      name,
		settings:  settings,
		now:       now,
		onChange:  onChange,
		state:     Closed,
		changedAt: now(),
	}
}

// Name 返回提供方名称。
func (b *Breaker) Name() string {
	return b.name
}

// State 返回当前状态及最近一次变更时间。
func (b *Breaker) State() (State, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.changedAt
}

// Allow 判断是否放行一次调用；HalfOpen 下同一时刻只放行一个探测请求。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to State
	changed := false
	var err error

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.settings.Cooldown {
			err = provider.BreakerOpen(b.name)
			break
		}
		from, to, changed = b.setState(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			err = provider.BreakerOpen(b.name)
			break
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return err
}

// Record 根据调用结果更新状态。Rejected 说明提供方可用，不计入失败。
func (b *Breaker) Record(err error) {
	b.record(classify(err))
}

func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	switch provider.KindOf(err) {
	case provider.KindTransient, provider.KindFatal:
		return outcomeFailure
	default:
		return outcomeSuccess
	}
}

func (b *Breaker) record(o outcome) {
	b.mu.Lock()
	var from, to State
	changed := false
	now := b.now()

	switch b.state {
	case HalfOpen:
		switch o {
		case outcomeSuccess:
			b.failures = b.failures[:0]
			from, to, changed = b.setState(Closed)
		case outcomeFailure:
			b.openedAt = now
			from, to, changed = b.setState(Open)
		}
		b.probing = false
	case Closed:
		if o == outcomeFailure {
			b.failures = append(b.pruneLocked(now), now)
			if len(b.failures) >= b.settings.FailureThreshold {
				b.failures = b.failures[:0]
				b.openedAt = now
				from, to, changed = b.setState(Open)
			}
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-b.settings.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (b *Breaker) setState(to State) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	b.changedAt = b.now()
	return from, to, true
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
