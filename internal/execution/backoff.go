package execution

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff 为指数退避策略：基础延迟按尝试次数翻倍并封顶，再叠加 ±Jitter 比例的随机抖动。
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	rand   func() float64
}

// NewBackoff 创建退避策略。
func NewBackoff(base, max time.Duration, jitter float64) Backoff {
	return Backoff{Base: base, Max: max, Jitter: jitter, rand: rand.Float64}
}

// BaseDelay 返回第 attempt 次失败后的无抖动延迟（attempt 从1开始）。
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay 返回带抖动的延迟，结果位于 [0, Max]。
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.BaseDelay(attempt)
	if b.Jitter <= 0 || base == 0 {
		return base
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	delta := (r()*2 - 1) * b.Jitter * float64(base)
	d := base + time.Duration(delta)
	if d < 0 {
		d = 0
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
