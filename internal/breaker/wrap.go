package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"trades-automation/internal/metrics"
	"trades-automation/internal/provider"
)

// call 经熔断器执行一次外部调用，并附加单次调用超时。
func call(ctx context.Context, b *Breaker, timeout time.Duration, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		metrics.ProviderCalls.WithLabelValues(b.Name(), "breaker_open").Inc()
		return err
	}

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := fn(callCtx)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil && ctx.Err() != nil {
		// 调用方主动取消，不代表提供方健康状况。
		b.record(outcomeIgnored)
		return err
	}
	if err != nil && timedOut && provider.KindOf(err) != provider.KindTransient {
		err = provider.Transient(b.Name(), "call timed out", err)
	}

	b.Record(err)
	result := "ok"
	if err != nil {
		result = string(provider.KindOf(err))
	}
	metrics.ProviderCalls.WithLabelValues(b.Name(), result).Inc()
	return err
}

type venue struct {
	inner   provider.Venue
	b       *Breaker
	timeout time.Duration
}

// WrapVenue 为交易场所加上熔断与超时。
func WrapVenue(inner provider.Venue, set *Set, timeout time.Duration) provider.Venue {
	return &venue{inner: inner, b: set.Get(inner.Name()), timeout: timeout}
}

func (v *venue) Name() string { return v.inner.Name() }

func (v *venue) PlaceOrder(ctx context.Context, spec provider.OrderSpec, key string) (provider.Order, error) {
	var out provider.Order
	err := call(ctx, v.b, v.timeout, func(ctx context.Context) error {
		var err error
		out, err = v.inner.PlaceOrder(ctx, spec, key)
		return err
	})
	return out, err
}

func (v *venue) GetOrderStatus(ctx context.Context, orderID, symbol string) (provider.Order, error) {
	var out provider.Order
	err := call(ctx, v.b, v.timeout, func(ctx context.Context) error {
		var err error
		out, err = v.inner.GetOrderStatus(ctx, orderID, symbol)
		return err
	})
	return out, err
}

func (v *venue) LookupOrder(ctx context.Context, key, symbol string) (provider.Order, bool, error) {
	var (
		out   provider.Order
		found bool
	)
	err := call(ctx, v.b, v.timeout, func(ctx context.Context) error {
		var err error
		out, found, err = v.inner.LookupOrder(ctx, key, symbol)
		return err
	})
	return out, found, err
}

type marketData struct {
	inner   provider.MarketData
	b       *Breaker
	timeout time.Duration
}

// WrapMarketData 为行情查询加上熔断与超时。
func WrapMarketData(inner provider.MarketData, set *Set, timeout time.Duration) provider.MarketData {
	return &marketData{inner: inner, b: set.Get(inner.Name()), timeout: timeout}
}

func (m *marketData) Name() string { return m.inner.Name() }

func (m *marketData) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := call(ctx, m.b, m.timeout, func(ctx context.Context) error {
		var err error
		out, err = m.inner.LastPrice(ctx, symbol)
		return err
	})
	return out, err
}

func (m *marketData) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]provider.Candle, error) {
	var out []provider.Candle
	err := call(ctx, m.b, m.timeout, func(ctx context.Context) error {
		var err error
		out, err = m.inner.Candles(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

type router struct {
	inner   provider.Router
	b       *Breaker
	timeout time.Duration
}

// WrapRouter 为跨链提供方加上熔断与超时。
func WrapRouter(inner provider.Router, set *Set, timeout time.Duration) provider.Router {
	return &router{inner: inner, b: set.Get(inner.Name()), timeout: timeout}
}

func (r *router) Name() string { return r.inner.Name() }

func (r *router) GetQuote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	var out provider.Quote
	err := call(ctx, r.b, r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetQuote(ctx, req)
		return err
	})
	return out, err
}

func (r *router) ExecuteStep(ctx context.Context, quote provider.Quote, stepIndex int) (provider.StepResult, error) {
	var out provider.StepResult
	err := call(ctx, r.b, r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.inner.ExecuteStep(ctx, quote, stepIndex)
		return err
	})
	return out, err
}

func (r *router) GetStepStatus(ctx context.Context, stepRef string) (provider.StepStatus, error) {
	var out provider.StepStatus
	err := call(ctx, r.b, r.timeout, func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetStepStatus(ctx, stepRef)
		return err
	})
	return out, err
}
