package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/provider"
	"trades-automation/internal/risk"
)

// PaperVenue 以最新价模拟即时成交，用于演练。同一幂等键只会成交一次。
type PaperVenue struct {
	prices provider.MarketData
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	lastMark map[string]decimal.Decimal
	byKey    map[string]provider.Order
	byID     map[string]provider.Order
}

var (
	_ provider.Venue         = (*PaperVenue)(nil)
	_ risk.ExposureProvider = (*PaperVenue)(nil)
)

// NewPaperVenue 创建模拟账户，initialEquity 为计价资产初始余额。
func NewPaperVenue(prices provider.MarketData, initialEquity float64, logger *zap.Logger) *PaperVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initialEquity <= 0 {
		initialEquity = 10000
	}
	return &PaperVenue{
		prices:   prices,
		logger:   logger,
		now:      time.Now,
		cash:     decimal.NewFromFloat(initialEquity),
		holdings: make(map[string]decimal.Decimal),
		lastMark: make(map[string]decimal.Decimal),
		byKey:    make(map[string]provider.Order),
		byID:     make(map[string]provider.Order),
	}
}

func (p *PaperVenue) Name() string {
	return "paper"
}

// PlaceOrder 按最新价全部成交。卖出数量超过持仓或买入超过现金时拒绝。
func (p *PaperVenue) PlaceOrder(ctx context.Context, spec provider.OrderSpec, idempotencyKey string) (provider.Order, error) {
	p.mu.Lock()
	if existing, ok := p.byKey[idempotencyKey]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	price, err := p.prices.LastPrice(ctx, spec.Symbol)
	if err != nil {
		return provider.Order{}, err
	}
	if !price.IsPositive() {
		return provider.Order{}, provider.Rejected(p.Name(), "no price for "+spec.Symbol, nil)
	}

	size := spec.QuoteAmount.Div(price)
	asset := automation.BaseAsset(spec.Symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byKey[idempotencyKey]; ok {
		return existing, nil
	}

	switch spec.Side {
	case provider.SideBuy:
		if spec.QuoteAmount.GreaterThan(p.cash) {
			return provider.Order{}, provider.Rejected(p.Name(), fmt.Sprintf("insufficient cash %s < %s", p.cash, spec.QuoteAmount), nil)
		}
		p.cash = p.cash.Sub(spec.QuoteAmount)
		p.holdings[asset] = p.holdings[asset].Add(size)
	case provider.SideSell:
		if size.GreaterThan(p.holdings[asset]) {
			return provider.Order{}, provider.Rejected(p.Name(), fmt.Sprintf("insufficient %s balance", asset), nil)
		}
		p.cash = p.cash.Add(spec.QuoteAmount)
		p.holdings[asset] = p.holdings[asset].Sub(size)
	default:
		return provider.Order{}, provider.Rejected(p.Name(), fmt.Sprintf("unknown side %q", spec.Side), nil)
	}
	p.lastMark[asset] = price

	order := provider.Order{
		ID:         uuid.NewString(),
		ClientID:   idempotencyKey,
		Status:     provider.OrderFilled,
		FilledSize: size,
		AvgPrice:   price,
		UpdatedAt:  p.now().UTC(),
	}
	p.byKey[idempotencyKey] = order
	p.byID[order.ID] = order

	p.logger.Info("模拟成交",
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
		zap.String("size", size.String()),
		zap.String("price", price.String()),
	)
	return order, nil
}

func (p *PaperVenue) GetOrderStatus(_ context.Context, orderID, _ string) (provider.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.byID[orderID]
	if !ok {
		return provider.Order{}, provider.Rejected(p.Name(), "order not found: "+orderID, nil)
	}
	return order, nil
}

func (p *PaperVenue) LookupOrder(_ context.Context, idempotencyKey, _ string) (provider.Order, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.byKey[idempotencyKey]
	return order, ok, nil
}

// FetchExposure 以最近成交价估值模拟持仓。
func (p *PaperVenue) FetchExposure(context.Context) (risk.Exposure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	exp := risk.Exposure{
		PerAsset: make(map[string]decimal.Decimal, len(p.holdings)),
		Equity:   p.cash,
		AsOf:     p.now().UTC(),
	}
	for asset, size := range p.holdings {
		if !size.IsPositive() {
			continue
		}
		value := size.Mul(p.lastMark[asset])
		exp.PerAsset[asset] = value
		exp.TotalNotional = exp.TotalNotional.Add(value)
		exp.Equity = exp.Equity.Add(value)
	}
	return exp, nil
}
