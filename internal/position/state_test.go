package position

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
)

type mockBalanceClient struct {
	balances  ccxt.Balances
	positions []ccxt.Position
	posCalls  int
}

func (m *mockBalanceClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return m.balances, nil
}

func (m *mockBalanceClient) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	m.posCalls++
	return m.positions, nil
}

type mapPrices map[string]decimal.Decimal

func (p mapPrices) LastPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := p[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return price, nil
}

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

func TestFetchExposureSpot(t *testing.T) {
	client := &mockBalanceClient{
		balances: ccxt.Balances{
			Total: map[string]*float64{"USDT": f(1000), "BTC": f(0.01), "ETH": f(0)},
		},
	}
	m := NewManager(client, mapPrices{"BTC/USDT": decimal.NewFromInt(50000)}, []string{"USDT"}, false, nil)

	exp, err := m.FetchExposure(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exp.PerAsset["BTC"].Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected BTC exposure 500, got %s", exp.PerAsset["BTC"])
	}
	if !exp.Equity.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("expected equity 1500, got %s", exp.Equity)
	}
	if client.posCalls != 0 {
		t.Fatalf("positions should not be fetched for spot accounts")
	}
}

func TestFetchExposurePerps(t *testing.T) {
	client := &mockBalanceClient{
		balances: ccxt.Balances{
			Total: map[string]*float64{"USDC": f(200)},
			Info: map[string]interface{}{
				"marginSummary": map[string]interface{}{"accountValue": "2500.5"},
			},
		},
		positions: []ccxt.Position{
			{Symbol: s("ETH/USDC:USDC"), Contracts: f(-2), Notional: f(-6000)},
			{Symbol: s("BTC/USDC:USDC"), Contracts: f(0.1), MarkPrice: f(40000)},
			{Symbol: s("SOL/USDC:USDC"), Contracts: f(0)},
		},
	}
	m := NewManager(client, nil, []string{"USDC"}, true, nil)

	exp, err := m.FetchExposure(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exp.Equity.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("expected margin summary equity, got %s", exp.Equity)
	}
	if !exp.PerAsset["ETH"].Equal(decimal.NewFromInt(6000)) || !exp.PerAsset["BTC"].Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("unexpected per-asset exposure: %v", exp.PerAsset)
	}
	if !exp.TotalNotional.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected total 10000, got %s", exp.TotalNotional)
	}
	if _, ok := exp.PerAsset["SOL"]; ok {
		t.Fatalf("flat positions must be skipped")
	}
}
