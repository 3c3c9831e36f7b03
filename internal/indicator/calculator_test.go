package indicator

import (
	"math"
	"testing"
	"time"

	"trades-automation/internal/provider"
)

func rising(n int) []provider.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]provider.Candle, n)
	for i := 0; i < n; i++ {
		price := float64(i + 1)
		candles[i] = provider.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    10,
		}
	}
	return candles
}

func TestComputeBasicValues(t *testing.T) {
	calc := NewCalculator()
	values, err := calc.Compute("BTC/USDT", "1h", rising(30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if values.Price != 30 || values.PrevClose != 29 {
		t.Fatalf("unexpected price %v prev %v", values.Price, values.PrevClose)
	}
	if math.Abs(values.SMA20-20.5) > 1e-9 {
		t.Fatalf("expected sma20 20.5, got %v", values.SMA20)
	}
	if !math.IsNaN(values.SMA50) {
		t.Fatalf("expected NaN sma50 for short series, got %v", values.SMA50)
	}
	if math.Abs(values.ChangePct-100.0/29) > 1e-9 {
		t.Fatalf("unexpected change pct %v", values.ChangePct)
	}
	if values.RSI14 < 99 {
		t.Fatalf("expected rsi near 100 for rising series, got %v", values.RSI14)
	}
	if values.VolumeRatio != 1 {
		t.Fatalf("expected volume ratio 1, got %v", values.VolumeRatio)
	}

	vars := values.Vars()
	if vars["price"] != 30.0 {
		t.Fatalf("vars missing price: %v", vars)
	}
}

func TestComputeCachesByLatestCandle(t *testing.T) {
	calc := NewCalculator()
	candles := rising(25)
	first, _ := calc.Compute("ETH/USDT", "1h", candles)

	candles[len(candles)-1].Close = 100
	second, _ := calc.Compute("ETH/USDT", "1h", candles)
	if second.Price != 100 || first.Price == second.Price {
		t.Fatalf("expected recompute when last close changes: %v %v", first.Price, second.Price)
	}
}

func TestComputeRejectsEmpty(t *testing.T) {
	if _, err := NewCalculator().Compute("BTC/USDT", "1h", nil); err == nil {
		t.Fatal("expected error for empty candles")
	}
}
