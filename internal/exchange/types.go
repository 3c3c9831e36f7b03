package exchange

import (
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"trades-automation/internal/provider"
)

const (
	// Timeframe1h 为默认的条件检查周期。
	Timeframe1h = "1h"
	// Timeframe4h 为趋势过滤周期。
	Timeframe4h = "4h"
)

func convertOrder(raw ccxt.Order) provider.Order {
	order := provider.Order{
		ID:         deref(raw.Id),
		ClientID:   deref(raw.ClientOrderId),
		Status:     convertStatus(deref(raw.Status)),
		FilledSize: decimalOf(raw.Filled),
		AvgPrice:   decimalOf(raw.Average),
		UpdatedAt:  time.Now().UTC(),
	}
	if order.AvgPrice.IsZero() {
		order.AvgPrice = decimalOf(raw.Price)
	}
	if raw.Timestamp != nil {
		order.UpdatedAt = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return order
}

func convertStatus(status string) provider.OrderStatus {
	switch strings.ToLower(status) {
	case "closed", "filled":
		return provider.OrderFilled
	case "canceled", "cancelled", "expired":
		return provider.OrderCancelled
	case "rejected":
		return provider.OrderRejected
	default:
		return provider.OrderOpen
	}
}

func convertCandles(raw []ccxt.OHLCV) []provider.Candle {
	candles := make([]provider.Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, provider.Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func decimalOf(v *float64) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*v)
}
