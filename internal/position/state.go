package position

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/risk"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// PriceSource 为现货持仓估值提供价格。
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Manager 汇总账户余额与仓位，作为风控的敞口来源。
type Manager struct {
	client      balanceClient
	prices      PriceSource
	quoteAssets []string
	withPerps   bool
	logger      *zap.Logger
}

// NewManager 创建仓位管理器；withPerps 为 true 时同时统计合约持仓。
func NewManager(client balanceClient, prices PriceSource, quoteAssets []string, withPerps bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:      client,
		prices:      prices,
		quoteAssets: quoteAssets,
		withPerps:   withPerps,
		logger:      logger,
	}
}

var _ risk.ExposureProvider = (*Manager)(nil)

// FetchExposure 获取账户权益及各资产敞口。
func (m *Manager) FetchExposure(ctx context.Context) (risk.Exposure, error) {
	exp := risk.Exposure{
		PerAsset: make(map[string]decimal.Decimal),
		AsOf:     time.Now().UTC(),
	}

	balances, err := m.client.FetchBalance()
	if err != nil {
		return exp, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}

	equity := 0.0
	for code, total := range balances.Total {
		if total == nil || *total <= 0 {
			continue
		}
		if m.isQuote(code) {
			equity += *total
			continue
		}
		if m.prices == nil || len(m.quoteAssets) == 0 {
			continue
		}
		price, err := m.prices.LastPrice(ctx, code+"/"+m.quoteAssets[0])
		if err != nil {
			return exp, fmt.Errorf("position: 获取 %s 估值价格失败: %w", code, err)
		}
		value := decimal.NewFromFloat(*total).Mul(price)
		exp.PerAsset[code] = exp.PerAsset[code].Add(value)
		exp.TotalNotional = exp.TotalNotional.Add(value)
		equity += value.InexactFloat64()
	}

	// hyperliquid 等合约账户的权益放在 Info.marginSummary 中。
	if summary, ok := balances.Info["marginSummary"].(map[string]interface{}); ok {
		if v := parseNumeric(summary["accountValue"]); v > equity {
			equity = v
		}
	}
	exp.Equity = decimal.NewFromFloat(equity)

	if !m.withPerps {
		return exp, nil
	}

	rawPositions, err := m.client.FetchPositions()
	if err != nil {
		return exp, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	for _, rawPos := range rawPositions {
		symbol := derefString(rawPos.Symbol)
		if symbol == "" || derefFloat(rawPos.Contracts) == 0 {
			continue
		}

		notional := math.Abs(derefFloat(rawPos.Notional))
		if notional == 0 {
			if info, ok := rawPos.Info["position"].(map[string]interface{}); ok {
				notional = math.Abs(parseNumeric(info["positionValue"]))
			}
		}
		if notional == 0 {
			notional = math.Abs(derefFloat(rawPos.Contracts) * derefFloat(rawPos.MarkPrice))
		}

		asset := automation.BaseAsset(symbol)
		value := decimal.NewFromFloat(notional)
		exp.PerAsset[asset] = exp.PerAsset[asset].Add(value)
		exp.TotalNotional = exp.TotalNotional.Add(value)
	}

	m.logger.Debug("已刷新持仓敞口",
		zap.String("equity", exp.Equity.String()),
		zap.String("total_notional", exp.TotalNotional.String()),
		zap.Int("assets", len(exp.PerAsset)),
	)

	return exp, nil
}

func (m *Manager) isQuote(code string) bool {
	for _, q := range m.quoteAssets {
		if strings.EqualFold(q, code) {
			return true
		}
	}
	return false
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
