package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trades-automation/internal/provider"
)

// Kind 为规则类型。
type Kind string

const (
	KindRecurringBuy Kind = "recurring_buy"
	KindThreshold    Kind = "threshold"
	KindTWAP         Kind = "twap"
	KindCrossChain   Kind = "cross_chain"
)

// RuleConfig 是封闭的规则配置变体，仅本包内的四种配置实现它。
type RuleConfig interface {
	Kind() Kind
	Validate() error
	sealed()
}

// RecurringBuyConfig 定投配置，Amount 为每期计价资产金额。
type RecurringBuyConfig struct {
	Symbol   string          `json:"symbol"`
	Side     provider.Side   `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Slippage decimal.Decimal `json:"slippage"`
	Schedule string          `json:"schedule"`
}

// ThresholdConfig 条件触发配置，Condition 为 CEL 表达式。
type ThresholdConfig struct {
	Symbol        string          `json:"symbol"`
	Side          provider.Side   `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Slippage      decimal.Decimal `json:"slippage"`
	Condition     string          `json:"condition"`
	Timeframe     string          `json:"timeframe"`
	CheckInterval time.Duration   `json:"check_interval"`
	Cooldown      time.Duration   `json:"cooldown"`
}

// TWAPConfig 拆单配置；Schedule 为空表示只执行一次。
type TWAPConfig struct {
	Symbol      string          `json:"symbol"`
	Side        provider.Side   `json:"side"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Slices      int             `json:"slices"`
	Window      time.Duration   `json:"window"`
	Slippage    decimal.Decimal `json:"slippage"`
	Schedule    string          `json:"schedule,omitempty"`
}

// CrossChainConfig 跨链兑换配置；Schedule 为空表示只执行一次。
type CrossChainConfig struct {
	FromChain string          `json:"from_chain"`
	ToChain   string          `json:"to_chain"`
	FromAsset string          `json:"from_asset"`
	ToAsset   string          `json:"to_asset"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Slippage  decimal.Decimal `json:"slippage"`
	Schedule  string          `json:"schedule,omitempty"`
}

func (RecurringBuyConfig) Kind() Kind { return KindRecurringBuy }
func (ThresholdConfig) Kind() Kind    { return KindThreshold }
func (TWAPConfig) Kind() Kind         { return KindTWAP }
func (CrossChainConfig) Kind() Kind   { return KindCrossChain }

func (RecurringBuyConfig) sealed() {}
func (ThresholdConfig) sealed()    {}
func (TWAPConfig) sealed()         {}
func (CrossChainConfig) sealed()   {}

func (c RecurringBuyConfig) Validate() error {
	if err := validateTrade(c.Symbol, c.Side, c.Amount, c.Slippage); err != nil {
		return err
	}
	if strings.TrimSpace(c.Schedule) == "" {
		return errors.New("automation: schedule 不能为空")
	}
	return nil
}

func (c ThresholdConfig) Validate() error {
	if err := validateTrade(c.Symbol, c.Side, c.Amount, c.Slippage); err != nil {
		return err
	}
	if strings.TrimSpace(c.Condition) == "" {
		return errors.New("automation: condition 不能为空")
	}
	if c.Timeframe == "" {
		return errors.New("automation: timeframe 不能为空")
	}
	if c.CheckInterval <= 0 {
		return errors.New("automation: check_interval 必须大于0")
	}
	if c.Cooldown < 0 {
		return errors.New("automation: cooldown 不能为负")
	}
	return nil
}

func (c TWAPConfig) Validate() error {
	if err := validateTrade(c.Symbol, c.Side, c.TotalAmount, c.Slippage); err != nil {
		return err
	}
	if c.Slices < 1 {
		return errors.New("automation: slices 至少为1")
	}
	if c.Window < 0 {
		return errors.New("automation: window 不能为负")
	}
	return nil
}

func (c CrossChainConfig) Validate() error {
	if c.FromChain == "" || c.ToChain == "" {
		return errors.New("automation: 链不能为空")
	}
	if c.FromAsset == "" || c.ToAsset == "" {
		return errors.New("automation: 资产不能为空")
	}
	if !c.Amount.IsPositive() {
		return errors.New("automation: amount 必须大于0")
	}
	if c.Recipient == "" {
		return errors.New("automation: recipient 不能为空")
	}
	if c.Slippage.IsNegative() {
		return errors.New("automation: slippage 不能为负")
	}
	return nil
}

func validateTrade(symbol string, side provider.Side, amount, slippage decimal.Decimal) error {
	if !strings.Contains(symbol, "/") {
		return fmt.Errorf("automation: symbol 格式非法: %q", symbol)
	}
	if side != provider.SideBuy && side != provider.SideSell {
		return fmt.Errorf("automation: side 非法: %q", side)
	}
	if !amount.IsPositive() {
		return errors.New("automation: amount 必须大于0")
	}
	if slippage.IsNegative() || slippage.GreaterThan(decimal.NewFromFloat(0.2)) {
		return errors.New("automation: slippage 应位于[0,0.2]")
	}
	return nil
}

// EncodeConfig 将配置序列化为 JSON。
func EncodeConfig(cfg RuleConfig) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("automation: 序列化规则配置失败: %w", err)
	}
	return data, nil
}

// DecodeConfig 按规则类型反序列化配置。
func DecodeConfig(kind Kind, data []byte) (RuleConfig, error) {
	var (
		cfg RuleConfig
		err error
	)
	switch kind {
	case KindRecurringBuy:
		var c RecurringBuyConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case KindThreshold:
		var c ThresholdConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case KindTWAP:
		var c TWAPConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	case KindCrossChain:
		var c CrossChainConfig
		err = json.Unmarshal(data, &c)
		cfg = c
	default:
		return nil, fmt.Errorf("automation: 未知规则类型 %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("automation: 解析 %s 配置失败: %w", kind, err)
	}
	return cfg, nil
}

// Rule 为持久化的自动化规则。
type Rule struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	Config              RuleConfig `json:"config"`
	Active              bool       `json:"active"`
	NextRunAt           time.Time  `json:"next_run_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Kind 返回规则类型。
func (r Rule) Kind() Kind {
	if r.Config == nil {
		return ""
	}
	return r.Config.Kind()
}

// Validate 校验规则本身与配置。
func (r Rule) Validate() error {
	if r.Owner == "" {
		return errors.New("automation: owner 不能为空")
	}
	if r.Config == nil {
		return errors.New("automation: config 不能为空")
	}
	return r.Config.Validate()
}
