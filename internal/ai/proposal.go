package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"trades-automation/internal/automation"
	"trades-automation/internal/provider"
	"trades-automation/internal/scheduler"
	"trades-automation/internal/trigger"
)

const proposalSchemaURL = "https://trades-automation.local/schemas/proposal.schema.json"

const proposalSchema = `{
  "type": "object",
  "required": ["kind", "amount", "reasoning"],
  "properties": {
    "kind": {"enum": ["recurring_buy", "threshold", "twap", "cross_chain"]},
    "symbol": {"type": "string", "pattern": "^[A-Z0-9]+/[A-Z0-9]+(:[A-Z0-9]+)?$"},
    "side": {"enum": ["buy", "sell"]},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "slippage": {"type": "string", "pattern": "^0(\\.[0-9]+)?$"},
    "schedule": {"type": "string", "minLength": 1},
    "condition": {"type": "string", "minLength": 1},
    "timeframe": {"enum": ["1m", "5m", "15m", "1h", "4h", "1d"]},
    "check_interval": {"$ref": "#/$defs/duration"},
    "cooldown": {"$ref": "#/$defs/duration"},
    "slices": {"type": "integer", "minimum": 1, "maximum": 500},
    "window": {"$ref": "#/$defs/duration"},
    "from_chain": {"type": "string", "minLength": 1},
    "to_chain": {"type": "string", "minLength": 1},
    "from_asset": {"type": "string", "minLength": 1},
    "to_asset": {"type": "string", "minLength": 1},
    "recipient": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {"if": {"properties": {"kind": {"const": "recurring_buy"}}},
     "then": {"required": ["symbol", "side", "schedule"]}},
    {"if": {"properties": {"kind": {"const": "threshold"}}},
     "then": {"required": ["symbol", "side", "condition", "timeframe", "check_interval"]}},
    {"if": {"properties": {"kind": {"const": "twap"}}},
     "then": {"required": ["symbol", "side", "slices", "window"]}},
    {"if": {"properties": {"kind": {"const": "cross_chain"}}},
     "then": {"required": ["from_chain", "to_chain", "from_asset", "to_asset", "recipient"]}}
  ],
  "$defs": {
    "duration": {"type": "string", "pattern": "^([0-9]+(ms|s|m|h))+$"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(proposalSchemaURL, strings.NewReader(proposalSchema)); err != nil {
		panic(fmt.Sprintf("ai: 加载提案 schema 失败: %v", err))
	}
	return c.MustCompile(proposalSchemaURL)
}

// Proposal 为模型给出的规则提案，字段按 kind 选用。
type Proposal struct {
	Kind          string `json:"kind"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Amount        string `json:"amount"`
	Slippage      string `json:"slippage,omitempty"`
	Schedule      string `json:"schedule,omitempty"`
	Condition     string `json:"condition,omitempty"`
	Timeframe     string `json:"timeframe,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
	Cooldown      string `json:"cooldown,omitempty"`
	Slices        int    `json:"slices,omitempty"`
	Window        string `json:"window,omitempty"`
	FromChain     string `json:"from_chain,omitempty"`
	ToChain       string `json:"to_chain,omitempty"`
	FromAsset     string `json:"from_asset,omitempty"`
	ToAsset       string `json:"to_asset,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	Reasoning     string `json:"reasoning"`
}

// ParseProposal 先按 JSON Schema 校验模型输出，再解析为 Proposal。
func ParseProposal(raw []byte) (Proposal, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Proposal{}, fmt.Errorf("ai: 解析提案JSON失败: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Proposal{}, fmt.Errorf("ai: 提案不符合 schema: %w", err)
	}

	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proposal{}, fmt.Errorf("ai: 解析提案字段失败: %w", err)
	}
	return p, nil
}

// RuleConfig 将提案转换为规则配置并做业务校验。
func (p Proposal) RuleConfig(eval *trigger.Evaluator) (automation.RuleConfig, error) {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("ai: amount 非法: %w", err)
	}
	slippage := decimal.Zero
	if p.Slippage != "" {
		if slippage, err = decimal.NewFromString(p.Slippage); err != nil {
			return nil, fmt.Errorf("ai: slippage 非法: %w", err)
		}
	}

	var cfg automation.RuleConfig
	switch automation.Kind(p.Kind) {
	case automation.KindRecurringBuy:
		cfg = automation.RecurringBuyConfig{
			Symbol: p.Symbol, Side: provider.Side(p.Side), Amount: amount, Slippage: slippage, Schedule: p.Schedule,
		}
	case automation.KindThreshold:
		interval, err := time.ParseDuration(p.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("ai: check_interval 非法: %w", err)
		}
		var cooldown time.Duration
		if p.Cooldown != "" {
			if cooldown, err = time.ParseDuration(p.Cooldown); err != nil {
				return nil, fmt.Errorf("ai: cooldown 非法: %w", err)
			}
		}
		if eval != nil {
			if err := eval.Validate(p.Condition); err != nil {
				return nil, err
			}
		}
		cfg = automation.ThresholdConfig{
			Symbol: p.Symbol, Side: provider.Side(p.Side), Amount: amount, Slippage: slippage,
			Condition: p.Condition, Timeframe: p.Timeframe, CheckInterval: interval, Cooldown: cooldown,
		}
	case automation.KindTWAP:
		window, err := time.ParseDuration(p.Window)
		if err != nil {
			return nil, fmt.Errorf("ai: window 非法: %w", err)
		}
		cfg = automation.TWAPConfig{
			Symbol: p.Symbol, Side: provider.Side(p.Side), TotalAmount: amount, Slices: p.Slices,
			Window: window, Slippage: slippage, Schedule: p.Schedule,
		}
	case automation.KindCrossChain:
		cfg = automation.CrossChainConfig{
			FromChain: p.FromChain, ToChain: p.ToChain, FromAsset: p.FromAsset, ToAsset: p.ToAsset,
			Amount: amount, Recipient: p.Recipient, Slippage: slippage, Schedule: p.Schedule,
		}
	default:
		return nil, fmt.Errorf("ai: 未知规则类型 %q", p.Kind)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Draft 生成未启用的规则草稿，需人工确认后启用。
func (p Proposal) Draft(owner string, eval *trigger.Evaluator, now time.Time) (automation.Rule, error) {
	cfg, err := p.RuleConfig(eval)
	if err != nil {
		return automation.Rule{}, err
	}
	next, err := scheduler.FirstRun(cfg, now)
	if err != nil {
		return automation.Rule{}, err
	}
	rule := automation.Rule{
		ID:        uuid.NewString(),
		Owner:     owner,
		Config:    cfg,
		Active:    false,
		NextRunAt: next,
	}
	if err := rule.Validate(); err != nil {
		return automation.Rule{}, err
	}
	return rule, nil
}
