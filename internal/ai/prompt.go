package ai

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"trades-automation/internal/trigger"
)

const proposalTemplate = `
你是一个加密资产自动化交易助手。请根据用户目标设计一条自动化规则，只做规则设计，不做收益承诺。

用户目标：
{{ .Goal }}

当前时间（UTC）：{{ .Now }}

可选规则类型：
1. recurring_buy：按 cron 周期定投，schedule 为标准5段 cron 或 @every 1h 形式；
2. threshold：条件触发，condition 为 CEL 表达式，可用变量：{{ .Variables }}；
3. twap：在 window 时长内将 amount 平均拆成 slices 笔；
4. cross_chain：将 amount 的 from_asset 从 from_chain 转到 to_chain 的 to_asset，recipient 为收款地址。

约束：
- amount 为计价资产金额的十进制字符串，例如 "100" 或 "25.5"；
- slippage 为 0 到 0.2 的十进制字符串，未指定时省略；
- symbol 使用 BASE/QUOTE 格式，例如 BTC/USDT；side 为 buy 或 sell；
- 时长使用 Go 格式，例如 "5m"、"1h30m"；
- 无法满足的目标请选择最保守的规则，并在 reasoning 中说明。

请严格输出唯一的 JSON 对象：
{
  "kind": "recurring_buy|threshold|twap|cross_chain",
  "symbol": "BTC/USDT",
  "side": "buy|sell",
  "amount": "100",
  "slippage": "0.005",
  "schedule": "0 9 * * 1",
  "condition": "rsi < 30.0 && price < sma",
  "timeframe": "1h",
  "check_interval": "5m",
  "cooldown": "6h",
  "slices": 6,
  "window": "3h",
  "from_chain": "ethereum",
  "to_chain": "arbitrum",
  "from_asset": "USDC",
  "to_asset": "USDC",
  "recipient": "0x...",
  "reasoning": "..."
}
与所选类型无关的字段请省略。
`

var tmpl = template.Must(template.New("proposal").Parse(proposalTemplate))

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Goal      string
	Now       string
	Variables string
}

// BuildPrompt 将用户目标渲染成提示词字符串。
func BuildPrompt(goal string, now time.Time) (string, error) {
	if strings.TrimSpace(goal) == "" {
		return "", fmt.Errorf("ai: goal 不能为空")
	}

	ctx := PromptContext{
		Goal:      strings.TrimSpace(goal),
		Now:       now.UTC().Format(time.RFC3339),
		Variables: strings.Join(trigger.Variables, ", "),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("ai: 渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
