package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Violation 为触发的风控规则标识。
type Violation string

const (
	ViolationNone          Violation = ""
	ViolationMaxNotional   Violation = "max_notional"
	ViolationAssetExposure Violation = "max_asset_exposure"
	ViolationMaxLeverage   Violation = "max_leverage"
)

// Limits 为风控上限，零值表示不限制。
type Limits struct {
	MaxNotional         decimal.Decimal
	MaxExposurePerAsset decimal.Decimal
	MaxLeverage         decimal.Decimal
}

// Exposure 为当前已知的持仓敞口快照，均以计价资产计。
type Exposure struct {
	PerAsset      map[string]decimal.Decimal
	TotalNotional decimal.Decimal
	Equity        decimal.Decimal
	AsOf          time.Time
}

// Operation 描述待校验的操作。Increases 为 false 时（卖出、跨链转出）只校验单笔上限。
type Operation struct {
	Asset     string
	Notional  decimal.Decimal
	Increases bool
}

// Decision 为风控结果。
type Decision struct {
	Violation Violation
	Message   string
}

// Pass 是否通过。
func (d Decision) Pass() bool {
	return d.Violation == ViolationNone
}

// Check 为纯函数校验，不做任何外部调用。
func Check(op Operation, exp Exposure, limits Limits) Decision {
	if limits.MaxNotional.IsPositive() && op.Notional.GreaterThan(limits.MaxNotional) {
		return Decision{
			Violation: ViolationMaxNotional,
			Message:   fmt.Sprintf("notional %s exceeds %s", op.Notional, limits.MaxNotional),
		}
	}
	if !op.Increases {
		return Decision{}
	}

	if limits.MaxExposurePerAsset.IsPositive() {
		after := exp.PerAsset[op.Asset].Add(op.Notional)
		if after.GreaterThan(limits.MaxExposurePerAsset) {
			return Decision{
				Violation: ViolationAssetExposure,
				Message:   fmt.Sprintf("%s exposure %s exceeds %s", op.Asset, after, limits.MaxExposurePerAsset),
			}
		}
	}

	// 权益未知时无法计算杠杆。
	if limits.MaxLeverage.IsPositive() && exp.Equity.IsPositive() {
		leverage := exp.TotalNotional.Add(op.Notional).Div(exp.Equity)
		if leverage.GreaterThan(limits.MaxLeverage) {
			return Decision{
				Violation: ViolationMaxLeverage,
				Message:   fmt.Sprintf("leverage %s exceeds %s", leverage.StringFixed(2), limits.MaxLeverage),
			}
		}
	}

	return Decision{}
}
