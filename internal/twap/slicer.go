package twap

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Plan 描述一次拆单请求。
type Plan struct {
	Total     decimal.Decimal
	Slices    int
	Window    time.Duration
	Start     time.Time
	Precision int32
}

// SliceSpec 为单个子单的目标数量与计划下发时间。
type SliceSpec struct {
	Index       int
	Size        decimal.Decimal
	ScheduledAt time.Time
}

// Slice 将总量均分为 Slices 份，余数由最后一份吸收；时间在窗口内等距分布，第一份立即下发。
func Slice(p Plan) ([]SliceSpec, error) {
	if !p.Total.IsPositive() {
		return nil, errors.New("twap: total 必须大于0")
	}
	if p.Slices < 1 {
		return nil, errors.New("twap: slices 至少为1")
	}
	if p.Window < 0 {
		return nil, errors.New("twap: window 不能为负")
	}
	if p.Precision < 0 {
		return nil, errors.New("twap: precision 不能为负")
	}

	n := int64(p.Slices)
	per := p.Total.Div(decimal.NewFromInt(n)).Truncate(p.Precision)
	if n > 1 && !per.IsPositive() {
		return nil, fmt.Errorf("twap: total %s 在精度 %d 下无法拆成 %d 份", p.Total, p.Precision, n)
	}

	out := make([]SliceSpec, p.Slices)
	sum := decimal.Zero
	for i := 0; i < p.Slices; i++ {
		size := per
		if i == p.Slices-1 {
			size = p.Total.Sub(per.Mul(decimal.NewFromInt(n - 1)))
		}
		out[i] = SliceSpec{
			Index:       i,
			Size:        size,
			ScheduledAt: offset(p.Start, p.Window, i, p.Slices),
		}
		sum = sum.Add(size)
	}

	if !sum.Equal(p.Total) || !out[p.Slices-1].Size.IsPositive() {
		panic(fmt.Sprintf("twap: 拆单结果不一致 total=%s sum=%s", p.Total, sum))
	}
	return out, nil
}

func offset(start time.Time, window time.Duration, i, n int) time.Time {
	if n == 1 {
		return start
	}
	step := int64(window) * int64(i) / int64(n-1)
	return start.Add(time.Duration(step))
}
