package indicator

import (
	"math"
	"time"

	"trades-automation/internal/provider"
)

// Series 将K线数据拆分为便于指标计算的序列，按时间升序。
type Series struct {
	Timestamps []time.Time
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
}

// NewSeries 从K线创建 Series。
func NewSeries(candles []provider.Candle) Series {
	n := len(candles)
	series := Series{
		Timestamps: make([]time.Time, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
		Volume:     make([]float64, n),
	}
	for i, candle := range candles {
		series.Timestamps[i] = candle.Timestamp.UTC()
		series.High[i] = candle.High
		series.Low[i] = candle.Low
		series.Close[i] = candle.Close
		series.Volume[i] = candle.Volume
	}
	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// ChangePct 返回最近 n 根K线的收盘价涨跌幅（百分比）。
func (s Series) ChangePct(n int) float64 {
	if n <= 0 || s.Len() <= n {
		return math.NaN()
	}
	base := s.Close[s.Len()-1-n]
	return SafeDivide(Last(s.Close)-base, base) * 100
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回序列倒数第二个值，若不足两个元素则返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

func tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
