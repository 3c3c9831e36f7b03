package indicator

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"trades-automation/internal/provider"
)

// Values 为阈值条件可引用的指标值，数据不足的指标为 NaN。
type Values struct {
	Price       float64
	PrevClose   float64
	ChangePct   float64
	SMA20       float64
	SMA50       float64
	EMA12       float64
	EMA26       float64
	RSI14       float64
	ATR14       float64
	VolumeRatio float64
}

// Vars 返回条件表达式中使用的变量。
func (v Values) Vars() map[string]interface{} {
	return map[string]interface{}{
		"price":        v.Price,
		"prev_close":   v.PrevClose,
		"change_pct":   v.ChangePct,
		"sma":          v.SMA20,
		"sma50":        v.SMA50,
		"ema":          v.EMA12,
		"ema26":        v.EMA26,
		"rsi":          v.RSI14,
		"atr":          v.ATR14,
		"volume_ratio": v.VolumeRatio,
	}
}

type cacheEntry struct {
	key    string
	values Values
}

// Calculator 计算技术指标，同一交易对与周期在最新K线不变时复用结果。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算指标。
func (c *Calculator) Compute(symbol, timeframe string, candles []provider.Candle) (Values, error) {
	if len(candles) == 0 {
		return Values{}, fmt.Errorf("indicator: %s %s 输入K线为空", symbol, timeframe)
	}

	series := NewSeries(candles)
	slot := symbol + "|" + timeframe
	key := fmt.Sprintf("%d:%d:%v", series.Len(), series.Timestamps[series.Len()-1].Unix(), Last(series.Close))

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == key {
		c.mu.Unlock()
		return entry.values, nil
	}
	c.mu.Unlock()

	values := calculate(series)

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: key, values: values}
	c.mu.Unlock()

	return values, nil
}

func calculate(series Series) Values {
	closes := series.Close

	return Values{
		Price:       Last(closes),
		PrevClose:   Prev(closes),
		ChangePct:   series.ChangePct(1),
		SMA20:       lastOf(closes, 20, func(p int) []float64 { return talib.Sma(closes, p) }),
		SMA50:       lastOf(closes, 50, func(p int) []float64 { return talib.Sma(closes, p) }),
		EMA12:       lastOf(closes, 12, func(p int) []float64 { return talib.Ema(closes, p) }),
		EMA26:       lastOf(closes, 26, func(p int) []float64 { return talib.Ema(closes, p) }),
		RSI14:       lastOf(closes, 15, func(int) []float64 { return talib.Rsi(closes, 14) }),
		ATR14:       lastOf(closes, 15, func(int) []float64 { return talib.Atr(series.High, series.Low, closes, 14) }),
		VolumeRatio: volumeRatio(series.Volume, 20),
	}
}

// lastOf 在样本数不少于 need 时计算并取最后一个值。
func lastOf(values []float64, need int, fn func(period int) []float64) float64 {
	if len(values) < need {
		return math.NaN()
	}
	return Last(fn(need))
}

func volumeRatio(volumes []float64, window int) float64 {
	recent := tail(volumes, window)
	if len(recent) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range recent {
		sum += v
	}
	return SafeDivide(Last(volumes), sum/float64(len(recent)))
}
