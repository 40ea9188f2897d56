package pipeline

import (
	"math"

	"commodity-trader/internal/marketdata"
)

// closeSeries 从K线中抽取收盘价序列。
func closeSeries(candles []marketdata.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// last 返回序列最后一个值，若为空则返回 NaN。
func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
