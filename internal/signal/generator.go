package signal

import (
	"math"
	"strings"
)

// Signal 为交易信号。
type Signal string

// Trend 为趋势标签。
type Trend string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"

	TrendUp      Trend = "UP"
	TrendDown    Trend = "DOWN"
	TrendNeutral Trend = "NEUTRAL"
)

// 趋势判定的 EMA 缓冲带，价格需偏离 EMA 0.2% 以上才视为有趋势。
const trendBuffer = 0.002

// 次级规则的 RSI 门槛：顺势买入要求 RSI 尚未过热，顺势卖出要求 RSI 尚未超卖。
const (
	secondaryBuyCeiling = 45.0
	secondarySellFloor  = 55.0
)

// Indicators 为信号判定所需的最小指标集合。
// 任何字段为 NaN 表示历史数据不足，直接返回 HOLD/NEUTRAL。
type Indicators struct {
	Price         float64
	EMA20         float64
	RSI           float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
}

// Thresholds 为可调的 RSI 超买超卖阈值。
type Thresholds struct {
	RSIOversold   float64
	RSIOverbought float64
}

// DefaultThresholds 返回默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{RSIOversold: 30, RSIOverbought: 70}
}

// Evaluate 根据指标快照生成信号与趋势，纯函数、无副作用。
// 规则按顺序求值，先命中者生效。
func Evaluate(ind Indicators, th Thresholds) (Signal, Trend) {
	if hasNaN(ind.Price, ind.EMA20, ind.RSI, ind.MACD, ind.MACDSignal) {
		return SignalHold, TrendNeutral
	}

	trend := TrendNeutral
	switch {
	case ind.Price > ind.EMA20*(1+trendBuffer):
		trend = TrendUp
	case ind.Price < ind.EMA20*(1-trendBuffer):
		trend = TrendDown
	}

	bullish := ind.MACD > ind.MACDSignal
	bearish := ind.MACD < ind.MACDSignal

	switch {
	case ind.RSI < th.RSIOversold && bullish:
		return SignalBuy, trend
	case trend == TrendUp && ind.RSI < secondaryBuyCeiling && bullish:
		return SignalBuy, trend
	case ind.RSI > th.RSIOverbought && bearish:
		return SignalSell, trend
	case trend == TrendDown && ind.RSI > secondarySellFloor && bearish:
		return SignalSell, trend
	}

	return SignalHold, trend
}

// Advice 为外部辅助信号（可选协作方），缺失或失败不得阻塞交易决策。
type Advice struct {
	Signal     Signal
	Confidence float64
	Reasoning  string
}

// ApplyAdvisory 在辅助信号置信度达到下限时覆盖规则信号，否则保留原信号。
func ApplyAdvisory(base Signal, advice *Advice, minConfidence float64) Signal {
	if advice == nil {
		return base
	}
	if advice.Confidence < minConfidence {
		return base
	}

	switch Signal(strings.ToUpper(strings.TrimSpace(string(advice.Signal)))) {
	case SignalBuy:
		return SignalBuy
	case SignalSell:
		return SignalSell
	case SignalHold:
		return SignalHold
	default:
		return base
	}
}

func hasNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
