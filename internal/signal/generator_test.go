package signal

import (
	"math"
	"testing"
)

func healthyIndicators() Indicators {
	return Indicators{
		Price:      100,
		EMA20:      100,
		RSI:        50,
		MACD:       0.5,
		MACDSignal: 0.3,
	}
}

func TestEvaluate_NaNIndicatorsHold(t *testing.T) {
	ind := healthyIndicators()
	ind.RSI = math.NaN()

	sig, trend := Evaluate(ind, DefaultThresholds())
	if sig != SignalHold {
		t.Errorf("expected HOLD on NaN indicators, got %s", sig)
	}
	if trend != TrendNeutral {
		t.Errorf("expected NEUTRAL trend on NaN indicators, got %s", trend)
	}
}

func TestEvaluate_OversoldBullishBuy(t *testing.T) {
	ind := healthyIndicators()
	ind.RSI = 25
	ind.MACD = 1.0
	ind.MACDSignal = 0.5

	sig, _ := Evaluate(ind, DefaultThresholds())
	if sig != SignalBuy {
		t.Errorf("expected BUY for RSI 25 with bullish MACD, got %s", sig)
	}
}

func TestEvaluate_OversoldBearishNoBuy(t *testing.T) {
	ind := healthyIndicators()
	ind.RSI = 25
	ind.MACD = 0.1
	ind.MACDSignal = 0.5

	sig, _ := Evaluate(ind, DefaultThresholds())
	if sig != SignalHold {
		t.Errorf("oversold without bullish confirmation must HOLD, got %s", sig)
	}
}

func TestEvaluate_UptrendSecondaryBuy(t *testing.T) {
	ind := healthyIndicators()
	ind.Price = 103
	ind.EMA20 = 100
	ind.RSI = 40
	ind.MACD = 1.0
	ind.MACDSignal = 0.5

	sig, trend := Evaluate(ind, DefaultThresholds())
	if trend != TrendUp {
		t.Fatalf("expected UP trend, got %s", trend)
	}
	if sig != SignalBuy {
		t.Errorf("expected secondary BUY in uptrend with RSI 40, got %s", sig)
	}
}

func TestEvaluate_UptrendHotRSINoSecondaryBuy(t *testing.T) {
	ind := healthyIndicators()
	ind.Price = 103
	ind.EMA20 = 100
	ind.RSI = 50
	ind.MACD = 1.0
	ind.MACDSignal = 0.5

	sig, _ := Evaluate(ind, DefaultThresholds())
	if sig != SignalHold {
		t.Errorf("secondary BUY requires RSI below 45, got %s", sig)
	}
}

func TestEvaluate_OverboughtBearishSell(t *testing.T) {
	ind := healthyIndicators()
	ind.RSI = 75
	ind.MACD = 0.1
	ind.MACDSignal = 0.5

	sig, _ := Evaluate(ind, DefaultThresholds())
	if sig != SignalSell {
		t.Errorf("expected SELL for RSI 75 with bearish MACD, got %s", sig)
	}
}

func TestEvaluate_DowntrendSecondarySell(t *testing.T) {
	ind := healthyIndicators()
	ind.Price = 97
	ind.EMA20 = 100
	ind.RSI = 60
	ind.MACD = 0.1
	ind.MACDSignal = 0.5

	sig, trend := Evaluate(ind, DefaultThresholds())
	if trend != TrendDown {
		t.Fatalf("expected DOWN trend, got %s", trend)
	}
	if sig != SignalSell {
		t.Errorf("expected secondary SELL in downtrend with RSI 60, got %s", sig)
	}
}

func TestEvaluate_PrimaryBuyWinsOverDowntrend(t *testing.T) {
	// 规则按顺序求值：超卖+金叉的主规则优先于趋势判断。
	ind := healthyIndicators()
	ind.Price = 97
	ind.EMA20 = 100
	ind.RSI = 25
	ind.MACD = 1.0
	ind.MACDSignal = 0.5

	sig, trend := Evaluate(ind, DefaultThresholds())
	if trend != TrendDown {
		t.Fatalf("expected DOWN trend, got %s", trend)
	}
	if sig != SignalBuy {
		t.Errorf("primary oversold rule must win over downtrend, got %s", sig)
	}
}

func TestEvaluate_CustomThresholds(t *testing.T) {
	ind := healthyIndicators()
	ind.RSI = 38
	ind.MACD = 1.0
	ind.MACDSignal = 0.5

	sig, _ := Evaluate(ind, Thresholds{RSIOversold: 40, RSIOverbought: 60})
	if sig != SignalBuy {
		t.Errorf("expected BUY with widened oversold threshold, got %s", sig)
	}
}

func TestApplyAdvisory(t *testing.T) {
	cases := []struct {
		name   string
		base   Signal
		advice *Advice
		floor  float64
		want   Signal
	}{
		{"nil advice keeps base", SignalBuy, nil, 60, SignalBuy},
		{"below floor keeps base", SignalBuy, &Advice{Signal: SignalSell, Confidence: 40}, 60, SignalBuy},
		{"at floor overrides", SignalBuy, &Advice{Signal: SignalSell, Confidence: 60}, 60, SignalSell},
		{"hold override", SignalBuy, &Advice{Signal: SignalHold, Confidence: 90}, 60, SignalHold},
		{"lowercase accepted", SignalHold, &Advice{Signal: "buy", Confidence: 80}, 60, SignalBuy},
		{"garbage keeps base", SignalSell, &Advice{Signal: "MAYBE", Confidence: 99}, 60, SignalSell},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ApplyAdvisory(tc.base, tc.advice, tc.floor); got != tc.want {
				t.Errorf("ApplyAdvisory = %s, want %s", got, tc.want)
			}
		})
	}
}
