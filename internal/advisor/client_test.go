package advisor

import (
	"math"
	"strings"
	"testing"

	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/signal"
)

func TestParseAdvice(t *testing.T) {
	advice, err := parseAdvice(`{"signal": "BUY", "confidence": 72, "reasoning": "oversold bounce"}`)
	if err != nil {
		t.Fatalf("parseAdvice returned error: %v", err)
	}
	if advice.Signal != signal.SignalBuy || advice.Confidence != 72 {
		t.Errorf("unexpected advice: %+v", advice)
	}
}

func TestParseAdvice_SurroundingProse(t *testing.T) {
	content := "Based on the data, my recommendation is:\n```json\n{\"signal\": \"sell\", \"confidence\": 65, \"reasoning\": \"overbought\"}\n```\nGood luck."
	advice, err := parseAdvice(content)
	if err != nil {
		t.Fatalf("parseAdvice returned error: %v", err)
	}
	if advice.Signal != signal.SignalSell {
		t.Errorf("expected SELL, got %s", advice.Signal)
	}
}

func TestParseAdvice_Invalid(t *testing.T) {
	cases := []string{
		`no json here`,
		`{"signal": "MAYBE", "confidence": 50}`,
		`{"signal": "BUY", "confidence": 150}`,
		`{"signal": "BUY", "confidence": -1}`,
	}
	for _, content := range cases {
		if _, err := parseAdvice(content); err == nil {
			t.Errorf("expected error for %q", content)
		}
	}
}

func TestBuildPrompt_OmitsNaNIndicators(t *testing.T) {
	snap := pipeline.Snapshot{
		InstrumentID: "WTI_CRUDE",
		Price:        75.5,
		RSI:          math.NaN(),
		MACD:         math.NaN(),
		MACDSignal:   math.NaN(),
		SMA20:        math.NaN(),
		EMA20:        math.NaN(),
		Trend:        signal.TrendNeutral,
	}

	prompt := buildPrompt(snap)
	if strings.Contains(prompt, "NaN") {
		t.Errorf("prompt must not contain NaN values:\n%s", prompt)
	}
	if !strings.Contains(prompt, "WTI_CRUDE") {
		t.Errorf("prompt must name the instrument")
	}
}

func TestBuildPrompt_IndicatorStates(t *testing.T) {
	snap := pipeline.Snapshot{
		InstrumentID: "GOLD",
		Price:        2400,
		RSI:          25,
		MACD:         1.2,
		MACDSignal:   0.8,
		SMA20:        2380,
		EMA20:        2390,
		Trend:        signal.TrendUp,
	}

	prompt := buildPrompt(snap)
	if !strings.Contains(prompt, "Oversold") {
		t.Errorf("RSI 25 must be labelled oversold")
	}
	if !strings.Contains(prompt, "Bullish Crossover") {
		t.Errorf("MACD above signal must be labelled bullish")
	}
}
