package marketdata

import (
	"testing"

	"commodity-trader/internal/config"
)

func TestNewCCXTSource_SelectsConfiguredExchange(t *testing.T) {
	src, err := NewCCXTSource(config.MarketDataConfig{Exchange: "Binance"}, nil)
	if err != nil {
		t.Fatalf("NewCCXTSource returned error: %v", err)
	}
	if src == nil || src.exchange == nil {
		t.Fatalf("expected an initialized source")
	}
}

func TestNewCCXTSource_RejectsUnknownExchange(t *testing.T) {
	if _, err := NewCCXTSource(config.MarketDataConfig{Exchange: "nasdaq"}, nil); err == nil {
		t.Fatalf("unsupported exchange must be rejected")
	}
}
