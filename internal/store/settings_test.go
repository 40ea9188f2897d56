package store

import (
	"context"
	"testing"
)

func newTestSettings(t *testing.T) *SettingsRepo {
	t.Helper()
	repo, err := NewSettingsRepo(newTestStore(t))
	if err != nil {
		t.Fatalf("NewSettingsRepo returned error: %v", err)
	}
	return repo
}

func TestSettingsRepo_DefaultsWhenUnset(t *testing.T) {
	repo := newTestSettings(t)

	settings, err := repo.Get(context.Background())
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}

	if settings.AutoTrading {
		t.Errorf("auto trading must default to off")
	}
	if settings.StopLossPercent != 2.0 || settings.TakeProfitPercent != 4.0 {
		t.Errorf("unexpected default SL/TP: %f/%f", settings.StopLossPercent, settings.TakeProfitPercent)
	}
	if settings.MaxTradesPerHour != 3 || settings.MaxPortfolioRiskPercent != 20.0 {
		t.Errorf("unexpected default limits: %+v", settings)
	}
	if settings.DefaultPlatform != "MT5_LIBERTEX" {
		t.Errorf("unexpected default platform: %s", settings.DefaultPlatform)
	}
}

func TestSettingsRepo_UpdateRoundtrip(t *testing.T) {
	repo := newTestSettings(t)
	ctx := context.Background()

	settings := DefaultSettings()
	settings.AutoTrading = true
	settings.RSIOversold = 35
	settings.EnabledInstruments = []string{"GOLD", "BITCOIN"}

	if err := repo.Update(ctx, settings); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	loaded, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !loaded.AutoTrading || loaded.RSIOversold != 35 {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
	if len(loaded.EnabledInstruments) != 2 || loaded.EnabledInstruments[0] != "GOLD" {
		t.Errorf("enabled instruments lost: %+v", loaded.EnabledInstruments)
	}
}

func TestSettingsRepo_UpdateValidates(t *testing.T) {
	repo := newTestSettings(t)
	ctx := context.Background()

	bad := DefaultSettings()
	bad.RSIOversold = 80
	bad.RSIOverbought = 70
	if err := repo.Update(ctx, bad); err == nil {
		t.Errorf("inverted RSI thresholds must be rejected")
	}

	bad = DefaultSettings()
	bad.StopLossPercent = 0
	if err := repo.Update(ctx, bad); err == nil {
		t.Errorf("zero stop loss percent must be rejected")
	}

	bad = DefaultSettings()
	bad.EnabledInstruments = []string{"DOGECOIN"}
	if err := repo.Update(ctx, bad); err == nil {
		t.Errorf("unknown instrument must be rejected")
	}

	// 校验失败不得污染已存设置。
	loaded, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if loaded.RSIOversold != 30 {
		t.Errorf("failed update must not persist, got oversold %f", loaded.RSIOversold)
	}
}

func TestTradingSettings_PlatformEnabled(t *testing.T) {
	settings := DefaultSettings()
	if !settings.PlatformEnabled("mt5_libertex") {
		t.Errorf("platform check must be case insensitive")
	}
	settings.EnabledPlatforms = []string{"BINANCE"}
	if settings.PlatformEnabled("MT5_LIBERTEX") {
		t.Errorf("platform outside enabled list must be disabled")
	}
}
