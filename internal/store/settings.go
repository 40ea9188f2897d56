package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"commodity-trader/internal/instrument"
)

const settingsKey = "trading_settings"

// TradingSettings 为可随时修改的交易配置，单条记录。
// 每个周期都必须重新读取，不得跨周期缓存。
type TradingSettings struct {
	AutoTrading             bool     `json:"auto_trading"`
	UseAdvisor              bool     `json:"use_advisor"`
	StopLossPercent         float64  `json:"stop_loss_percent"`
	TakeProfitPercent       float64  `json:"take_profit_percent"`
	UseTrailingStop         bool     `json:"use_trailing_stop"`
	TrailingStopDistance    float64  `json:"trailing_stop_distance"`
	MaxTradesPerHour        int      `json:"max_trades_per_hour"`
	MaxPortfolioRiskPercent float64  `json:"max_portfolio_risk_percent"`
	RSIOversold             float64  `json:"rsi_oversold_threshold"`
	RSIOverbought           float64  `json:"rsi_overbought_threshold"`
	EnabledInstruments      []string `json:"enabled_instruments"`
	EnabledPlatforms        []string `json:"enabled_platforms"`
	DefaultPlatform         string   `json:"default_platform"`
}

// DefaultSettings 返回带文档化默认值的设置。
func DefaultSettings() TradingSettings {
	return TradingSettings{
		AutoTrading:             false,
		UseAdvisor:              true,
		StopLossPercent:         2.0,
		TakeProfitPercent:       4.0,
		UseTrailingStop:         false,
		TrailingStopDistance:    1.5,
		MaxTradesPerHour:        3,
		MaxPortfolioRiskPercent: 20.0,
		RSIOversold:             30,
		RSIOverbought:           70,
		EnabledInstruments:      []string{"WTI_CRUDE"},
		EnabledPlatforms: []string{
			instrument.PlatformMT5Libertex,
			instrument.PlatformMT5ICMarkets,
			instrument.PlatformBinance,
		},
		DefaultPlatform: instrument.PlatformMT5Libertex,
	}
}

// Validate 在设置更新边界做校验。
func (s TradingSettings) Validate() error {
	var err error

	if s.StopLossPercent <= 0 || s.StopLossPercent >= 100 {
		err = multierr.Append(err, errors.New("stop_loss_percent 必须位于(0,100)"))
	}
	if s.TakeProfitPercent <= 0 || s.TakeProfitPercent >= 100 {
		err = multierr.Append(err, errors.New("take_profit_percent 必须位于(0,100)"))
	}
	if s.UseTrailingStop && (s.TrailingStopDistance <= 0 || s.TrailingStopDistance >= 100) {
		err = multierr.Append(err, errors.New("trailing_stop_distance 必须位于(0,100)"))
	}
	if s.MaxTradesPerHour <= 0 {
		err = multierr.Append(err, errors.New("max_trades_per_hour 必须大于0"))
	}
	if s.MaxPortfolioRiskPercent <= 0 || s.MaxPortfolioRiskPercent > 100 {
		err = multierr.Append(err, errors.New("max_portfolio_risk_percent 必须位于(0,100]"))
	}
	if s.RSIOversold < 0 || s.RSIOversold > 100 || s.RSIOverbought < 0 || s.RSIOverbought > 100 {
		err = multierr.Append(err, errors.New("RSI 阈值必须位于[0,100]"))
	}
	if s.RSIOversold >= s.RSIOverbought {
		err = multierr.Append(err, errors.New("rsi_oversold_threshold 必须小于 rsi_overbought_threshold"))
	}
	if strings.TrimSpace(s.DefaultPlatform) == "" {
		err = multierr.Append(err, errors.New("default_platform 不能为空"))
	}

	for _, id := range s.EnabledInstruments {
		if _, ok := instrument.Get(id); !ok {
			err = multierr.Append(err, fmt.Errorf("enabled_instruments 包含未知品种: %s", id))
		}
	}

	if err != nil {
		return fmt.Errorf("交易设置校验失败: %w", err)
	}
	return nil
}

// PlatformEnabled 判断平台是否启用。
func (s TradingSettings) PlatformEnabled(platform string) bool {
	for _, p := range s.EnabledPlatforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// SettingsRepo 基于 SQLite 的单行设置存储。
type SettingsRepo struct {
	db *sql.DB
}

// NewSettingsRepo 创建设置存储并初始化表结构。
func NewSettingsRepo(store *Store) (*SettingsRepo, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}

	repo := &SettingsRepo{db: store.DB()}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *SettingsRepo) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trading_settings (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化设置表失败: %w", err)
	}
	return nil
}

// Get 返回当前设置，未初始化时返回默认值。
func (r *SettingsRepo) Get(ctx context.Context) (TradingSettings, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM trading_settings WHERE id = ?`, settingsKey,
	).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return DefaultSettings(), nil
	case err != nil:
		return TradingSettings{}, fmt.Errorf("store: 读取设置失败: %w", err)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return TradingSettings{}, fmt.Errorf("store: 解析设置失败: %w", err)
	}
	return settings, nil
}

// Update 校验并覆盖当前设置。
func (r *SettingsRepo) Update(ctx context.Context, settings TradingSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: 序列化设置失败: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trading_settings (id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		settingsKey, string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 保存设置失败: %w", err)
	}
	return nil
}
