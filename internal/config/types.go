package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Platforms  []PlatformConfig `mapstructure:"platforms"`
	Advisor    AdvisorConfig    `mapstructure:"advisor"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// MarketDataConfig 描述行情数据源及缓存策略。
type MarketDataConfig struct {
	Exchange      string        `mapstructure:"exchange"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	Interval      string        `mapstructure:"interval"`
	HistoryLimit  int           `mapstructure:"history_limit"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
}

// PlatformKind 区分券商连接类型。
type PlatformKind string

const (
	// PlatformKindMT5 表示 MetaApi 托管的 MT5 账户。
	PlatformKindMT5 PlatformKind = "mt5"
	// PlatformKindCrypto 表示 ccxt 托管的加密货币账户。
	PlatformKindCrypto PlatformKind = "crypto"
)

// PlatformConfig 描述单个交易平台的连接信息与手数限制。
type PlatformConfig struct {
	ID                 string       `mapstructure:"id"`
	Kind               PlatformKind `mapstructure:"kind"`
	AccountID          string       `mapstructure:"account_id"`
	Token              string       `mapstructure:"token"`
	Region             string       `mapstructure:"region"`
	APIKey             string       `mapstructure:"api_key"`
	APISecret          string       `mapstructure:"api_secret"`
	APIPass            string       `mapstructure:"api_password"`
	UseSandbox         bool         `mapstructure:"use_sandbox"`
	LotMin             float64      `mapstructure:"lot_min"`
	LotMax             float64      `mapstructure:"lot_max"`
	LowMarginThreshold float64      `mapstructure:"low_margin_threshold"`
}

// AdvisorConfig 描述大模型辅助信号的调用参数。
type AdvisorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制自动交易与持仓巡检的节奏。
type SchedulerConfig struct {
	EngineInterval     time.Duration `mapstructure:"engine_interval"`
	SupervisorInterval time.Duration `mapstructure:"supervisor_interval"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
}

// Platform 按 ID 查找平台配置。
func (c *Config) Platform(id string) (PlatformConfig, bool) {
	for _, p := range c.Platforms {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return PlatformConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.MarketData.Exchange == "" {
		err = multierr.Append(err, errors.New("market_data.exchange 不能为空"))
	}
	if c.MarketData.Interval == "" {
		err = multierr.Append(err, errors.New("market_data.interval 不能为空"))
	}
	if c.MarketData.HistoryLimit <= 0 {
		err = multierr.Append(err, errors.New("market_data.history_limit 必须大于0"))
	}
	if c.MarketData.CacheTTL <= 0 {
		err = multierr.Append(err, errors.New("market_data.cache_ttl 必须大于0"))
	}
	if c.MarketData.RatePerMinute <= 0 {
		err = multierr.Append(err, errors.New("market_data.rate_per_minute 必须大于0"))
	}
	if len(c.Platforms) == 0 {
		err = multierr.Append(err, errors.New("platforms 至少配置一个平台"))
	}

	seen := make(map[string]struct{}, len(c.Platforms))
	for i, p := range c.Platforms {
		if p.ID == "" {
			err = multierr.Append(err, fmt.Errorf("platforms[%d].id 不能为空", i))
			continue
		}
		key := strings.ToUpper(p.ID)
		if _, dup := seen[key]; dup {
			err = multierr.Append(err, fmt.Errorf("平台 %s 配置重复", p.ID))
		}
		seen[key] = struct{}{}

		switch p.Kind {
		case PlatformKindMT5:
			if p.AccountID == "" {
				err = multierr.Append(err, fmt.Errorf("平台 %s 缺少 account_id", p.ID))
			}
		case PlatformKindCrypto:
		default:
			err = multierr.Append(err, fmt.Errorf("平台 %s 的 kind 取值非法: %s", p.ID, p.Kind))
		}

		if p.LotMin <= 0 {
			err = multierr.Append(err, fmt.Errorf("平台 %s 的 lot_min 必须大于0", p.ID))
		}
		if p.LotMax < p.LotMin {
			err = multierr.Append(err, fmt.Errorf("平台 %s 的 lot_max 不能小于 lot_min", p.ID))
		}
		if p.LowMarginThreshold < 0 {
			err = multierr.Append(err, fmt.Errorf("平台 %s 的 low_margin_threshold 不能为负", p.ID))
		}
	}

	if c.Advisor.Enabled {
		if c.Advisor.APIKey == "" {
			err = multierr.Append(err, errors.New("advisor.api_key 不能为空"))
		}
		if c.Advisor.Model == "" {
			err = multierr.Append(err, errors.New("advisor.model 不能为空"))
		}
		if c.Advisor.Timeout <= 0 {
			err = multierr.Append(err, errors.New("advisor.timeout 必须大于0"))
		}
		if c.Advisor.MinConfidence < 0 || c.Advisor.MinConfidence > 100 {
			err = multierr.Append(err, errors.New("advisor.min_confidence 必须位于[0,100]"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.EngineInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.engine_interval 必须大于0"))
	}
	if c.Scheduler.SupervisorInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.supervisor_interval 必须大于0"))
	}
	if c.Scheduler.Cooldown <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cooldown 必须大于0"))
	}
	if c.Scheduler.Cooldown < c.Scheduler.EngineInterval {
		err = multierr.Append(err, errors.New("scheduler.cooldown 不应小于 engine_interval"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
