package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if len(cfg.Platforms) == 0 {
		cfg.Platforms = DefaultPlatforms()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultPlatforms 返回内置的三个平台配置。
func DefaultPlatforms() []PlatformConfig {
	return []PlatformConfig{
		{
			ID:                 "MT5_LIBERTEX",
			Kind:               PlatformKindMT5,
			Region:             "london",
			LotMin:             0.01,
			LotMax:             0.10,
			LowMarginThreshold: 1000,
		},
		{
			ID:                 "MT5_ICMARKETS",
			Kind:               PlatformKindMT5,
			Region:             "london",
			LotMin:             0.01,
			LotMax:             0.10,
			LowMarginThreshold: 1000,
		},
		{
			ID:                 "BINANCE",
			Kind:               PlatformKindCrypto,
			LotMin:             0.01,
			LotMax:             0.10,
			LowMarginThreshold: 1000,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("market_data.exchange", "binance")
	v.SetDefault("market_data.interval", "1h")
	v.SetDefault("market_data.history_limit", 200)
	v.SetDefault("market_data.cache_ttl", "5m")
	v.SetDefault("market_data.rate_per_minute", 30)

	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.base_url", "https://api.openai.com/v1")
	v.SetDefault("advisor.model", "gpt-4.1")
	v.SetDefault("advisor.timeout", "15s")
	v.SetDefault("advisor.min_confidence", 60.0)

	v.SetDefault("database.path", "data/commodity_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.engine_interval", "10s")
	v.SetDefault("scheduler.supervisor_interval", "10s")
	v.SetDefault("scheduler.cooldown", "60s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
