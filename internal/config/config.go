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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("data.source", "csv")
	v.SetDefault("data.dataset_dir", "data/stocks")
	v.SetDefault("data.symbols", []string{"AAPL", "MSFT", "GOOGL"})

	v.SetDefault("trading.user_id", "default")
	v.SetDefault("trading.initial_cash", 100000.0)
	v.SetDefault("trading.risk_tolerance", 0.5)
	v.SetDefault("trading.allow_partial_sell", false)

	v.SetDefault("forecast.trees", 100)
	v.SetDefault("forecast.max_depth", 15)
	v.SetDefault("forecast.min_leaf", 2)
	v.SetDefault("forecast.min_split", 5)
	v.SetDefault("forecast.seed", 42)
	v.SetDefault("forecast.horizon_days", 5)
	v.SetDefault("forecast.drift_ratio", 1.25)
	v.SetDefault("forecast.model_dir", "data/models")

	v.SetDefault("policy.min_feedback_samples", 30)

	v.SetDefault("scheduler.cycle_interval", "1h")
	v.SetDefault("scheduler.cycle_timeout", "10m")
	v.SetDefault("scheduler.predict_workers", 4)

	v.SetDefault("database.path", "data/stock_agents.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.port", 0)
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
