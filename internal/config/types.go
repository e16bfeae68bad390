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
	App       AppConfig       `mapstructure:"app"`
	Data      DataConfig      `mapstructure:"data"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// DataConfig 描述历史行情数据来源。
type DataConfig struct {
	Source     string   `mapstructure:"source"` // csv | sqlite
	DatasetDir string   `mapstructure:"dataset_dir"`
	Symbols    []string `mapstructure:"symbols"`
}

// TradingConfig 控制交易账户与决策风格。
type TradingConfig struct {
	UserID           string  `mapstructure:"user_id"`
	InitialCash      float64 `mapstructure:"initial_cash"`
	RiskTolerance    float64 `mapstructure:"risk_tolerance"`
	AllowPartialSell bool    `mapstructure:"allow_partial_sell"`
}

// ForecastConfig 控制预测模型训练参数。
type ForecastConfig struct {
	Trees       int     `mapstructure:"trees"`
	MaxDepth    int     `mapstructure:"max_depth"`
	MinLeaf     int     `mapstructure:"min_leaf"`
	MinSplit    int     `mapstructure:"min_split"`
	Seed        int64   `mapstructure:"seed"`
	HorizonDays int     `mapstructure:"horizon_days"`
	DriftRatio  float64 `mapstructure:"drift_ratio"`
	ModelDir    string  `mapstructure:"model_dir"`
}

// PolicyConfig 控制决策策略的学习模式。
type PolicyConfig struct {
	MinFeedbackSamples int `mapstructure:"min_feedback_samples"`
}

// SchedulerConfig 控制交易周期的节奏与并行度。
type SchedulerConfig struct {
	CycleInterval  time.Duration `mapstructure:"cycle_interval"`
	CycleTimeout   time.Duration `mapstructure:"cycle_timeout"`
	PredictWorkers int           `mapstructure:"predict_workers"`
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

// MonitorConfig 控制事件查询接口，端口为0时关闭。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。风险容忍度越界属于调用方契约违例，必须直接失败。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch strings.ToLower(c.Data.Source) {
	case "csv":
		if c.Data.DatasetDir == "" {
			err = multierr.Append(err, errors.New("data.dataset_dir 不能为空"))
		}
	case "sqlite":
	default:
		err = multierr.Append(err, fmt.Errorf("data.source 取值无效: %q", c.Data.Source))
	}
	if len(c.Data.Symbols) == 0 {
		err = multierr.Append(err, errors.New("data.symbols 至少包含一个标的"))
	}
	if c.Trading.UserID == "" {
		err = multierr.Append(err, errors.New("trading.user_id 不能为空"))
	}
	if c.Trading.InitialCash <= 0 {
		err = multierr.Append(err, errors.New("trading.initial_cash 必须大于0"))
	}
	if c.Trading.RiskTolerance < 0 || c.Trading.RiskTolerance > 1 {
		err = multierr.Append(err, errors.New("trading.risk_tolerance 必须位于[0,1]"))
	}
	if c.Forecast.Trees <= 0 {
		err = multierr.Append(err, errors.New("forecast.trees 必须大于0"))
	}
	if c.Forecast.MaxDepth <= 0 {
		err = multierr.Append(err, errors.New("forecast.max_depth 必须大于0"))
	}
	if c.Forecast.MinLeaf <= 0 || c.Forecast.MinSplit <= 0 {
		err = multierr.Append(err, errors.New("forecast.min_leaf/min_split 必须大于0"))
	}
	if c.Forecast.HorizonDays <= 0 {
		err = multierr.Append(err, errors.New("forecast.horizon_days 必须大于0"))
	}
	if c.Forecast.DriftRatio <= 1 {
		err = multierr.Append(err, errors.New("forecast.drift_ratio 必须大于1"))
	}
	if c.Policy.MinFeedbackSamples <= 0 {
		err = multierr.Append(err, errors.New("policy.min_feedback_samples 必须大于0"))
	}
	if c.Scheduler.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 必须大于0"))
	}
	if c.Scheduler.CycleTimeout <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_timeout 必须大于0"))
	}
	if c.Scheduler.PredictWorkers <= 0 {
		err = multierr.Append(err, errors.New("scheduler.predict_workers 必须大于0"))
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
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
