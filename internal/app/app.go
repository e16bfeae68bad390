package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stock-agents/internal/config"
	"stock-agents/internal/coordinator"
	"stock-agents/internal/execution"
	"stock-agents/internal/forecast"
	"stock-agents/internal/indicator"
	"stock-agents/internal/journal"
	"stock-agents/internal/ledger"
	"stock-agents/internal/marketdata"
	"stock-agents/internal/policy"
	"stock-agents/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装各代理并按调度间隔循环执行交易周期，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("data_source", a.cfg.Data.Source),
		zap.Strings("symbols", a.cfg.Data.Symbols),
		zap.Float64("risk_tolerance", a.cfg.Trading.RiskTolerance),
	)

	provider, err := a.newProvider()
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(a.cfg.Trading.RiskTolerance, a.cfg.Policy, a.cfg.Forecast, a.logger)
	if err != nil {
		return fmt.Errorf("初始化决策引擎失败: %w", err)
	}

	manager := ledger.NewManager(a.cfg.Trading.InitialCash, a.cfg.Trading.AllowPartialSell)
	portfolio, err := manager.Portfolio(a.cfg.Trading.UserID)
	if err != nil {
		return fmt.Errorf("初始化组合账本失败: %w", err)
	}

	jnl, err := journal.New(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化事件日志失败: %w", err)
	}

	forecaster := forecast.NewForecaster(a.cfg.Forecast, indicator.NewCalculator(), a.logger)

	coord := coordinator.New(
		*a.cfg,
		provider,
		forecaster,
		engine,
		execution.NewExecutor(a.logger),
		portfolio,
		jnl,
		a.logger,
	)

	if a.cfg.Monitor.Port > 0 {
		if err := startMonitorServer(ctx, jnl, engine, portfolio, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	interval := a.cfg.Scheduler.CycleInterval
	if interval <= 0 {
		interval = time.Hour
	}

	coord.RunCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			coord.RunCycle(ctx)
		}
	}
}

func (a *App) newProvider() (marketdata.Provider, error) {
	switch a.cfg.Data.Source {
	case "csv":
		return marketdata.NewCSVProvider(a.cfg.Data.DatasetDir, a.logger), nil
	case "sqlite":
		return marketdata.NewSQLiteProvider(a.store, a.logger)
	default:
		return nil, fmt.Errorf("不支持的数据源: %q", a.cfg.Data.Source)
	}
}
