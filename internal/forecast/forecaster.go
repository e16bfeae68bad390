package forecast

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"stock-agents/internal/config"
	"stock-agents/internal/indicator"
	"stock-agents/internal/marketdata"
)

// Forecaster 按标的维护预测模型：首次使用时训练，漂移时在后台重训，
// 重训完成前旧模型继续服务。
type Forecaster struct {
	cfg     config.ForecastConfig
	trainer *Trainer
	logger  *zap.Logger

	mu        sync.RWMutex
	models    map[string]*Model
	refitting map[string]bool
}

// NewForecaster 创建 Forecaster。
func NewForecaster(cfg config.ForecastConfig, calc *indicator.Calculator, logger *zap.Logger) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forecaster{
		cfg:       cfg,
		trainer:   NewTrainer(cfg, calc),
		logger:    logger,
		models:    make(map[string]*Model),
		refitting: make(map[string]bool),
	}
}

// Predict 返回单标的的最新预测，必要时先训练模型。
// 数据不足不视为错误，返回 insufficient_data 状态。
func (f *Forecaster) Predict(ctx context.Context, symbol string, bars []marketdata.Bar) Prediction {
	if err := ctx.Err(); err != nil {
		return Prediction{Symbol: symbol, Status: StatusError, Error: err.Error()}
	}

	model, err := f.ensureModel(symbol, bars)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) || errors.Is(err, ErrInsufficientTrainingData) {
			return Prediction{Symbol: symbol, Status: StatusInsufficientData, Error: err.Error()}
		}
		f.logger.Error("获取预测模型失败", zap.String("symbol", symbol), zap.Error(err))
		return Prediction{Symbol: symbol, Status: StatusError, Error: err.Error()}
	}

	pred, err := f.trainer.Predict(model, bars)
	if err != nil && pred.Status == "" {
		return Prediction{Symbol: symbol, Status: StatusError, Error: err.Error()}
	}
	return pred
}

// Model 返回标的当前持有的模型。
func (f *Forecaster) Model(symbol string) (*Model, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	model, ok := f.models[symbol]
	return model, ok
}

// ensureModel 返回标的模型，优先内存，其次磁盘，最后现场训练。
func (f *Forecaster) ensureModel(symbol string, bars []marketdata.Bar) (*Model, error) {
	f.mu.RLock()
	model, ok := f.models[symbol]
	f.mu.RUnlock()
	if ok {
		return model, nil
	}

	if f.cfg.ModelDir != "" {
		if loaded, err := LoadModel(f.cfg.ModelDir, symbol); err == nil {
			f.store(symbol, loaded)
			f.logger.Info("已从磁盘恢复模型",
				zap.String("symbol", symbol),
				zap.Float64("rmse", loaded.Metrics.RMSE),
			)
			return loaded, nil
		} else if !errors.Is(err, ErrNotTrained) {
			f.logger.Warn("恢复模型失败，将重新训练", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	model, err := f.trainer.Fit(symbol, bars, nil)
	if err != nil {
		return nil, err
	}
	f.store(symbol, model)
	f.persist(model)

	f.logger.Info("模型训练完成",
		zap.String("symbol", symbol),
		zap.Float64("rmse", model.Metrics.RMSE),
		zap.Float64("mae", model.Metrics.MAE),
		zap.Int("train_rows", model.Metrics.TrainRows),
	)
	return model, nil
}

// RefitIfDrifted 在留出集RMSE超过历史最优的漂移阈值时触发后台重训。
// 返回是否触发了重训。
func (f *Forecaster) RefitIfDrifted(symbol string, bars []marketdata.Bar) bool {
	f.mu.Lock()
	model, ok := f.models[symbol]
	if !ok || !model.NeedsRefit(f.cfg.DriftRatio) || f.refitting[symbol] {
		f.mu.Unlock()
		return false
	}
	f.refitting[symbol] = true
	f.mu.Unlock()

	f.logger.Warn("检测到模型漂移，触发后台重训",
		zap.String("symbol", symbol),
		zap.Float64("rmse", model.Metrics.RMSE),
		zap.Float64("best_rmse", model.BestRMSE),
	)

	snapshot := make([]marketdata.Bar, len(bars))
	copy(snapshot, bars)

	go f.refit(symbol, snapshot, model)
	return true
}

func (f *Forecaster) refit(symbol string, bars []marketdata.Bar, prev *Model) {
	defer func() {
		f.mu.Lock()
		delete(f.refitting, symbol)
		f.mu.Unlock()
	}()

	model, err := f.trainer.Fit(symbol, bars, prev)
	if err != nil {
		f.logger.Error("后台重训失败，沿用旧模型", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	f.store(symbol, model)
	f.persist(model)
	f.logger.Info("后台重训完成",
		zap.String("symbol", symbol),
		zap.Float64("rmse", model.Metrics.RMSE),
	)
}

func (f *Forecaster) store(symbol string, model *Model) {
	f.mu.Lock()
	f.models[symbol] = model
	f.mu.Unlock()
}

func (f *Forecaster) persist(model *Model) {
	if f.cfg.ModelDir == "" {
		return
	}
	if err := SaveModel(f.cfg.ModelDir, model); err != nil {
		f.logger.Warn("保存模型失败", zap.String("symbol", model.Symbol), zap.Error(err))
	}
}
