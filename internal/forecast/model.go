package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stock-agents/internal/config"
	"stock-agents/internal/indicator"
	"stock-agents/internal/marketdata"
	"stock-agents/internal/ml"
)

// 预测状态。
const (
	StatusPredicted        = "predicted"
	StatusInsufficientData = "insufficient_data"
	StatusError            = "error"
)

var (
	// ErrNotTrained 表示该标的尚未有可用模型。
	ErrNotTrained = errors.New("forecast: 模型未训练")
	// ErrInsufficientTrainingData 表示样本不足以做时间序切分训练。
	ErrInsufficientTrainingData = errors.New("forecast: 训练样本不足")
)

// 时间序切分后测试集至少保留的样本数。
const minTestRows = 5

// Prediction 为单标的单次预测结果。
type Prediction struct {
	Symbol             string
	Status             string
	CurrentPrice       float64
	PredictedPrice     float64
	PredictedChangePct float64
	Confidence         float64
	Indicators         indicator.FeatureVector
	Error              string
}

// Model 为单标的的已训练预测模型，训练完成后只读。
type Model struct {
	Symbol  string     `json:"symbol"`
	Horizon int        `json:"horizon"`
	Forest  *ml.Forest `json:"forest"`
	Metrics Metrics    `json:"metrics"`

	// BestRMSE 为历次训练见过的最优留出集RMSE，用于漂移判定。
	BestRMSE float64 `json:"best_rmse"`
}

// NeedsRefit 判断当前模型相对历史最优是否已漂移。
func (m *Model) NeedsRefit(driftRatio float64) bool {
	if m.BestRMSE <= 0 {
		return false
	}
	return m.Metrics.RMSE > driftRatio*m.BestRMSE
}

// Trainer 负责从K线训练模型并做单点预测。
type Trainer struct {
	cfg  config.ForecastConfig
	calc *indicator.Calculator
}

// NewTrainer 创建 Trainer。
func NewTrainer(cfg config.ForecastConfig, calc *indicator.Calculator) *Trainer {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	return &Trainer{cfg: cfg, calc: calc}
}

// Fit 在历史K线上训练模型。样本按时间排序后切分为前80%训练、
// 后20%评估，任何情况下不打乱顺序。prev 非空时沿用其历史最优RMSE。
func (t *Trainer) Fit(symbol string, bars []marketdata.Bar, prev *Model) (*Model, error) {
	features, err := t.calc.Series(bars)
	if err != nil {
		return nil, err
	}

	horizon := t.cfg.HorizonDays
	rows := len(features) - horizon
	if rows < minTestRows*5 {
		return nil, fmt.Errorf("%w: %s 可用样本 %d", ErrInsufficientTrainingData, symbol, rows)
	}

	X := make([][]float64, rows)
	y := make([]float64, rows)
	for i := 0; i < rows; i++ {
		X[i] = features[i].Values()
		// 目标为未来 horizon 个交易日的涨跌幅（%）。
		cur := features[i].Close
		fut := features[i+horizon].Close
		y[i] = marketdata.SafeDivide(fut-cur, cur) * 100
	}

	split := rows * 4 / 5
	if rows-split < minTestRows {
		split = rows - minTestRows
	}

	forest, err := ml.Train(t.forestConfig(), X[:split], y[:split])
	if err != nil {
		return nil, fmt.Errorf("训练预测模型失败: %w", err)
	}

	predicted := make([]float64, rows-split)
	for i := split; i < rows; i++ {
		predicted[i-split] = forest.Predict(X[i])
	}
	rmse, mae := evaluate(predicted, y[split:])

	model := &Model{
		Symbol:  symbol,
		Horizon: horizon,
		Forest:  forest,
		Metrics: Metrics{
			RMSE:      rmse,
			MAE:       mae,
			TrainRows: split,
			TestRows:  rows - split,
			TrainedAt: time.Now().UTC(),
		},
		BestRMSE: rmse,
	}
	if prev != nil && prev.BestRMSE > 0 && prev.BestRMSE < rmse {
		model.BestRMSE = prev.BestRMSE
	}

	return model, nil
}

// Predict 用已训练模型在序列末端做一次预测。
// 置信度由各树预测价格的分歧度给出：分歧越大置信越低。
func (t *Trainer) Predict(model *Model, bars []marketdata.Bar) (Prediction, error) {
	symbol := ""
	if len(bars) > 0 {
		symbol = bars[0].Symbol
	}

	fv, err := t.calc.Compute(bars)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			return Prediction{Symbol: symbol, Status: StatusInsufficientData, Error: err.Error()}, nil
		}
		return Prediction{Symbol: symbol, Status: StatusError, Error: err.Error()}, err
	}

	if model == nil || model.Forest == nil {
		return Prediction{Symbol: symbol, Status: StatusError, Error: ErrNotTrained.Error()}, ErrNotTrained
	}

	x := fv.Values()
	current := fv.Close

	treeChanges := model.Forest.TreePredictions(x)
	treePrices := make([]float64, len(treeChanges))
	for i, chg := range treeChanges {
		treePrices[i] = current * (1 + chg/100)
	}

	changePct := model.Forest.Predict(x)
	confidence := clamp01(1 - marketdata.SafeDivide(ml.Std(treePrices), current))

	return Prediction{
		Symbol:             symbol,
		Status:             StatusPredicted,
		CurrentPrice:       current,
		PredictedPrice:     current * (1 + changePct/100),
		PredictedChangePct: changePct,
		Confidence:         confidence,
		Indicators:         fv,
	}, nil
}

func (t *Trainer) forestConfig() ml.Config {
	return ml.Config{
		Trees:    t.cfg.Trees,
		MaxDepth: t.cfg.MaxDepth,
		MinLeaf:  t.cfg.MinLeaf,
		MinSplit: t.cfg.MinSplit,
		Seed:     t.cfg.Seed,
	}
}

// SaveModel 将模型序列化到 <dir>/<SYMBOL>.json。
func SaveModel(dir string, model *Model) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建模型目录失败: %w", err)
	}

	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("序列化模型失败: %w", err)
	}

	path := filepath.Join(dir, strings.ToUpper(model.Symbol)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入模型文件失败: %w", err)
	}
	return nil
}

// LoadModel 从磁盘恢复模型，文件不存在时返回 ErrNotTrained。
func LoadModel(dir, symbol string) (*Model, error) {
	path := filepath.Join(dir, strings.ToUpper(symbol)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotTrained
		}
		return nil, fmt.Errorf("读取模型文件失败: %w", err)
	}

	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("解析模型文件失败: %w", err)
	}
	return &model, nil
}
