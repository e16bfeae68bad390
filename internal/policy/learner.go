package policy

import (
	"sync"

	"go.uber.org/zap"

	"stock-agents/internal/config"
	"stock-agents/internal/forecast"
	"stock-agents/internal/ml"
)

// Outcome 为一条已实现的交易反馈：决策时刻的市场快照加事后真实变动。
type Outcome struct {
	PredictedChangePct float64
	Confidence         float64
	RSI                float64
	MACD               float64
	BBPosition         float64
	ActualChangePct    float64
}

// 反馈标注阈值：真实涨幅超过±2%才视为明确的买/卖样本。
const labelThresholdPct = 2.0

func (o Outcome) label() string {
	switch {
	case o.ActualChangePct > labelThresholdPct:
		return ActionBuy
	case o.ActualChangePct < -labelThresholdPct:
		return ActionSell
	default:
		return ActionHold
	}
}

func (o Outcome) features(risk float64) []float64 {
	return []float64{o.PredictedChangePct, o.Confidence, o.RSI, o.MACD, o.BBPosition, risk}
}

// learner 用交易反馈训练三个一对多回归森林，得分归一化后作为
// 各动作的近似概率。样本不足 minSamples 时保持停用。
type learner struct {
	minSamples int
	forestCfg  ml.Config
	logger     *zap.Logger

	mu      sync.RWMutex
	X       [][]float64
	labels  []string
	forests map[string]*ml.Forest
}

func newLearner(minSamples int, cfg config.ForecastConfig, logger *zap.Logger) *learner {
	return &learner{
		minSamples: minSamples,
		forestCfg: ml.Config{
			Trees:    cfg.Trees,
			MaxDepth: cfg.MaxDepth,
			MinLeaf:  cfg.MinLeaf,
			MinSplit: cfg.MinSplit,
			Seed:     cfg.Seed,
		},
		logger: logger,
	}
}

func (l *learner) add(outcome Outcome, risk float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.X = append(l.X, outcome.features(risk))
	l.labels = append(l.labels, outcome.label())

	if len(l.X) < l.minSamples {
		return
	}
	l.retrainLocked()
}

// retrainLocked 为每个动作训练一个"是否该动作"的回归森林。
func (l *learner) retrainLocked() {
	forests := make(map[string]*ml.Forest, 3)
	for _, action := range []string{ActionBuy, ActionSell, ActionHold} {
		y := make([]float64, len(l.labels))
		for i, label := range l.labels {
			if label == action {
				y[i] = 1
			}
		}
		forest, err := ml.Train(l.forestCfg, l.X, y)
		if err != nil {
			l.logger.Error("学习策略训练失败，继续使用规则", zap.String("action", action), zap.Error(err))
			return
		}
		forests[action] = forest
	}

	l.forests = forests
	l.logger.Info("学习策略已更新", zap.Int("samples", len(l.X)))
}

// decide 返回学习策略的决策；未启用时 ok 为 false。
func (l *learner) decide(pred forecast.Prediction, risk float64) (Decision, bool) {
	l.mu.RLock()
	forests := l.forests
	l.mu.RUnlock()
	if forests == nil {
		return Decision{}, false
	}

	x := Outcome{
		PredictedChangePct: pred.PredictedChangePct,
		Confidence:         pred.Confidence,
		RSI:                pred.Indicators.RSI,
		MACD:               pred.Indicators.MACD,
		BBPosition:         pred.Indicators.BBPosition,
	}.features(risk)

	best, bestScore, total := ActionHold, 0.0, 0.0
	for _, action := range []string{ActionBuy, ActionSell, ActionHold} {
		score := forests[action].Predict(x)
		if score < 0 {
			score = 0
		}
		total += score
		if score > bestScore {
			best, bestScore = action, score
		}
	}
	if total == 0 {
		return Decision{}, false
	}

	return Decision{
		Action:     best,
		Confidence: bestScore / total,
		Method:     MethodMLModel,
		Reasons:    []string{"学习策略基于历史交易反馈给出该动作"},
	}, true
}

func (l *learner) sampleCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.X)
}

func (l *learner) active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.forests != nil
}
