package policy

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stock-agents/internal/config"
	"stock-agents/internal/forecast"
)

// 决策动作。
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// 决策来源。
const (
	MethodRuleBased = "rule_based"
	MethodMLModel   = "ml_model"
)

// RSI 超买/超卖保护线。
const (
	rsiOverbought = 70
	rsiOversold   = 30
)

// 单笔建议仓位的基准比例（组合总值的10%），按置信度在50%~100%间缩放。
const basePositionSize = 0.10

// ErrConfiguration 表示调用方给出的参数违反契约，属于唯一致命错误类别。
var ErrConfiguration = errors.New("policy: 配置无效")

// Thresholds 为风险容忍度推导出的决策阈值。
type Thresholds struct {
	Buy           float64 `json:"buy"`
	Sell          float64 `json:"sell"`
	MinConfidence float64 `json:"min_confidence"`
}

// ThresholdsFor 由风险容忍度计算阈值：风险越高，买入门槛越低、
// 置信度要求越宽松。r 必须位于 [0,1]。
func ThresholdsFor(riskTolerance float64) (Thresholds, error) {
	if riskTolerance < 0 || riskTolerance > 1 {
		return Thresholds{}, fmt.Errorf("%w: 风险容忍度 %v 超出 [0,1]", ErrConfiguration, riskTolerance)
	}
	buy := 1.0 - 0.9*riskTolerance
	return Thresholds{
		Buy:           buy,
		Sell:          -buy,
		MinConfidence: 0.6 - 0.2*riskTolerance,
	}, nil
}

// Decision 为单标的的交易决策。
type Decision struct {
	Symbol                string
	Action                string
	Confidence            float64
	Reasons               []string
	SuggestedPositionSize float64
	StopLoss              float64
	TakeProfit            float64
	Method                string
}

// Engine 将预测转化为决策。默认使用阈值规则；积累到足够反馈后
// 切换到学习策略，置信度不及规则下限时回退规则结果。
type Engine struct {
	thresholds Thresholds
	risk       float64
	learner    *learner
	logger     *zap.Logger
}

// NewEngine 创建决策引擎。风险容忍度越界直接失败。
func NewEngine(riskTolerance float64, cfg config.PolicyConfig, forestCfg config.ForecastConfig, logger *zap.Logger) (*Engine, error) {
	thresholds, err := ThresholdsFor(riskTolerance)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		thresholds: thresholds,
		risk:       riskTolerance,
		learner:    newLearner(cfg.MinFeedbackSamples, forestCfg, logger),
		logger:     logger,
	}, nil
}

// Thresholds 返回引擎当前使用的阈值，供审计接口使用。
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Decide 将一次预测转化为决策。预测状态非 predicted 时固定 HOLD。
func (e *Engine) Decide(pred forecast.Prediction) Decision {
	if pred.Status != forecast.StatusPredicted {
		return Decision{
			Symbol:  pred.Symbol,
			Action:  ActionHold,
			Method:  MethodRuleBased,
			Reasons: []string{fmt.Sprintf("预测不可用(%s)，保持观望", pred.Status)},
		}
	}

	rule := e.decideByRule(pred)

	learned, ok := e.learner.decide(pred, e.risk)
	if !ok {
		return rule
	}
	// 学习策略置信度低于规则下限时回退规则结果。
	if learned.Confidence < e.thresholds.MinConfidence {
		rule.Reasons = append(rule.Reasons,
			fmt.Sprintf("学习策略置信度 %.2f 低于下限 %.2f，回退规则", learned.Confidence, e.thresholds.MinConfidence))
		return rule
	}

	learned.Symbol = pred.Symbol
	e.fillOrders(&learned, pred)
	return learned
}

// decideByRule 按阈值规则决策。所有比较均为严格不等式，临界值一律 HOLD。
func (e *Engine) decideByRule(pred forecast.Prediction) Decision {
	t := e.thresholds
	change := pred.PredictedChangePct
	rsi := pred.Indicators.RSI

	d := Decision{
		Symbol:     pred.Symbol,
		Action:     ActionHold,
		Confidence: pred.Confidence,
		Method:     MethodRuleBased,
	}

	switch {
	// 置信度下限为闭边界：恰好等于下限时放行。
	case pred.Confidence < t.MinConfidence:
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("置信度 %.2f 低于下限 %.2f", pred.Confidence, t.MinConfidence))

	case change > t.Buy:
		if rsi < rsiOverbought {
			d.Action = ActionBuy
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("预测涨幅 %.2f%% 超过买入阈值 %.2f%%", change, t.Buy),
				fmt.Sprintf("RSI %.1f 未超买", rsi))
		} else {
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("预测涨幅 %.2f%% 达标但 RSI %.1f 已超买", change, rsi))
		}

	case change < t.Sell:
		if rsi > rsiOversold {
			d.Action = ActionSell
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("预测跌幅 %.2f%% 跌破卖出阈值 %.2f%%", change, t.Sell),
				fmt.Sprintf("RSI %.1f 未超卖", rsi))
		} else {
			d.Reasons = append(d.Reasons,
				fmt.Sprintf("预测跌幅 %.2f%% 达标但 RSI %.1f 已超卖", change, rsi))
		}

	default:
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("预测变动 %.2f%% 位于阈值区间 [%.2f%%, %.2f%%] 内", change, t.Sell, t.Buy))
	}

	if d.Action != ActionHold {
		e.fillOrders(&d, pred)
	}
	return d
}

// fillOrders 按置信度缩放建议仓位并给出止损/止盈参考价。
func (e *Engine) fillOrders(d *Decision, pred forecast.Prediction) {
	d.SuggestedPositionSize = basePositionSize * (0.5 + 0.5*d.Confidence)
	switch d.Action {
	case ActionBuy:
		d.StopLoss = pred.CurrentPrice * 0.95
		d.TakeProfit = pred.PredictedPrice
	case ActionSell:
		d.StopLoss = pred.CurrentPrice * 1.05
		d.TakeProfit = pred.PredictedPrice
	}
}

// Adapt 吸收一条已实现的交易结果，样本足够后训练学习策略。
func (e *Engine) Adapt(outcome Outcome) {
	e.learner.add(outcome, e.risk)
}

// FeedbackSamples 返回已积累的反馈样本数。
func (e *Engine) FeedbackSamples() int {
	return e.learner.sampleCount()
}

// LearnedActive 返回学习策略是否已启用。
func (e *Engine) LearnedActive() bool {
	return e.learner.active()
}
