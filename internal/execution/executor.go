package execution

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"stock-agents/internal/forecast"
	"stock-agents/internal/ledger"
	"stock-agents/internal/marketdata"
	"stock-agents/internal/policy"
)

// 执行状态。
const (
	StatusExecuted = "EXECUTED"
	StatusFailed   = "FAILED"
	StatusSkipped  = "SKIPPED"
	StatusHeld     = "HELD"
)

// Result 为一次决策的执行结果。资金或持仓不足属于正常业务结局，
// 记为 FAILED 而不向上抛错。
type Result struct {
	Symbol   string
	Action   string
	Status   string
	Quantity int64
	Price    float64
	Total    float64
	Reason   string
}

// Feedback 为一次完整买卖闭环的结果，用于策略自适应。
type Feedback struct {
	Symbol          string
	EntryPrice      float64
	ExitPrice       float64
	Quantity        int64
	ProfitLoss      float64
	ActualChangePct float64
	PredictionError float64
	WasCorrect      bool
	ClosedAt        time.Time

	// 开仓决策时刻的市场快照，供策略学习使用。
	Outcome policy.Outcome
}

// pendingEntry 记录一笔待闭环的开仓及当时的预测快照。
type pendingEntry struct {
	entryPrice         float64
	predictedChangePct float64
	confidence         float64
	rsi                float64
	macd               float64
	bbPosition         float64
}

// Executor 将决策落到账本并跟踪买卖闭环。
type Executor struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// NewExecutor 创建执行代理。
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger:  logger,
		pending: make(map[string]pendingEntry),
	}
}

// Execute 按决策在组合上成交。
// 买卖数量 = floor(建议仓位 × 组合总值 / 现价)，为0时跳过。
// 闭环完成的卖出会连带返回反馈记录。
func (e *Executor) Execute(pred forecast.Prediction, decision policy.Decision, portfolio *ledger.Portfolio) (Result, *Feedback) {
	result := Result{
		Symbol: decision.Symbol,
		Action: decision.Action,
		Price:  pred.CurrentPrice,
	}

	if decision.Action == policy.ActionHold {
		result.Status = StatusHeld
		result.Reason = "决策为观望"
		return result, nil
	}
	if pred.CurrentPrice <= 0 {
		result.Status = StatusFailed
		result.Reason = "现价无效"
		return result, nil
	}

	quantity := int64(math.Floor(decision.SuggestedPositionSize * portfolio.TotalValue() / pred.CurrentPrice))
	if quantity <= 0 {
		result.Status = StatusSkipped
		result.Reason = "建议仓位不足一股"
		return result, nil
	}
	result.Quantity = quantity

	switch decision.Action {
	case policy.ActionBuy:
		return e.executeBuy(pred, decision, portfolio, result), nil
	case policy.ActionSell:
		return e.executeSell(portfolio, result)
	default:
		result.Status = StatusFailed
		result.Reason = "未知决策动作: " + decision.Action
		return result, nil
	}
}

func (e *Executor) executeBuy(pred forecast.Prediction, decision policy.Decision, portfolio *ledger.Portfolio, result Result) Result {
	tx, err := portfolio.Buy(result.Symbol, result.Quantity, result.Price)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			e.logger.Error("买入执行失败", zap.String("symbol", result.Symbol), zap.Error(err))
		}
		return result
	}

	result.Status = StatusExecuted
	result.Total = tx.Total

	e.mu.Lock()
	// 同标的重复买入时保留最早的开仓快照，闭环以首次进场为基准。
	if _, exists := e.pending[result.Symbol]; !exists {
		e.pending[result.Symbol] = pendingEntry{
			entryPrice:         result.Price,
			predictedChangePct: pred.PredictedChangePct,
			confidence:         pred.Confidence,
			rsi:                pred.Indicators.RSI,
			macd:               pred.Indicators.MACD,
			bbPosition:         pred.Indicators.BBPosition,
		}
	}
	e.mu.Unlock()

	e.logger.Info("买入成交",
		zap.String("symbol", result.Symbol),
		zap.Int64("quantity", result.Quantity),
		zap.Float64("price", result.Price),
	)
	return result
}

func (e *Executor) executeSell(portfolio *ledger.Portfolio, result Result) (Result, *Feedback) {
	// 超出持仓的卖出是否收缩由账本的部分卖出策略决定，
	// 未开启时整单失败，不得替下单方收缩数量。
	tx, err := portfolio.Sell(result.Symbol, result.Quantity, result.Price)
	if err != nil {
		result.Status = StatusFailed
		result.Reason = err.Error()
		if !errors.Is(err, ledger.ErrInsufficientShares) {
			e.logger.Error("卖出执行失败", zap.String("symbol", result.Symbol), zap.Error(err))
		}
		return result, nil
	}

	result.Status = StatusExecuted
	result.Quantity = tx.Quantity
	result.Total = tx.Total

	e.logger.Info("卖出成交",
		zap.String("symbol", result.Symbol),
		zap.Int64("quantity", result.Quantity),
		zap.Float64("price", result.Price),
		zap.Float64("realized_pnl", tx.RealizedPnL),
	)

	return result, e.emitFeedback(result.Symbol, tx, portfolio)
}

// emitFeedback 对每笔成交的卖出产出反馈（部分卖出同样反馈），
// 开仓快照保留到持仓清零为止。
func (e *Executor) emitFeedback(symbol string, tx ledger.Transaction, portfolio *ledger.Portfolio) *Feedback {
	_, stillHeld := portfolio.Position(symbol)

	e.mu.Lock()
	entry, ok := e.pending[symbol]
	if ok && !stillHeld {
		delete(e.pending, symbol)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	actualChange := marketdata.SafeDivide(tx.Price-entry.entryPrice, entry.entryPrice) * 100

	fb := &Feedback{
		Symbol:          symbol,
		EntryPrice:      entry.entryPrice,
		ExitPrice:       tx.Price,
		Quantity:        tx.Quantity,
		ProfitLoss:      tx.RealizedPnL,
		ActualChangePct: actualChange,
		PredictionError: math.Abs(entry.predictedChangePct - actualChange),
		WasCorrect:      sameSign(entry.predictedChangePct, actualChange),
		ClosedAt:        tx.Timestamp,
		Outcome: policy.Outcome{
			PredictedChangePct: entry.predictedChangePct,
			Confidence:         entry.confidence,
			RSI:                entry.rsi,
			MACD:               entry.macd,
			BBPosition:         entry.bbPosition,
			ActualChangePct:    actualChange,
		},
	}

	e.logger.Info("交易闭环完成",
		zap.String("symbol", symbol),
		zap.Float64("profit_loss", fb.ProfitLoss),
		zap.Float64("prediction_error", fb.PredictionError),
		zap.Bool("was_correct", fb.WasCorrect),
	)
	return fb
}

// PendingCount 返回尚未闭环的开仓数量。
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0) || (a == 0 && b == 0)
}
