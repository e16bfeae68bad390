package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stock-agents/internal/config"
	"stock-agents/internal/execution"
	"stock-agents/internal/forecast"
	"stock-agents/internal/journal"
	"stock-agents/internal/ledger"
	"stock-agents/internal/marketdata"
	"stock-agents/internal/policy"
)

// 周期状态，按固定顺序推进。
const (
	StateStarted    = "STARTED"
	StatePredicting = "PREDICTING"
	StateDeciding   = "DECIDING"
	StateExecuting  = "EXECUTING"
	StateFeedback   = "FEEDBACK"
	StateComplete   = "COMPLETE"
)

// SymbolReport 为单标的在一个周期内的完整轨迹。
type SymbolReport struct {
	Symbol     string
	Prediction forecast.Prediction
	Decision   policy.Decision
	Execution  execution.Result
}

// Coordinator 驱动一个交易周期走完预测、决策、执行、反馈四个阶段。
// 单标的失败不终止周期，只有配置契约违例才会让周期整体失败。
type Coordinator struct {
	cfg        config.Config
	provider   marketdata.Provider
	forecaster *forecast.Forecaster
	engine     *policy.Engine
	executor   *execution.Executor
	portfolio  *ledger.Portfolio
	journal    *journal.Journal
	logger     *zap.Logger

	perf *performance
}

// New 组装协调器。journal 可为 nil，此时不落审计事件。
func New(
	cfg config.Config,
	provider marketdata.Provider,
	forecaster *forecast.Forecaster,
	engine *policy.Engine,
	executor *execution.Executor,
	portfolio *ledger.Portfolio,
	jnl *journal.Journal,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		provider:   provider,
		forecaster: forecaster,
		engine:     engine,
		executor:   executor,
		portfolio:  portfolio,
		journal:    jnl,
		logger:     logger,
		perf:       newPerformance(),
	}
}

type symbolData struct {
	prediction forecast.Prediction
	bars       []marketdata.Bar
}

// RunCycle 执行一个完整交易周期并返回摘要。
// 超过周期时限时提前收尾，返回已完成部分的摘要。
func (c *Coordinator) RunCycle(ctx context.Context) CycleSummary {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Scheduler.CycleTimeout)
	defer cancel()

	startedAt := time.Now()
	cycleID := startedAt.UTC().Format("20060102T150405.000")
	symbols := c.cfg.Data.Symbols

	summary := CycleSummary{
		CycleID:   cycleID,
		State:     StateStarted,
		StartedAt: startedAt,
		Symbols:   len(symbols),
	}
	c.logger.Info("交易周期开始", zap.String("cycle_id", cycleID), zap.Int("symbols", len(symbols)))

	// PREDICTING：按配置并行度扇出，结果按标的原始顺序落位。
	summary.State = StatePredicting
	data := c.predictAll(ctx, cycleID, symbols)

	// 预测失败的标的只要拿到了行情，也参与持仓估值更新。
	prices := make(map[string]float64, len(data))
	for i := range data {
		if px := marketdata.LatestClose(data[i].bars); px > 0 {
			prices[symbols[i]] = px
		}
	}
	c.portfolio.MarkToMarket(prices)

	// DECIDING：预测全部就位后串行决策，保持标的顺序。
	summary.State = StateDeciding
	reports := make([]SymbolReport, len(symbols))
	for i, symbol := range symbols {
		decision := c.engine.Decide(data[i].prediction)
		reports[i] = SymbolReport{
			Symbol:     symbol,
			Prediction: data[i].prediction,
			Decision:   decision,
		}
		c.record(ctx, cycleID, journal.EventDecision, symbol, decision)
	}

	// EXECUTING：账本操作串行执行。
	summary.State = StateExecuting
	var feedbacks []*execution.Feedback
	for i := range reports {
		result, fb := c.executor.Execute(reports[i].Prediction, reports[i].Decision, c.portfolio)
		reports[i].Execution = result
		if fb != nil {
			feedbacks = append(feedbacks, fb)
		}

		c.record(ctx, cycleID, journal.EventExecution, result.Symbol, result)
		if result.Status == execution.StatusExecuted {
			c.record(ctx, cycleID, journal.EventTransaction, result.Symbol, map[string]any{
				"action":   result.Action,
				"quantity": result.Quantity,
				"price":    result.Price,
				"total":    result.Total,
			})
		}
	}

	if err := c.portfolio.CheckInvariants(); err != nil {
		c.logger.Error("账本不变量校验失败", zap.String("cycle_id", cycleID), zap.Error(err))
		c.record(ctx, cycleID, journal.EventError, "", map[string]string{"error": err.Error()})
	}

	// FEEDBACK：闭环结果喂给策略，并检查模型漂移。
	summary.State = StateFeedback
	for _, fb := range feedbacks {
		c.engine.Adapt(fb.Outcome)
		c.perf.recordTrade(fb)
		c.record(ctx, cycleID, journal.EventFeedback, fb.Symbol, fb)
	}
	for i, symbol := range symbols {
		if data[i].bars != nil {
			c.forecaster.RefitIfDrifted(symbol, data[i].bars)
		}
	}

	summary.State = StateComplete
	summary.TimedOut = ctx.Err() != nil
	summary.Duration = time.Since(startedAt)
	summary.Reports = reports
	summary.tally(reports)
	summary.Portfolio = c.portfolio.Snapshot()
	c.perf.recordEquity(summary.Portfolio.TotalValue)
	summary.TotalTrades, summary.TotalPnL = c.perf.totals()
	summary.WinRate = c.perf.winRate()
	summary.MaxDrawdown = c.perf.maxDrawdown()
	summary.FeedbackSamples = c.engine.FeedbackSamples()
	summary.Thresholds = c.engine.Thresholds()

	c.record(ctx, cycleID, journal.EventCycle, "", summary)
	c.logger.Info("交易周期结束",
		zap.String("cycle_id", cycleID),
		zap.Duration("duration", summary.Duration),
		zap.Int("executed", summary.Executed),
		zap.Bool("timed_out", summary.TimedOut),
		zap.Float64("total_value", summary.Portfolio.TotalValue),
	)
	return summary
}

// predictAll 并行拉取行情并预测，失败的标的降级为 error 状态。
func (c *Coordinator) predictAll(ctx context.Context, cycleID string, symbols []string) []symbolData {
	data := make([]symbolData, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Scheduler.PredictWorkers)

	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			bars, err := c.provider.History(gctx, symbol)
			if err != nil {
				c.logger.Warn("拉取历史行情失败", zap.String("symbol", symbol), zap.Error(err))
				data[i] = symbolData{prediction: forecast.Prediction{
					Symbol: symbol,
					Status: forecast.StatusError,
					Error:  fmt.Sprintf("拉取历史行情失败: %v", err),
				}}
				return nil
			}

			data[i] = symbolData{
				prediction: c.forecaster.Predict(gctx, symbol, bars),
				bars:       bars,
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range data {
		c.record(ctx, cycleID, journal.EventPrediction, symbols[i], data[i].prediction)
	}
	return data
}

func (c *Coordinator) record(ctx context.Context, cycleID, eventType, symbol string, payload any) {
	if c.journal == nil {
		return
	}
	// 周期超时后仍要落盘收尾事件。
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	c.journal.Record(ctx, cycleID, eventType, symbol, payload)
}
