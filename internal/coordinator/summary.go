package coordinator

import (
	"sync"
	"time"

	"stock-agents/internal/execution"
	"stock-agents/internal/forecast"
	"stock-agents/internal/ledger"
	"stock-agents/internal/policy"
)

// CycleSummary 为一个交易周期的汇总结果。
type CycleSummary struct {
	CycleID   string        `json:"cycle_id"`
	State     string        `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`

	Symbols          int `json:"symbols"`
	Predicted        int `json:"predicted"`
	InsufficientData int `json:"insufficient_data"`
	PredictErrors    int `json:"predict_errors"`

	Buys  int `json:"buys"`
	Sells int `json:"sells"`
	Holds int `json:"holds"`

	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`

	TotalTrades     int     `json:"total_trades"`
	TotalPnL        float64 `json:"total_pnl"`
	WinRate         float64 `json:"win_rate"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	FeedbackSamples int     `json:"feedback_samples"`

	Thresholds policy.Thresholds `json:"thresholds"`

	Portfolio ledger.Snapshot `json:"portfolio"`
	Reports   []SymbolReport  `json:"-"`
}

func (s *CycleSummary) tally(reports []SymbolReport) {
	for _, r := range reports {
		switch r.Prediction.Status {
		case forecast.StatusPredicted:
			s.Predicted++
		case forecast.StatusInsufficientData:
			s.InsufficientData++
		default:
			s.PredictErrors++
		}

		switch r.Decision.Action {
		case policy.ActionBuy:
			s.Buys++
		case policy.ActionSell:
			s.Sells++
		default:
			s.Holds++
		}

		switch r.Execution.Status {
		case execution.StatusExecuted:
			s.Executed++
		case execution.StatusFailed:
			s.Failed++
		case execution.StatusSkipped:
			s.Skipped++
		}
	}
}

// performance 跨周期累积交易表现：胜率与权益曲线最大回撤。
type performance struct {
	mu sync.Mutex

	trades        int
	wins          int
	totalPnL      float64
	peakEquity    float64
	worstDrawdown float64
}

func newPerformance() *performance {
	return &performance{}
}

func (p *performance) recordTrade(fb *execution.Feedback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades++
	p.totalPnL += fb.ProfitLoss
	if fb.ProfitLoss > 0 {
		p.wins++
	}
}

func (p *performance) totals() (trades int, pnl float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trades, p.totalPnL
}

func (p *performance) recordEquity(totalValue float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if totalValue > p.peakEquity {
		p.peakEquity = totalValue
	}
	if p.peakEquity > 0 {
		drawdown := (p.peakEquity - totalValue) / p.peakEquity
		if drawdown > p.worstDrawdown {
			p.worstDrawdown = drawdown
		}
	}
}

func (p *performance) winRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trades == 0 {
		return 0
	}
	return float64(p.wins) / float64(p.trades)
}

func (p *performance) maxDrawdown() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worstDrawdown
}
