package coordinator

import (
	"context"
	"math"
	"testing"
	"time"

	"stock-agents/internal/config"
	"stock-agents/internal/execution"
	"stock-agents/internal/forecast"
	"stock-agents/internal/ledger"
	"stock-agents/internal/marketdata"
	"stock-agents/internal/policy"
)

type fakeProvider struct {
	bars map[string][]marketdata.Bar
}

func (f *fakeProvider) History(_ context.Context, symbol string) ([]marketdata.Bar, error) {
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, marketdata.ErrInvalidSymbol
	}
	return bars, nil
}

func makeBars(symbol string, n int) []marketdata.Bar {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, n)
	for i := 0; i < n; i++ {
		c := 100 + float64(i)*0.3 + 3*math.Sin(float64(i)/5)
		bars[i] = marketdata.Bar{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Open:   c * 0.995,
			High:   c * 1.01,
			Low:    c * 0.99,
			Close:  c,
			Volume: 5000,
		}
	}
	return bars
}

func testConfig(symbols []string) config.Config {
	return config.Config{
		Data: config.DataConfig{Source: "csv", Symbols: symbols},
		Trading: config.TradingConfig{
			UserID:        "user-1",
			InitialCash:   100000,
			RiskTolerance: 0.5,
		},
		Forecast: config.ForecastConfig{
			Trees:       10,
			MaxDepth:    6,
			MinLeaf:     2,
			MinSplit:    5,
			Seed:        42,
			HorizonDays: 5,
			DriftRatio:  1.25,
		},
		Policy: config.PolicyConfig{MinFeedbackSamples: 30},
		Scheduler: config.SchedulerConfig{
			CycleInterval:  time.Hour,
			CycleTimeout:   time.Minute,
			PredictWorkers: 2,
		},
	}
}

func newTestCoordinator(t *testing.T, cfg config.Config, provider marketdata.Provider) (*Coordinator, *ledger.Portfolio) {
	t.Helper()

	engine, err := policy.NewEngine(cfg.Trading.RiskTolerance, cfg.Policy, cfg.Forecast, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	portfolio, err := ledger.NewPortfolio(cfg.Trading.UserID, cfg.Trading.InitialCash, cfg.Trading.AllowPartialSell)
	if err != nil {
		t.Fatalf("NewPortfolio failed: %v", err)
	}

	c := New(
		cfg,
		provider,
		forecast.NewForecaster(cfg.Forecast, nil, nil),
		engine,
		execution.NewExecutor(nil),
		portfolio,
		nil,
		nil,
	)
	return c, portfolio
}

func TestRunCycleCompletes(t *testing.T) {
	symbols := []string{"AAPL", "MSFT"}
	provider := &fakeProvider{bars: map[string][]marketdata.Bar{
		"AAPL": makeBars("AAPL", 250),
		"MSFT": makeBars("MSFT", 250),
	}}
	c, portfolio := newTestCoordinator(t, testConfig(symbols), provider)

	summary := c.RunCycle(context.Background())

	if summary.State != StateComplete {
		t.Fatalf("State = %q, want COMPLETE", summary.State)
	}
	if summary.TimedOut {
		t.Error("cycle should not time out")
	}
	if summary.Symbols != 2 || summary.Predicted != 2 {
		t.Errorf("Symbols=%d Predicted=%d, want 2/2", summary.Symbols, summary.Predicted)
	}
	if len(summary.Reports) != 2 {
		t.Fatalf("Reports = %d, want 2", len(summary.Reports))
	}
	for i, symbol := range symbols {
		if summary.Reports[i].Symbol != symbol {
			t.Errorf("Reports[%d].Symbol = %q, want %q (order must be preserved)", i, summary.Reports[i].Symbol, symbol)
		}
		if summary.Reports[i].Decision.Action == "" {
			t.Errorf("Reports[%d] missing decision", i)
		}
		if summary.Reports[i].Execution.Status == "" {
			t.Errorf("Reports[%d] missing execution result", i)
		}
	}
	if summary.Buys+summary.Sells+summary.Holds != 2 {
		t.Errorf("decision tally = %d+%d+%d, want 2", summary.Buys, summary.Sells, summary.Holds)
	}
	if err := portfolio.CheckInvariants(); err != nil {
		t.Errorf("ledger invariants violated after cycle: %v", err)
	}
	if summary.Portfolio.TotalValue <= 0 {
		t.Errorf("Portfolio.TotalValue = %v", summary.Portfolio.TotalValue)
	}
}

// 数据不足的标的不阻断周期，其余标的照常完成。
func TestRunCycleInsufficientDataIsSoft(t *testing.T) {
	symbols := []string{"AAPL", "NEWIPO"}
	provider := &fakeProvider{bars: map[string][]marketdata.Bar{
		"AAPL":   makeBars("AAPL", 250),
		"NEWIPO": makeBars("NEWIPO", 20),
	}}
	c, _ := newTestCoordinator(t, testConfig(symbols), provider)

	summary := c.RunCycle(context.Background())

	if summary.State != StateComplete {
		t.Fatalf("State = %q, want COMPLETE", summary.State)
	}
	if summary.Predicted != 1 || summary.InsufficientData != 1 {
		t.Errorf("Predicted=%d InsufficientData=%d, want 1/1", summary.Predicted, summary.InsufficientData)
	}
	if summary.Reports[1].Prediction.Status != forecast.StatusInsufficientData {
		t.Errorf("NEWIPO status = %q, want insufficient_data", summary.Reports[1].Prediction.Status)
	}
	if summary.Reports[1].Decision.Action != policy.ActionHold {
		t.Errorf("NEWIPO action = %q, want HOLD", summary.Reports[1].Decision.Action)
	}
}

func TestRunCycleUnknownSymbolIsSoft(t *testing.T) {
	symbols := []string{"AAPL", "BOGUS"}
	provider := &fakeProvider{bars: map[string][]marketdata.Bar{
		"AAPL": makeBars("AAPL", 250),
	}}
	c, _ := newTestCoordinator(t, testConfig(symbols), provider)

	summary := c.RunCycle(context.Background())

	if summary.State != StateComplete {
		t.Fatalf("State = %q, want COMPLETE", summary.State)
	}
	if summary.PredictErrors != 1 {
		t.Errorf("PredictErrors = %d, want 1", summary.PredictErrors)
	}
	if summary.Reports[1].Execution.Status != execution.StatusHeld {
		t.Errorf("BOGUS execution status = %q, want HELD", summary.Reports[1].Execution.Status)
	}
}

func TestRunCycleDeterministicAcrossRuns(t *testing.T) {
	symbols := []string{"AAPL"}
	provider := &fakeProvider{bars: map[string][]marketdata.Bar{
		"AAPL": makeBars("AAPL", 250),
	}}

	c1, _ := newTestCoordinator(t, testConfig(symbols), provider)
	c2, _ := newTestCoordinator(t, testConfig(symbols), provider)

	s1 := c1.RunCycle(context.Background())
	s2 := c2.RunCycle(context.Background())

	p1, p2 := s1.Reports[0].Prediction, s2.Reports[0].Prediction
	if p1.PredictedPrice != p2.PredictedPrice || p1.Confidence != p2.Confidence {
		t.Errorf("predictions differ across identical runs: %v/%v vs %v/%v",
			p1.PredictedPrice, p1.Confidence, p2.PredictedPrice, p2.Confidence)
	}
	if s1.Reports[0].Decision.Action != s2.Reports[0].Decision.Action {
		t.Errorf("decisions differ: %q vs %q", s1.Reports[0].Decision.Action, s2.Reports[0].Decision.Action)
	}
}

func TestPerformanceTracking(t *testing.T) {
	perf := newPerformance()

	perf.recordTrade(&execution.Feedback{ProfitLoss: 100})
	perf.recordTrade(&execution.Feedback{ProfitLoss: -50})
	perf.recordTrade(&execution.Feedback{ProfitLoss: 30})
	if got := perf.winRate(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Errorf("winRate = %v, want 2/3", got)
	}

	perf.recordEquity(10000)
	perf.recordEquity(12000)
	perf.recordEquity(9000)
	perf.recordEquity(11000)
	if got := perf.maxDrawdown(); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("maxDrawdown = %v, want 0.25", got)
	}
}
