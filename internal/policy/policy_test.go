package policy

import (
	"errors"
	"math"
	"testing"

	"stock-agents/internal/config"
	"stock-agents/internal/forecast"
	"stock-agents/internal/indicator"
)

func testPolicyConfig() config.PolicyConfig {
	return config.PolicyConfig{MinFeedbackSamples: 30}
}

func testForestConfig() config.ForecastConfig {
	return config.ForecastConfig{Trees: 10, MaxDepth: 5, MinLeaf: 2, MinSplit: 5, Seed: 42}
}

func newTestEngine(t *testing.T, risk float64) *Engine {
	t.Helper()
	engine, err := NewEngine(risk, testPolicyConfig(), testForestConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func predictedWith(change, confidence, rsi float64) forecast.Prediction {
	return forecast.Prediction{
		Symbol:             "TEST",
		Status:             forecast.StatusPredicted,
		CurrentPrice:       100,
		PredictedPrice:     100 * (1 + change/100),
		PredictedChangePct: change,
		Confidence:         confidence,
		Indicators:         indicator.FeatureVector{Symbol: "TEST", Close: 100, RSI: rsi, BBPosition: 0.5},
	}
}

func TestThresholdsFor(t *testing.T) {
	cases := []struct {
		risk              float64
		buy, sell, minCnf float64
	}{
		{0, 1.0, -1.0, 0.6},
		{0.5, 0.55, -0.55, 0.5},
		{1, 0.1, -0.1, 0.4},
	}
	for _, tc := range cases {
		got, err := ThresholdsFor(tc.risk)
		if err != nil {
			t.Fatalf("ThresholdsFor(%v) failed: %v", tc.risk, err)
		}
		if math.Abs(got.Buy-tc.buy) > 1e-12 || math.Abs(got.Sell-tc.sell) > 1e-12 || math.Abs(got.MinConfidence-tc.minCnf) > 1e-12 {
			t.Errorf("ThresholdsFor(%v) = %+v, want buy=%v sell=%v minConf=%v", tc.risk, got, tc.buy, tc.sell, tc.minCnf)
		}
	}
}

func TestThresholdsForInvalidRisk(t *testing.T) {
	for _, risk := range []float64{-0.1, 1.1, 2} {
		if _, err := ThresholdsFor(risk); !errors.Is(err, ErrConfiguration) {
			t.Errorf("ThresholdsFor(%v) error = %v, want ErrConfiguration", risk, err)
		}
	}
	if _, err := NewEngine(1.5, testPolicyConfig(), testForestConfig(), nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewEngine(1.5) error = %v, want ErrConfiguration", err)
	}
}

func TestDecideBuySignal(t *testing.T) {
	engine := newTestEngine(t, 0.5)

	d := engine.Decide(predictedWith(3.5, 0.82, 58))
	if d.Action != ActionBuy {
		t.Fatalf("Action = %q, want BUY (reasons: %v)", d.Action, d.Reasons)
	}
	if d.Method != MethodRuleBased {
		t.Errorf("Method = %q, want %q", d.Method, MethodRuleBased)
	}
	wantSize := 0.10 * (0.5 + 0.5*0.82)
	if math.Abs(d.SuggestedPositionSize-wantSize) > 1e-12 {
		t.Errorf("SuggestedPositionSize = %v, want %v", d.SuggestedPositionSize, wantSize)
	}
	if d.StopLoss != 95 {
		t.Errorf("StopLoss = %v, want 95", d.StopLoss)
	}
	if len(d.Reasons) == 0 {
		t.Error("buy decision must carry reasons")
	}
}

func TestDecideOverboughtBlocksBuy(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	d := engine.Decide(predictedWith(3.5, 0.82, 75))
	if d.Action != ActionHold {
		t.Fatalf("Action = %q, want HOLD when RSI overbought", d.Action)
	}
}

func TestDecideOversoldBlocksSell(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	d := engine.Decide(predictedWith(-3.5, 0.82, 25))
	if d.Action != ActionHold {
		t.Fatalf("Action = %q, want HOLD when RSI oversold", d.Action)
	}
}

func TestDecideSellSignal(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	d := engine.Decide(predictedWith(-2.0, 0.7, 45))
	if d.Action != ActionSell {
		t.Fatalf("Action = %q, want SELL (reasons: %v)", d.Action, d.Reasons)
	}
}

// 涨跌幅阈值为严格不等式，临界值一律观望。
func TestDecideTiesHold(t *testing.T) {
	engine := newTestEngine(t, 0.5)

	if d := engine.Decide(predictedWith(0.55, 0.8, 50)); d.Action != ActionHold {
		t.Errorf("change == buy threshold: Action = %q, want HOLD", d.Action)
	}
	if d := engine.Decide(predictedWith(-0.55, 0.8, 50)); d.Action != ActionHold {
		t.Errorf("change == sell threshold: Action = %q, want HOLD", d.Action)
	}
}

// 置信度下限是闭边界：恰好等于下限的预测可以成交。
func TestDecideConfidenceFloorInclusive(t *testing.T) {
	engine := newTestEngine(t, 0.5)

	if d := engine.Decide(predictedWith(1.45, 0.5, 55)); d.Action != ActionBuy {
		t.Errorf("confidence == min confidence with buy signal: Action = %q, want BUY (reasons: %v)", d.Action, d.Reasons)
	}
	if d := engine.Decide(predictedWith(-1.45, 0.5, 55)); d.Action != ActionSell {
		t.Errorf("confidence == min confidence with sell signal: Action = %q, want SELL (reasons: %v)", d.Action, d.Reasons)
	}
	if d := engine.Decide(predictedWith(1.45, 0.4999, 55)); d.Action != ActionHold {
		t.Errorf("confidence just below floor: Action = %q, want HOLD", d.Action)
	}
}

func TestDecideLowConfidenceHolds(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	d := engine.Decide(predictedWith(5.0, 0.3, 50))
	if d.Action != ActionHold {
		t.Fatalf("Action = %q, want HOLD on low confidence", d.Action)
	}
}

func TestDecideUnavailablePredictionHolds(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	d := engine.Decide(forecast.Prediction{Symbol: "TEST", Status: forecast.StatusInsufficientData})
	if d.Action != ActionHold {
		t.Fatalf("Action = %q, want HOLD for unavailable prediction", d.Action)
	}
}

func TestAdaptActivatesLearner(t *testing.T) {
	engine := newTestEngine(t, 0.5)
	if engine.LearnedActive() {
		t.Fatal("learner active before any feedback")
	}

	// 构造可分的反馈：强烈看涨预测对应真实大涨，反之大跌。
	for i := 0; i < testPolicyConfig().MinFeedbackSamples; i++ {
		outcome := Outcome{
			PredictedChangePct: 4 + float64(i%3),
			Confidence:         0.8,
			RSI:                50 + float64(i%10),
			BBPosition:         0.6,
			ActualChangePct:    5,
		}
		if i%2 == 1 {
			outcome.PredictedChangePct = -outcome.PredictedChangePct
			outcome.ActualChangePct = -5
		}
		engine.Adapt(outcome)
	}

	if !engine.LearnedActive() {
		t.Fatal("learner inactive after reaching sample threshold")
	}
	if engine.FeedbackSamples() != testPolicyConfig().MinFeedbackSamples {
		t.Errorf("FeedbackSamples = %d, want %d", engine.FeedbackSamples(), testPolicyConfig().MinFeedbackSamples)
	}

	d := engine.Decide(predictedWith(4.5, 0.85, 55))
	if d.Action != ActionBuy {
		t.Errorf("Action = %q, want BUY from learned policy (method %s, reasons %v)", d.Action, d.Method, d.Reasons)
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := []struct {
		actual float64
		want   string
	}{
		{3.0, ActionBuy},
		{2.0, ActionHold}, // 严格大于
		{0, ActionHold},
		{-2.0, ActionHold},
		{-2.5, ActionSell},
	}
	for _, tc := range cases {
		got := Outcome{ActualChangePct: tc.actual}.label()
		if got != tc.want {
			t.Errorf("label(%v) = %q, want %q", tc.actual, got, tc.want)
		}
	}
}
