package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"stock-agents/internal/marketdata"
)

func makeBars(closes []float64) []marketdata.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.Bar{
			Symbol: "TEST",
			Date:   start.AddDate(0, 0, i),
			Open:   c * 0.99,
			High:   c * 1.01,
			Low:    c * 0.98,
			Close:  c,
			Volume: 1000 + float64(i),
		}
	}
	return bars
}

func trendingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5 + 2*math.Sin(float64(i)/3)
	}
	return closes
}

func TestComputeInsufficientData(t *testing.T) {
	calc := NewCalculator()
	_, err := calc.Compute(makeBars(trendingCloses(MinBars - 1)))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestComputeLatestFeatures(t *testing.T) {
	calc := NewCalculator()
	closes := trendingCloses(120)
	bars := makeBars(closes)

	fv, err := calc.Compute(bars)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if fv.Close != closes[len(closes)-1] {
		t.Errorf("Close = %v, want %v", fv.Close, closes[len(closes)-1])
	}
	if fv.RSI < 0 || fv.RSI > 100 {
		t.Errorf("RSI out of range: %v", fv.RSI)
	}
	if fv.BBPosition < 0 || fv.BBPosition > 1 {
		t.Errorf("BBPosition out of range: %v", fv.BBPosition)
	}
	for k := 0; k < lagDepth; k++ {
		want := closes[len(closes)-2-k]
		if fv.LagCloses[k] != want {
			t.Errorf("LagCloses[%d] = %v, want %v", k, fv.LagCloses[k], want)
		}
	}

	values := fv.Values()
	if len(values) != FeatureDim {
		t.Fatalf("Values length = %d, want %d", len(values), FeatureDim)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("values[%d] is not finite: %v", i, v)
		}
	}
}

func TestSeriesAlignment(t *testing.T) {
	calc := NewCalculator()
	closes := trendingCloses(80)
	bars := makeBars(closes)

	features, err := calc.Series(bars)
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}
	if len(features) != len(bars)-MinBars+1 {
		t.Fatalf("features length = %d, want %d", len(features), len(bars)-MinBars+1)
	}
	for i, fv := range features {
		if fv.Close != closes[MinBars-1+i] {
			t.Errorf("features[%d].Close = %v, want %v", i, fv.Close, closes[MinBars-1+i])
		}
	}
}

// 指标只依赖评估日及之前的K线：截断后的前缀必须给出相同特征。
func TestSeriesNoLookahead(t *testing.T) {
	closes := trendingCloses(100)
	bars := makeBars(closes)

	full, err := NewCalculator().Series(bars)
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}
	prefix, err := NewCalculator().Series(bars[:70])
	if err != nil {
		t.Fatalf("Series on prefix failed: %v", err)
	}

	last := prefix[len(prefix)-1]
	same := full[70-MinBars]
	fullValues := same.Values()
	for i, v := range last.Values() {
		if math.Abs(v-fullValues[i]) > 1e-9 {
			t.Errorf("feature %d differs: prefix %v vs full %v", i, v, fullValues[i])
		}
	}
}

func TestFlatSeriesNeutralFallbacks(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	bars := makeBars(closes)
	for i := range bars {
		bars[i].High = 100
		bars[i].Low = 100
		bars[i].Volume = 1000
	}

	fv, err := NewCalculator().Compute(bars)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if fv.RSI != 50 && (fv.RSI < 0 || fv.RSI > 100) {
		t.Errorf("flat series RSI = %v", fv.RSI)
	}
	if fv.BBPosition != 0.5 {
		t.Errorf("flat series BBPosition = %v, want 0.5", fv.BBPosition)
	}
	if fv.PriceChange != 0 {
		t.Errorf("flat series PriceChange = %v, want 0", fv.PriceChange)
	}
}

func TestBBPosition(t *testing.T) {
	cases := []struct {
		close, upper, lower float64
		want                float64
	}{
		{105, 110, 100, 0.5},
		{100, 110, 100, 0},
		{110, 110, 100, 1},
		{120, 110, 100, 1},   // 超出上轨截断
		{90, 110, 100, 0},    // 跌破下轨截断
		{100, 100, 100, 0.5}, // 零带宽回退中性
	}
	for _, tc := range cases {
		got := bbPosition(tc.close, tc.upper, tc.lower)
		if got != tc.want {
			t.Errorf("bbPosition(%v, %v, %v) = %v, want %v", tc.close, tc.upper, tc.lower, got, tc.want)
		}
	}
}
