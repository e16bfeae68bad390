package forecast

import (
	"math"
	"time"
)

// Metrics 记录一次训练在时间序留出集上的评估结果。
type Metrics struct {
	RMSE      float64   `json:"rmse"`
	MAE       float64   `json:"mae"`
	TrainRows int       `json:"train_rows"`
	TestRows  int       `json:"test_rows"`
	TrainedAt time.Time `json:"trained_at"`
}

func evaluate(predicted, actual []float64) (rmse, mae float64) {
	if len(predicted) == 0 {
		return 0, 0
	}
	var sse, sae float64
	for i := range predicted {
		d := predicted[i] - actual[i]
		sse += d * d
		sae += math.Abs(d)
	}
	n := float64(len(predicted))
	return math.Sqrt(sse / n), sae / n
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
