package indicator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"stock-agents/internal/marketdata"
)

const (
	// MinBars 为计算全部指标所需的最小K线数（MA50窗口）。
	MinBars = 50

	lagDepth = 5
)

// ErrInsufficientData 表示历史K线不足以计算完整特征。
var ErrInsufficientData = errors.New("indicator: 历史数据不足")

// FeatureVector 汇总单根K线上的全部技术特征。
// 模型输入只使用相对化特征（Values），绝对值字段用于审计与决策规则。
type FeatureVector struct {
	Symbol string
	Close  float64

	RSI        float64
	MACD       float64 // 相对收盘价的百分比
	MACDSignal float64
	BBPosition float64 // 布林带内相对位置，[0,1]

	MA5  float64
	MA10 float64
	MA20 float64
	MA50 float64

	Momentum5Pct  float64
	Momentum10Pct float64
	LagCloses     [lagDepth]float64 // t-1..t-5 的收盘价

	PriceChange float64 // 日涨跌幅 %
	PriceRange  float64 // 日内振幅 %
	VolumeDelta float64 // 成交量日变化率
	VolumeRatio float64 // 相对5日均量
}

// Values 返回用于模型训练与推理的相对化特征向量，顺序固定。
func (f FeatureVector) Values() []float64 {
	lagReturns := make([]float64, lagDepth)
	for i, lag := range f.LagCloses {
		lagReturns[i] = marketdata.SafeDivide(f.Close-lag, lag) * 100
	}

	return []float64{
		f.PriceChange,
		f.PriceRange,
		marketdata.SafeDivide(f.Close-f.MA5, f.MA5) * 100,
		marketdata.SafeDivide(f.Close-f.MA10, f.MA10) * 100,
		marketdata.SafeDivide(f.Close-f.MA20, f.MA20) * 100,
		marketdata.SafeDivide(f.Close-f.MA50, f.MA50) * 100,
		marketdata.SafeDivide(f.MA5-f.MA20, f.MA20) * 100,
		f.Momentum5Pct,
		f.Momentum10Pct,
		f.RSI,
		f.BBPosition,
		f.MACD,
		f.MACDSignal,
		f.VolumeDelta,
		f.VolumeRatio,
		lagReturns[0],
		lagReturns[1],
		lagReturns[2],
		lagReturns[3],
		lagReturns[4],
	}
}

// FeatureDim 为 Values 返回的特征维度。
const FeatureDim = 20

type cacheEntry struct {
	key      string
	features []FeatureVector
}

// Calculator 提供技术特征计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 计算序列末端（评估日）的特征向量。
func (c *Calculator) Compute(bars []marketdata.Bar) (FeatureVector, error) {
	features, err := c.Series(bars)
	if err != nil {
		return FeatureVector{}, err
	}
	return features[len(features)-1], nil
}

// Series 计算每个可评估日期的特征向量，所有指标仅使用评估日及之前的K线。
// 返回的切片与 bars[MinBars-1:] 一一对应。
func (c *Calculator) Series(bars []marketdata.Bar) ([]FeatureVector, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("%w: 至少需要 %d 根K线，当前 %d", ErrInsufficientData, MinBars, len(bars))
	}

	symbol := bars[0].Symbol
	cacheKey := fmt.Sprintf("%s:%d:%d", symbol, len(bars), bars[len(bars)-1].Date.Unix())

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.features, nil
	}
	c.mu.Unlock()

	features := c.calculate(marketdata.NewSeries(bars), symbol)

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, features: features}
	c.mu.Unlock()

	return features, nil
}

func (c *Calculator) calculate(series marketdata.Series, symbol string) []FeatureVector {
	closes := series.Close
	n := len(closes)

	ma5 := talib.Sma(closes, 5)
	ma10 := talib.Sma(closes, 10)
	ma20 := talib.Sma(closes, 20)
	ma50 := talib.Sma(closes, 50)

	rsi := talib.Rsi(closes, 14)

	// MACD 按原始口径相对收盘价归一，保证跨价位标的可比。
	ema12 := talib.Ema(closes, 12)
	ema26 := talib.Ema(closes, 26)
	macdPct := make([]float64, n)
	for i := 0; i < n; i++ {
		macdPct[i] = marketdata.SafeDivide(ema12[i]-ema26[i], closes[i]) * 100
	}
	macdSignal := talib.Ema(macdPct, 9)

	bbUpper, _, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)

	out := make([]FeatureVector, 0, n-MinBars+1)
	for i := MinBars - 1; i < n; i++ {
		fv := FeatureVector{
			Symbol:     symbol,
			Close:      closes[i],
			RSI:        clampRSI(rsi[i]),
			MACD:       clean(macdPct[i]),
			MACDSignal: clean(macdSignal[i]),
			BBPosition: bbPosition(closes[i], bbUpper[i], bbLower[i]),
			MA5:        clean(ma5[i]),
			MA10:       clean(ma10[i]),
			MA20:       clean(ma20[i]),
			MA50:       clean(ma50[i]),
		}

		fv.Momentum5Pct = clean(marketdata.SafeDivide(closes[i]-closes[i-5], closes[i-5]) * 100)
		fv.Momentum10Pct = clean(marketdata.SafeDivide(closes[i]-closes[i-10], closes[i-10]) * 100)
		for k := 0; k < lagDepth; k++ {
			fv.LagCloses[k] = closes[i-k-1]
		}

		fv.PriceChange = clean(marketdata.SafeDivide(closes[i]-closes[i-1], closes[i-1]) * 100)
		fv.PriceRange = clean(marketdata.SafeDivide(series.High[i]-series.Low[i], series.Low[i]) * 100)
		fv.VolumeDelta = clean(marketdata.SafeDivide(series.Volume[i]-series.Volume[i-1], series.Volume[i-1]))
		fv.VolumeRatio = clean(marketdata.SafeDivide(series.Volume[i], average(series.Volume[i-4:i+1])))

		out = append(out, fv)
	}

	return out
}

// bbPosition 计算收盘价在布林带内的相对位置，带宽为0时回退到中性值0.5。
func bbPosition(close, upper, lower float64) float64 {
	width := upper - lower
	if width <= 0 || math.IsNaN(width) || math.IsInf(width, 0) {
		return 0.5
	}
	position := (close - lower) / width
	return math.Max(0, math.Min(1, position))
}

// clampRSI 在零波动窗口等退化情形下回退到中性值50。
func clampRSI(rsi float64) float64 {
	if math.IsNaN(rsi) || math.IsInf(rsi, 0) {
		return 50
	}
	return math.Max(0, math.Min(100, rsi))
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clean(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
