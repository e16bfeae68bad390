package marketdata

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidSymbol 表示数据源中不存在该标的。
	ErrInvalidSymbol = errors.New("marketdata: 未知标的")
)

// Bar 代表某标的单个交易日的OHLCV记录，按日期升序排列后不再修改。
type Bar struct {
	Symbol     string
	Date       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	PreMarket  float64 // 可选，缺失时为0
	AfterHours float64 // 可选，缺失时为0
}

// Provider 按标的提供升序排列的历史K线。
type Provider interface {
	History(ctx context.Context, symbol string) ([]Bar, error)
}

// LatestClose 返回序列最后一根K线的收盘价，空序列返回0。
func LatestClose(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}
