package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CSVProvider 从数据集目录读取 <SYMBOL>.csv 形式的历史行情。
// 同时兼容 Date,Open,... 与 ticker,date,... 两种表头。
type CSVProvider struct {
	dir    string
	logger *zap.Logger
}

// NewCSVProvider 创建基于CSV数据集的历史行情源。
func NewCSVProvider(dir string, logger *zap.Logger) *CSVProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVProvider{dir: dir, logger: logger}
}

// History 读取并解析单个标的的全部K线，按日期升序返回。
func (p *CSVProvider) History(ctx context.Context, symbol string) ([]Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}

	path := filepath.Join(p.dir, symbol+".csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
		}
		return nil, fmt.Errorf("打开数据文件失败 %q: %w", path, err)
	}
	defer file.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取CSV表头失败 %q: %w", path, err)
	}

	cols := indexColumns(header)
	if cols.date < 0 || cols.open < 0 || cols.high < 0 || cols.low < 0 || cols.closePx < 0 {
		return nil, fmt.Errorf("CSV缺少必需列 %q: %v", path, header)
	}

	var bars []Bar
	var missingVolume int

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析CSV记录失败 %q: %w", path, err)
		}

		bar, ok, noVolume := parseRecord(symbol, record, cols)
		if !ok {
			continue
		}
		if noVolume {
			missingVolume++
		}
		bars = append(bars, bar)
	}

	if missingVolume > 0 {
		p.logger.Warn("数据缺失成交量，已按0处理",
			zap.String("symbol", symbol),
			zap.Int("rows", missingVolume),
		)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Date.Before(bars[j].Date)
	})

	return bars, nil
}

type columnIndex struct {
	date, open, high, low, closePx, volume int
	preMarket, afterHours                  int
}

func indexColumns(header []string) columnIndex {
	cols := columnIndex{date: -1, open: -1, high: -1, low: -1, closePx: -1, volume: -1, preMarket: -1, afterHours: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date", "timestamp":
			cols.date = i
		case "open":
			cols.open = i
		case "high":
			cols.high = i
		case "low":
			cols.low = i
		case "close":
			cols.closePx = i
		case "volume":
			cols.volume = i
		case "pre_market":
			cols.preMarket = i
		case "after_hours":
			cols.afterHours = i
		}
	}
	return cols
}

func parseRecord(symbol string, record []string, cols columnIndex) (Bar, bool, bool) {
	field := func(idx int) string {
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	dateStr := field(cols.date)
	if idx := strings.Index(dateStr, "T"); idx > 0 {
		dateStr = dateStr[:idx]
	}
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return Bar{}, false, false
	}

	open, err1 := strconv.ParseFloat(field(cols.open), 64)
	high, err2 := strconv.ParseFloat(field(cols.high), 64)
	low, err3 := strconv.ParseFloat(field(cols.low), 64)
	closePx, err4 := strconv.ParseFloat(field(cols.closePx), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Bar{}, false, false
	}

	volume := 0.0
	noVolume := true
	if raw := field(cols.volume); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			volume = v
			noVolume = false
		}
	}

	bar := Bar{
		Symbol: symbol,
		Date:   date,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: volume,
	}
	if raw := field(cols.preMarket); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			bar.PreMarket = v
		}
	}
	if raw := field(cols.afterHours); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			bar.AfterHours = v
		}
	}

	return bar, true, noVolume
}
