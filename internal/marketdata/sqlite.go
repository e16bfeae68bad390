package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stock-agents/internal/store"
)

// SQLiteProvider 从 stock_prices 表读取历史行情。
type SQLiteProvider struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteProvider 创建数据库行情源并初始化表结构。
func NewSQLiteProvider(st *store.Store, logger *zap.Logger) (*SQLiteProvider, error) {
	if st == nil {
		return nil, fmt.Errorf("marketdata: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &SQLiteProvider{db: st.DB(), logger: logger}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLiteProvider) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS stock_prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	date TEXT NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL DEFAULT 0,
	pre_market REAL,
	after_hours REAL,
	UNIQUE(symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_stock_prices_symbol ON stock_prices(symbol);
`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("marketdata: 初始化表结构失败: %w", err)
	}
	return nil
}

// History 按日期升序返回单个标的的全部K线。
func (p *SQLiteProvider) History(ctx context.Context, symbol string) ([]Bar, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT date, open, high, low, close, volume, pre_market, after_hours
		 FROM stock_prices WHERE symbol = ? ORDER BY date ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("查询历史行情失败: %w", err)
	}
	defer rows.Close()

	var bars []Bar
	var missingVolume int

	for rows.Next() {
		var (
			dateStr    string
			volume     sql.NullFloat64
			preMarket  sql.NullFloat64
			afterHours sql.NullFloat64
			bar        Bar
		)
		if err := rows.Scan(&dateStr, &bar.Open, &bar.High, &bar.Low, &bar.Close, &volume, &preMarket, &afterHours); err != nil {
			return nil, fmt.Errorf("解析行情记录失败: %w", err)
		}

		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		bar.Symbol = symbol
		bar.Date = date
		if volume.Valid {
			bar.Volume = volume.Float64
		} else {
			missingVolume++
		}
		if preMarket.Valid {
			bar.PreMarket = preMarket.Float64
		}
		if afterHours.Valid {
			bar.AfterHours = afterHours.Float64
		}

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取行情记录失败: %w", err)
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}

	if missingVolume > 0 {
		p.logger.Warn("数据缺失成交量，已按0处理",
			zap.String("symbol", symbol),
			zap.Int("rows", missingVolume),
		)
	}

	return bars, nil
}

// Insert 写入或更新单根K线，供数据导入工具使用。
func (p *SQLiteProvider) Insert(ctx context.Context, bar Bar) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO stock_prices (symbol, date, open, high, low, close, volume, pre_market, after_hours)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, date) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume,
			pre_market=excluded.pre_market, after_hours=excluded.after_hours`,
		strings.ToUpper(bar.Symbol), bar.Date.Format("2006-01-02"),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
		bar.PreMarket, bar.AfterHours,
	)
	if err != nil {
		return fmt.Errorf("写入行情记录失败: %w", err)
	}
	return nil
}
