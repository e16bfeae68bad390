package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stock-agents/internal/store"
)

// 事件类型。
const (
	EventPrediction  = "prediction"
	EventDecision    = "decision"
	EventExecution   = "execution"
	EventTransaction = "transaction"
	EventFeedback    = "feedback"
	EventCycle       = "cycle"
	EventError       = "error"
)

// Event 为一条持久化的审计事件。
type Event struct {
	ID        int64           `json:"id"`
	CycleID   string          `json:"cycle_id"`
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal 把交易周期内发生的一切写入只追加的事件表，
// 供查询接口和事后复盘使用。写入失败只记日志，不阻断交易流程。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 创建 Journal 并初始化表结构。
func New(st *store.Store, logger *zap.Logger) (*Journal, error) {
	if st == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{db: st.DB(), logger: logger}
	if err := j.initSchema(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_cycle ON events(cycle_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: 初始化表结构失败: %w", err)
	}
	return nil
}

// Record 写入一条事件。payload 会被序列化为JSON。
func (j *Journal) Record(ctx context.Context, cycleID, eventType, symbol string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Warn("事件序列化失败", zap.String("type", eventType), zap.Error(err))
		return
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (cycle_id, event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		cycleID, eventType, symbol, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		j.logger.Warn("事件写入失败",
			zap.String("cycle_id", cycleID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

// List 按时间倒序返回事件，eventType 为空时不过滤。
func (j *Journal) List(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, cycle_id, event_type, symbol, payload, created_at FROM events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Type, &e.Symbol, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("解析事件记录失败: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取事件记录失败: %w", err)
	}
	return events, nil
}
