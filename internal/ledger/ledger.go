package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrInsufficientFunds 表示现金不足以完成买入。
	ErrInsufficientFunds = errors.New("ledger: 现金不足")
	// ErrInsufficientShares 表示持仓数量不足以完成卖出。
	ErrInsufficientShares = errors.New("ledger: 持仓不足")
	// ErrInvalidOrder 表示订单参数非法（数量或价格非正）。
	ErrInvalidOrder = errors.New("ledger: 订单参数无效")
	// ErrCorrupted 表示账本不变量被破坏，属于内部错误。
	ErrCorrupted = errors.New("ledger: 账本状态损坏")
)

// 交易类型。
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

// Position 为单标的持仓。AvgPrice 为加权平均成本。
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     int64   `json:"quantity"`
	AvgPrice     float64 `json:"avg_price"`
	CurrentPrice float64 `json:"current_price"`
}

// CurrentValue 返回按最新标记价计的市值。
func (p Position) CurrentValue() float64 {
	return float64(p.Quantity) * p.CurrentPrice
}

// UnrealizedPnL 返回浮动盈亏。
func (p Position) UnrealizedPnL() float64 {
	return float64(p.Quantity) * (p.CurrentPrice - p.AvgPrice)
}

// Transaction 为一条只追加的成交记录。
type Transaction struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	TradeType   string    `json:"trade_type"`
	Quantity    int64     `json:"quantity"`
	Price       float64   `json:"price"`
	Total       float64   `json:"total"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot 为组合的只读快照。
type Snapshot struct {
	UserID     string     `json:"user_id"`
	Cash       float64    `json:"cash"`
	TotalValue float64    `json:"total_value"`
	Positions  []Position `json:"positions"`
}

// Portfolio 为单账户的资金与持仓账本。所有操作串行化，
// 任何失败的操作不得留下部分变更。
type Portfolio struct {
	mu sync.Mutex

	userID       string
	cash         float64
	positions    map[string]*Position
	transactions []Transaction
	nextTxID     int64

	allowPartialSell bool
}

// NewPortfolio 创建初始只有现金的组合。
func NewPortfolio(userID string, initialCash float64, allowPartialSell bool) (*Portfolio, error) {
	if initialCash < 0 {
		return nil, fmt.Errorf("%w: 初始资金不能为负", ErrInvalidOrder)
	}
	return &Portfolio{
		userID:           userID,
		cash:             initialCash,
		positions:        make(map[string]*Position),
		nextTxID:         1,
		allowPartialSell: allowPartialSell,
	}, nil
}

// Buy 以给定价格买入。现金不足返回 ErrInsufficientFunds 且账本不变。
// 已有持仓按加权平均更新成本。
func (p *Portfolio) Buy(symbol string, quantity int64, price float64) (Transaction, error) {
	if quantity <= 0 || price <= 0 {
		return Transaction{}, fmt.Errorf("%w: quantity=%d price=%v", ErrInvalidOrder, quantity, price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	total := float64(quantity) * price
	if total > p.cash {
		return Transaction{}, fmt.Errorf("%w: 需要 %.2f，可用 %.2f", ErrInsufficientFunds, total, p.cash)
	}

	p.cash -= total

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{Symbol: symbol, Quantity: quantity, AvgPrice: price, CurrentPrice: price}
	} else {
		newQty := pos.Quantity + quantity
		pos.AvgPrice = (pos.AvgPrice*float64(pos.Quantity) + total) / float64(newQty)
		pos.Quantity = newQty
		pos.CurrentPrice = price
	}

	return p.appendTransaction(symbol, TradeBuy, quantity, price, 0), nil
}

// Sell 以给定价格卖出。持仓不足时默认整单失败返回
// ErrInsufficientShares；开启部分卖出时收缩到实际持仓量。
// 卖空后持仓归零的标的从组合中移除。
func (p *Portfolio) Sell(symbol string, quantity int64, price float64) (Transaction, error) {
	if quantity <= 0 || price <= 0 {
		return Transaction{}, fmt.Errorf("%w: quantity=%d price=%v", ErrInvalidOrder, quantity, price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok || pos.Quantity == 0 {
		return Transaction{}, fmt.Errorf("%w: 未持有 %s", ErrInsufficientShares, symbol)
	}
	if quantity > pos.Quantity {
		if !p.allowPartialSell {
			return Transaction{}, fmt.Errorf("%w: %s 请求 %d，持有 %d", ErrInsufficientShares, symbol, quantity, pos.Quantity)
		}
		quantity = pos.Quantity
	}

	total := float64(quantity) * price
	realized := float64(quantity) * (price - pos.AvgPrice)

	p.cash += total
	pos.Quantity -= quantity
	pos.CurrentPrice = price
	if pos.Quantity == 0 {
		delete(p.positions, symbol)
	}

	return p.appendTransaction(symbol, TradeSell, quantity, price, realized), nil
}

func (p *Portfolio) appendTransaction(symbol, tradeType string, quantity int64, price, realized float64) Transaction {
	tx := Transaction{
		ID:          p.nextTxID,
		Symbol:      symbol,
		TradeType:   tradeType,
		Quantity:    quantity,
		Price:       price,
		Total:       float64(quantity) * price,
		RealizedPnL: realized,
		Timestamp:   time.Now().UTC(),
	}
	p.nextTxID++
	p.transactions = append(p.transactions, tx)
	return tx
}

// MarkToMarket 用最新价格更新持仓估值，未提供价格的持仓保持原值。
func (p *Portfolio) MarkToMarket(prices map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, pos := range p.positions {
		if price, ok := prices[symbol]; ok && price > 0 {
			pos.CurrentPrice = price
		}
	}
}

// Position 返回单标的持仓副本。
func (p *Portfolio) Position(symbol string) (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Cash 返回当前可用现金。
func (p *Portfolio) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// TotalValue 返回现金加全部持仓市值。
func (p *Portfolio) TotalValue() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalValueLocked()
}

func (p *Portfolio) totalValueLocked() float64 {
	total := p.cash
	for _, pos := range p.positions {
		total += pos.CurrentValue()
	}
	return total
}

// Snapshot 返回组合当前状态的深拷贝。
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		UserID:     p.userID,
		Cash:       p.cash,
		TotalValue: p.totalValueLocked(),
		Positions:  make([]Position, 0, len(p.positions)),
	}
	for _, pos := range p.positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	return snap
}

// Transactions 返回成交历史副本，按发生顺序排列。
func (p *Portfolio) Transactions() []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Transaction, len(p.transactions))
	copy(out, p.transactions)
	return out
}

// CheckInvariants 校验账本不变量：现金非负、持仓数量为正、
// 总值等于现金与市值之和。破坏即返回 ErrCorrupted。
func (p *Portfolio) CheckInvariants() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cash < 0 {
		return fmt.Errorf("%w: 现金为负 %.4f", ErrCorrupted, p.cash)
	}
	sum := p.cash
	for symbol, pos := range p.positions {
		if pos.Quantity <= 0 {
			return fmt.Errorf("%w: %s 持仓数量非正 %d", ErrCorrupted, symbol, pos.Quantity)
		}
		if pos.AvgPrice < 0 {
			return fmt.Errorf("%w: %s 平均成本为负 %.4f", ErrCorrupted, symbol, pos.AvgPrice)
		}
		sum += pos.CurrentValue()
	}
	if math.Abs(sum-p.totalValueLocked()) > 1e-6 {
		return fmt.Errorf("%w: 总值核对失败", ErrCorrupted)
	}
	return nil
}
