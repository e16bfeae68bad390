package ledger

import (
	"errors"
	"math"
	"testing"
)

func newTestPortfolio(t *testing.T, cash float64) *Portfolio {
	t.Helper()
	p, err := NewPortfolio("user-1", cash, false)
	if err != nil {
		t.Fatalf("NewPortfolio failed: %v", err)
	}
	return p
}

func TestBuyUpdatesCashAndPosition(t *testing.T) {
	p := newTestPortfolio(t, 10000)

	tx, err := p.Buy("AAPL", 10, 150)
	if err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if tx.Total != 1500 {
		t.Errorf("tx.Total = %v, want 1500", tx.Total)
	}
	if p.Cash() != 8500 {
		t.Errorf("Cash = %v, want 8500", p.Cash())
	}
	pos, ok := p.Position("AAPL")
	if !ok || pos.Quantity != 10 || pos.AvgPrice != 150 {
		t.Errorf("position = %+v, want qty 10 avg 150", pos)
	}
	if p.TotalValue() != 10000 {
		t.Errorf("TotalValue = %v, want 10000", p.TotalValue())
	}
}

func TestBuyWeightedAveragePrice(t *testing.T) {
	p := newTestPortfolio(t, 10000)

	if _, err := p.Buy("AAPL", 10, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if _, err := p.Buy("AAPL", 10, 200); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	pos, _ := p.Position("AAPL")
	if pos.Quantity != 20 || pos.AvgPrice != 150 {
		t.Errorf("position = %+v, want qty 20 avg 150", pos)
	}
}

func TestBuyInsufficientFundsLeavesLedgerUnchanged(t *testing.T) {
	p := newTestPortfolio(t, 1000)

	_, err := p.Buy("AAPL", 100, 150)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if p.Cash() != 1000 {
		t.Errorf("Cash = %v, want 1000 after failed buy", p.Cash())
	}
	if _, ok := p.Position("AAPL"); ok {
		t.Error("failed buy must not create a position")
	}
	if len(p.Transactions()) != 0 {
		t.Error("failed buy must not append a transaction")
	}
}

func TestSellRealizesPnLAndRemovesEmptyPosition(t *testing.T) {
	p := newTestPortfolio(t, 10000)
	if _, err := p.Buy("AAPL", 10, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	tx, err := p.Sell("AAPL", 10, 120)
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if tx.RealizedPnL != 200 {
		t.Errorf("RealizedPnL = %v, want 200", tx.RealizedPnL)
	}
	if p.Cash() != 10200 {
		t.Errorf("Cash = %v, want 10200", p.Cash())
	}
	if _, ok := p.Position("AAPL"); ok {
		t.Error("empty position must be removed")
	}
}

func TestSellInsufficientSharesFailsWhole(t *testing.T) {
	p := newTestPortfolio(t, 10000)
	if _, err := p.Buy("AAPL", 5, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	_, err := p.Sell("AAPL", 10, 110)
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("error = %v, want ErrInsufficientShares", err)
	}

	pos, _ := p.Position("AAPL")
	if pos.Quantity != 5 {
		t.Errorf("Quantity = %d, want 5 after failed sell", pos.Quantity)
	}
	if p.Cash() != 9500 {
		t.Errorf("Cash = %v, want 9500 after failed sell", p.Cash())
	}
	if len(p.Transactions()) != 1 {
		t.Errorf("transactions = %d, want 1 (the buy only)", len(p.Transactions()))
	}

	if _, err := p.Sell("MSFT", 1, 100); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("selling unheld symbol: error = %v, want ErrInsufficientShares", err)
	}
}

func TestSellPartialWhenAllowed(t *testing.T) {
	p, err := NewPortfolio("user-1", 10000, true)
	if err != nil {
		t.Fatalf("NewPortfolio failed: %v", err)
	}
	if _, err := p.Buy("AAPL", 5, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	tx, err := p.Sell("AAPL", 10, 110)
	if err != nil {
		t.Fatalf("partial sell failed: %v", err)
	}
	if tx.Quantity != 5 {
		t.Errorf("Quantity = %d, want clipped to 5", tx.Quantity)
	}
	if _, ok := p.Position("AAPL"); ok {
		t.Error("position must be closed after clipped sell")
	}
}

func TestInvalidOrders(t *testing.T) {
	p := newTestPortfolio(t, 10000)
	if _, err := p.Buy("AAPL", 0, 100); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero quantity buy: error = %v, want ErrInvalidOrder", err)
	}
	if _, err := p.Buy("AAPL", 10, -1); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("negative price buy: error = %v, want ErrInvalidOrder", err)
	}
	if _, err := p.Sell("AAPL", -5, 100); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("negative quantity sell: error = %v, want ErrInvalidOrder", err)
	}
}

func TestMarkToMarketAndTotalValue(t *testing.T) {
	p := newTestPortfolio(t, 10000)
	if _, err := p.Buy("AAPL", 10, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if _, err := p.Buy("MSFT", 5, 200); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}

	p.MarkToMarket(map[string]float64{"AAPL": 110, "MSFT": 190})

	want := 8000.0 + 10*110 + 5*190
	if math.Abs(p.TotalValue()-want) > 1e-9 {
		t.Errorf("TotalValue = %v, want %v", p.TotalValue(), want)
	}

	pos, _ := p.Position("AAPL")
	if pos.UnrealizedPnL() != 100 {
		t.Errorf("UnrealizedPnL = %v, want 100", pos.UnrealizedPnL())
	}

	if err := p.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants failed: %v", err)
	}
}

func TestTransactionsAppendOnlyOrdered(t *testing.T) {
	p := newTestPortfolio(t, 10000)
	if _, err := p.Buy("AAPL", 10, 100); err != nil {
		t.Fatalf("Buy failed: %v", err)
	}
	if _, err := p.Sell("AAPL", 4, 105); err != nil {
		t.Fatalf("Sell failed: %v", err)
	}

	txs := p.Transactions()
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if txs[0].ID >= txs[1].ID {
		t.Errorf("transaction IDs must increase: %d then %d", txs[0].ID, txs[1].ID)
	}
	if txs[0].TradeType != TradeBuy || txs[1].TradeType != TradeSell {
		t.Errorf("trade order = %s,%s, want BUY,SELL", txs[0].TradeType, txs[1].TradeType)
	}
}

func TestManagerReturnsSamePortfolio(t *testing.T) {
	m := NewManager(5000, false)
	p1, err := m.Portfolio("alice")
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	p2, err := m.Portfolio("alice")
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if p1 != p2 {
		t.Error("same user must map to the same portfolio")
	}
	if p1.Cash() != 5000 {
		t.Errorf("Cash = %v, want 5000", p1.Cash())
	}
}
