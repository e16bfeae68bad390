package ledger

import (
	"sync"
)

// Manager 按用户管理组合，首次访问时按初始配置创建。
type Manager struct {
	initialCash      float64
	allowPartialSell bool

	mu         sync.Mutex
	portfolios map[string]*Portfolio
}

// NewManager 创建组合管理器。
func NewManager(initialCash float64, allowPartialSell bool) *Manager {
	return &Manager{
		initialCash:      initialCash,
		allowPartialSell: allowPartialSell,
		portfolios:       make(map[string]*Portfolio),
	}
}

// Portfolio 返回用户的组合，不存在时创建。
func (m *Manager) Portfolio(userID string) (*Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.portfolios[userID]; ok {
		return p, nil
	}
	p, err := NewPortfolio(userID, m.initialCash, m.allowPartialSell)
	if err != nil {
		return nil, err
	}
	m.portfolios[userID] = p
	return p, nil
}
