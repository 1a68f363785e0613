// Package ledger defines the narrow token-movement capability the core
// depends on. The core never inspects ledger internals; it only invokes
// transfer, mint and burn with pre-computed integer amounts.
package ledger

import (
	"errors"
	"math"
	"sync"
)

var (
	// ErrInsufficientBalance reports a debit larger than the account holds.
	ErrInsufficientBalance = errors.New("ledger: insufficient token account balance")
	// ErrBalanceOverflow reports a credit that would wrap the account.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")
)

// Ledger moves integer token quantities between accounts. Amounts are
// raw units at each token's ledger scale.
type Ledger interface {
	Transfer(token, from, to string, amount uint64) error
	Mint(token, to string, amount uint64) error
	Burn(token, from string, amount uint64) error
	Balance(token, account string) uint64
}

// Memory is an in-process ledger used by tests and the local daemon.
type Memory struct {
	mu       sync.Mutex
	balances map[string]map[string]uint64
}

// NewMemory builds an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]map[string]uint64)}
}

func (m *Memory) book(token string) map[string]uint64 {
	b, ok := m.balances[token]
	if !ok {
		b = make(map[string]uint64)
		m.balances[token] = b
	}
	return b
}

// Transfer moves amount from one account to another.
func (m *Memory) Transfer(token, from, to string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.book(token)
	if book[from] < amount {
		return ErrInsufficientBalance
	}
	if book[to] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	book[from] -= amount
	book[to] += amount
	return nil
}

// Mint credits newly issued tokens to an account.
func (m *Memory) Mint(token, to string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.book(token)
	if book[to] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	book[to] += amount
	return nil
}

// Burn destroys tokens held by an account.
func (m *Memory) Burn(token, from string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.book(token)
	if book[from] < amount {
		return ErrInsufficientBalance
	}
	book[from] -= amount
	return nil
}

// Balance reports the current holdings of an account.
func (m *Memory) Balance(token, account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book(token)[account]
}
