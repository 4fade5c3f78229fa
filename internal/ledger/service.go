package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Service is the settlement book behind ledger-backed payouts.
type Service interface {
	Open(ctx context.Context, id string) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	GetBalance(ctx context.Context, id, currency string) (Money, error)
	Deposit(ctx context.Context, toID string, amt Money, idemKey string) (Transaction, error)
	Transfer(ctx context.Context, fromID, toID string, amt Money, idemKey string) (Transaction, error)
	ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
	seq   uint64
	txs   []Transaction
	idem  map[string]Transaction // idemKey -> tx
}

// NewInMemory creates a fresh ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts: make(map[string]*Account),
		idem:  make(map[string]Transaction),
	}
}

// Open creates the named account if it does not exist yet.
func (s *InMemory) Open(ctx context.Context, id string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, ErrInvalidAccount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAccount(s.open(id)), nil
}

func (s *InMemory) open(id string) *Account {
	acc, ok := s.accts[id]
	if !ok {
		acc = &Account{
			ID:        id,
			CreatedAt: time.Now().UTC(),
			Balances:  map[string]int64{},
		}
		s.accts[id] = acc
	}
	return acc
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return copyAccount(acc), nil
}

func (s *InMemory) GetBalance(ctx context.Context, id, currency string) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Money{}, ErrNotFound
	}
	return Money{Currency: currency, Amount: acc.Balances[currency]}, nil
}

// Deposit credits funds arriving from outside the book, e.g. a payer funding
// the escrow vault.
func (s *InMemory) Deposit(ctx context.Context, toID string, amt Money, idemKey string) (Transaction, error) {
	if err := checkMoney(amt); err != nil {
		return Transaction{}, err
	}
	if strings.TrimSpace(toID) == "" {
		return Transaction{}, ErrInvalidAccount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.replay(idemKey); ok {
		return tx, nil
	}
	to := s.open(toID)
	to.Balances[amt.Currency] += amt.Amount
	return s.record("", toID, amt, idemKey), nil
}

// Transfer moves funds between accounts. The destination is opened on first
// credit; the source must exist and hold enough.
func (s *InMemory) Transfer(ctx context.Context, fromID, toID string, amt Money, idemKey string) (Transaction, error) {
	if err := checkMoney(amt); err != nil {
		return Transaction{}, err
	}
	if strings.TrimSpace(toID) == "" || fromID == toID {
		return Transaction{}, ErrInvalidAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.replay(idemKey); ok {
		return tx, nil
	}

	from, ok := s.accts[fromID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	// Double-entry invariant: total debits == total credits (same currency).
	if from.Balances[amt.Currency] < amt.Amount {
		return Transaction{}, ErrInsufficientFunds
	}
	to := s.open(toID)

	from.Balances[amt.Currency] -= amt.Amount
	to.Balances[amt.Currency] += amt.Amount
	return s.record(fromID, toID, amt, idemKey), nil
}

func (s *InMemory) replay(idemKey string) (Transaction, bool) {
	if idemKey == "" {
		return Transaction{}, false
	}
	tx, ok := s.idem[idemKey]
	return tx, ok
}

func (s *InMemory) record(fromID, toID string, amt Money, idemKey string) Transaction {
	s.seq++
	tx := Transaction{
		ID:             newID(),
		CreatedAt:      time.Now().UTC(),
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Currency:       amt.Currency,
		Amount:         amt.Amount,
		IdempotencyKey: idemKey,
		Sequence:       s.seq,
	}
	s.txs = append(s.txs, tx)
	if idemKey != "" {
		s.idem[idemKey] = tx
	}
	return tx
}

func (s *InMemory) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func checkMoney(amt Money) error {
	if !amt.IsPositive() {
		return ErrInvalidAmount
	}
	if len(amt.Currency) != 3 {
		return ErrInvalidCurrency
	}
	return nil
}

func copyAccount(acc *Account) Account {
	out := *acc
	out.Balances = make(map[string]int64, len(acc.Balances))
	for k, v := range acc.Balances {
		out.Balances[k] = v
	}
	return out
}
