package memory

import (
	"context"
	"sync"
	"time"

	"rewardledger/core"
)

// Store is a concurrent in-memory engine.Store implementation.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord
}

type userRecord struct {
	mu      sync.Mutex
	account core.Account
	txs     []core.Transaction
}

func New() *Store { return &Store{} }

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{account: core.NewAccount(user)}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) Read(_ context.Context, user core.UserID) (core.Account, error) {
	v, ok := s.users.Load(user)
	if !ok {
		return core.NewAccount(user), nil
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.account.Clone(), nil
}

func (s *Store) ApplyClaim(_ context.Context, tx core.Transaction, interval time.Duration) (core.Account, error) {
	rec := s.getOrCreate(tx.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	now := tx.CreatedAt
	if !core.CanClaim(rec.account.LastClaimAt, now, interval) {
		return core.Account{}, core.NewNotEligible(rec.account.LastClaimAt, now, interval)
	}
	next, err := core.AddSafe(rec.account.Balance, tx.Amount)
	if err != nil {
		return core.Account{}, err
	}
	rec.account.Balance = next
	rec.account.LastClaimAt = &now
	rec.account.Updated = now
	tx.BalanceAfter = next
	rec.txs = append(rec.txs, tx)
	return rec.account.Clone(), nil
}

func (s *Store) Adjust(_ context.Context, tx core.Transaction) (core.Account, error) {
	rec := s.getOrCreate(tx.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next, err := core.AddSafe(rec.account.Balance, tx.Amount)
	if err != nil {
		return core.Account{}, err
	}
	if next < 0 {
		return core.Account{}, core.ErrInsufficientBalance
	}
	rec.account.Balance = next
	rec.account.Updated = tx.CreatedAt
	tx.BalanceAfter = next
	rec.txs = append(rec.txs, tx)
	return rec.account.Clone(), nil
}

func (s *Store) Transactions(_ context.Context, user core.UserID, limit int) ([]core.Transaction, error) {
	v, ok := s.users.Load(user)
	if !ok {
		return []core.Transaction{}, nil
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := len(rec.txs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Transaction, 0, n)
	for i := len(rec.txs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, rec.txs[i])
	}
	return out, nil
}
