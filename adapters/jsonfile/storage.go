package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rewardledger/core"
)

// Store persists all accounts and ledgers to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data snapshot
}

type snapshot struct {
	Accounts     map[core.UserID]core.Account       `json:"accounts"`
	Transactions map[core.UserID][]core.Transaction `json:"transactions"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: snapshot{
		Accounts:     map[core.UserID]core.Account{},
		Transactions: map[core.UserID][]core.Transaction{},
	}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw snapshot
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw.Accounts {
		s.data.Accounts[k] = v
	}
	for k, v := range raw.Transactions {
		s.data.Transactions[k] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return core.Unavailable("persist", err)
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return core.Unavailable("persist", err)
	}
	return core.Unavailable("persist", os.Rename(tmp, s.path))
}

func (s *Store) get(user core.UserID) core.Account {
	if acct, ok := s.data.Accounts[user]; ok {
		return acct.Clone()
	}
	return core.NewAccount(user)
}

// commit stores acct and appends tx, undoing both if the file write fails.
func (s *Store) commit(acct core.Account, tx core.Transaction) error {
	prev, existed := s.data.Accounts[acct.UserID]
	prevTxs := s.data.Transactions[acct.UserID]
	s.data.Accounts[acct.UserID] = acct
	s.data.Transactions[acct.UserID] = append(prevTxs, tx)
	if err := s.persist(); err != nil {
		if existed {
			s.data.Accounts[acct.UserID] = prev
		} else {
			delete(s.data.Accounts, acct.UserID)
		}
		s.data.Transactions[acct.UserID] = prevTxs
		return err
	}
	return nil
}

func (s *Store) Read(_ context.Context, user core.UserID) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(user), nil
}

func (s *Store) ApplyClaim(_ context.Context, tx core.Transaction, interval time.Duration) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.get(tx.UserID)
	now := tx.CreatedAt.UTC()
	if !core.CanClaim(acct.LastClaimAt, now, interval) {
		return core.Account{}, core.NewNotEligible(acct.LastClaimAt, now, interval)
	}
	next, err := core.AddSafe(acct.Balance, tx.Amount)
	if err != nil {
		return core.Account{}, err
	}
	acct.Balance = next
	acct.LastClaimAt = &now
	acct.Updated = now
	tx.BalanceAfter = next
	if err := s.commit(acct, tx); err != nil {
		return core.Account{}, err
	}
	return acct.Clone(), nil
}

func (s *Store) Adjust(_ context.Context, tx core.Transaction) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.get(tx.UserID)
	next, err := core.AddSafe(acct.Balance, tx.Amount)
	if err != nil {
		return core.Account{}, err
	}
	if next < 0 {
		return core.Account{}, core.ErrInsufficientBalance
	}
	acct.Balance = next
	acct.Updated = tx.CreatedAt.UTC()
	tx.BalanceAfter = next
	if err := s.commit(acct, tx); err != nil {
		return core.Account{}, err
	}
	return acct.Clone(), nil
}

func (s *Store) Transactions(_ context.Context, user core.UserID, limit int) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs := s.data.Transactions[user]
	n := len(txs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Transaction, 0, n)
	for i := len(txs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, txs[i])
	}
	return out, nil
}
