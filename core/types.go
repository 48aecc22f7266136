package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies an account holder.
type UserID string

// TxType labels why a balance changed.
type TxType string

const (
	TxDailyReward       TxType = "daily_reward"
	TxMatchRequest      TxType = "match_request"
	TxPurchase          TxType = "purchase"
	TxAdmin             TxType = "admin"
	TxAdReward          TxType = "ad_reward"
	TxFirstLaunchReward TxType = "first_launch_reward"
	TxSpend             TxType = "spend"
)

// Account is a snapshot of a user's diamond balance and daily reward state.
// A nil LastClaimAt means the daily reward was never claimed.
type Account struct {
	UserID      UserID     `json:"user_id"`
	Balance     int64      `json:"balance"`
	LastClaimAt *time.Time `json:"last_claim_at,omitempty"`
	Updated     time.Time  `json:"updated"`
}

// NewAccount returns the default state for a user that has never been written.
func NewAccount(user UserID) Account {
	return Account{UserID: user}
}

// Clone returns a copy that shares no pointers with s.
func (a Account) Clone() Account {
	cp := a
	if a.LastClaimAt != nil {
		t := *a.LastClaimAt
		cp.LastClaimAt = &t
	}
	return cp
}

// Transaction is an append-only ledger entry. Amount is signed: credits are
// positive, debits negative.
type Transaction struct {
	ID           string         `json:"id"`
	UserID       UserID         `json:"user_id"`
	Type         TxType         `json:"type"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", ErrEmptyUserID
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateTxType ensures a non-empty type label made of lowercase letters,
// digits and underscores.
func ValidateTxType(t TxType) error {
	s := string(t)
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTxType)
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidTxType, s)
	}
	return nil
}
