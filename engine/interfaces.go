package engine

import (
	"context"
	"time"

	"rewardledger/core"
)

// Store abstracts persistence for diamond accounts and their ledger.
//
// Implementations must apply a claim as one conditional step: the eligibility
// check against the stored LastClaimAt and the balance/timestamp update happen
// under the same per-user lock, script or transaction.
type Store interface {
	// Read returns the account for user, or core.NewAccount(user) when none exists.
	// It never creates or modifies state.
	Read(ctx context.Context, user core.UserID) (core.Account, error)

	// ApplyClaim credits tx.Amount and sets LastClaimAt to tx.CreatedAt if
	// core.CanClaim(last, tx.CreatedAt, interval) holds. Otherwise it returns a
	// *core.NotEligibleError and leaves the account untouched.
	ApplyClaim(ctx context.Context, tx core.Transaction, interval time.Duration) (core.Account, error)

	// Adjust adds tx.Amount (signed) to the balance without touching LastClaimAt.
	// A result below zero fails with core.ErrInsufficientBalance.
	Adjust(ctx context.Context, tx core.Transaction) (core.Account, error)

	// Transactions lists ledger entries for user, newest first. limit <= 0 means all.
	Transactions(ctx context.Context, user core.UserID, limit int) ([]core.Transaction, error)
}
