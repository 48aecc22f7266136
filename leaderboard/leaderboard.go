package leaderboard

import (
	"context"

	"rewardledger/core"
)

// Entry is a user's position by diamond balance.
type Entry struct {
	User    core.UserID `json:"user_id"`
	Balance int64       `json:"balance"`
	Rank    int         `json:"rank,omitempty"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(user core.UserID, balance int64)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Len() int
}

// Tracker returns an event bus handler that keeps b in step with post-commit balances.
// Only users that had a balance change since start are ranked.
func Tracker(b Board) func(context.Context, core.Event) {
	return func(_ context.Context, ev core.Event) {
		if ev.Balance <= 0 {
			b.Remove(ev.UserID)
			return
		}
		b.Update(ev.UserID, ev.Balance)
	}
}
