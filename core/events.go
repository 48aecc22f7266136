package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventRewardClaimed    EventType = "reward_claimed"
	EventDiamondsSpent    EventType = "diamonds_spent"
	EventDiamondsCredited EventType = "diamonds_credited"
)

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id"`
	TxType   TxType         `json:"tx_type,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Balance  int64          `json:"balance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewRewardClaimed builds the event for a committed claim. at is the
// transaction's CreatedAt.
func NewRewardClaimed(user UserID, amount int64, balance int64, at time.Time) Event {
	return Event{Type: EventRewardClaimed, Time: at.UTC(), UserID: user, TxType: TxDailyReward, Delta: amount, Balance: balance}
}

func NewDiamondsSpent(user UserID, typ TxType, amount int64, balance int64, at time.Time) Event {
	return Event{Type: EventDiamondsSpent, Time: at.UTC(), UserID: user, TxType: typ, Delta: -amount, Balance: balance}
}

func NewDiamondsCredited(user UserID, typ TxType, amount int64, balance int64, at time.Time) Event {
	return Event{Type: EventDiamondsCredited, Time: at.UTC(), UserID: user, TxType: typ, Delta: amount, Balance: balance}
}
