package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rewardledger/core"
)

// AggregationPeriod represents different time periods for aggregation
type AggregationPeriod string

const (
	PeriodDaily   AggregationPeriod = "daily"
	PeriodWeekly  AggregationPeriod = "weekly"
	PeriodMonthly AggregationPeriod = "monthly"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (AggregationPeriod, error) {
	switch p := AggregationPeriod(s); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("unknown aggregation period %q", s)
}

// AggregatedData summarizes the diamond economy over one period (UTC).
type AggregatedData struct {
	Period    AggregationPeriod `json:"period"`
	Key       string            `json:"key"` // e.g., "2024-01-01" for daily, "2024-W01" for weekly
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`

	ActiveUsers int `json:"active_users"`

	RewardsClaimed int64                 `json:"rewards_claimed"`
	DiamondsIssued int64                 `json:"diamonds_issued"`
	DiamondsCredit int64                 `json:"diamonds_credited"`
	DiamondsSpent  int64                 `json:"diamonds_spent"`
	SpentByType    map[core.TxType]int64 `json:"spent_by_type"`
	CreditedByType map[core.TxType]int64 `json:"credited_by_type"`
}

type dayBucket struct {
	users    map[core.UserID]struct{}
	claims   int64
	issued   int64
	credited int64
	spent    int64
	spentBy  map[core.TxType]int64
	creditBy map[core.TxType]int64
}

func newDayBucket() *dayBucket {
	return &dayBucket{
		users:    map[core.UserID]struct{}{},
		spentBy:  map[core.TxType]int64{},
		creditBy: map[core.TxType]int64{},
	}
}

// AggregationEngine folds ledger events into per-day buckets and rolls them
// up into weekly and monthly views on request. Buckets older than retention
// are pruned as new days arrive.
type AggregationEngine struct {
	mu        sync.RWMutex
	days      map[string]*dayBucket
	retention time.Duration
}

func NewAggregationEngine(retention time.Duration) *AggregationEngine {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &AggregationEngine{days: map[string]*dayBucket{}, retention: retention}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// OnEvent records a ledger event. It matches the event bus handler signature.
func (ae *AggregationEngine) OnEvent(_ context.Context, e core.Event) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	key := dayKey(e.Time)
	b, ok := ae.days[key]
	if !ok {
		b = newDayBucket()
		ae.days[key] = b
		ae.pruneLocked(e.Time)
	}
	b.users[e.UserID] = struct{}{}

	switch e.Type {
	case core.EventRewardClaimed:
		b.claims++
		b.issued += e.Delta
	case core.EventDiamondsCredited:
		b.credited += e.Delta
		b.creditBy[e.TxType] += e.Delta
	case core.EventDiamondsSpent:
		// spent events carry a negative delta
		b.spent += -e.Delta
		b.spentBy[e.TxType] += -e.Delta
	}
}

func (ae *AggregationEngine) pruneLocked(now time.Time) {
	cutoff := dayKey(now.Add(-ae.retention))
	for k := range ae.days {
		if k < cutoff {
			delete(ae.days, k)
		}
	}
}

// Aggregate returns the summary of the period containing at.
func (ae *AggregationEngine) Aggregate(period AggregationPeriod, at time.Time) (*AggregatedData, error) {
	at = at.UTC()
	var (
		key        string
		start, end time.Time
	)
	switch period {
	case PeriodDaily:
		start = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
		key = start.Format("2006-01-02")
	case PeriodWeekly:
		year, week := at.ISOWeek()
		key = fmt.Sprintf("%d-W%02d", year, week)
		// Calculate week start (Monday)
		daysSinceMonday := (int(at.Weekday()) + 6) % 7
		start = time.Date(at.Year(), at.Month(), at.Day()-daysSinceMonday, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
		key = start.Format("2006-01")
	default:
		return nil, fmt.Errorf("unknown aggregation period %q", period)
	}

	data := &AggregatedData{
		Period:         period,
		Key:            key,
		StartTime:      start,
		EndTime:        end,
		SpentByType:    map[core.TxType]int64{},
		CreditedByType: map[core.TxType]int64{},
	}
	users := map[core.UserID]struct{}{}

	ae.mu.RLock()
	defer ae.mu.RUnlock()
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		b, ok := ae.days[dayKey(d)]
		if !ok {
			continue
		}
		for u := range b.users {
			users[u] = struct{}{}
		}
		data.RewardsClaimed += b.claims
		data.DiamondsIssued += b.issued
		data.DiamondsCredit += b.credited
		data.DiamondsSpent += b.spent
		for t, v := range b.spentBy {
			data.SpentByType[t] += v
		}
		for t, v := range b.creditBy {
			data.CreditedByType[t] += v
		}
	}
	data.ActiveUsers = len(users)
	return data, nil
}

// Days lists the retained day keys in ascending order.
func (ae *AggregationEngine) Days() []string {
	ae.mu.RLock()
	defer ae.mu.RUnlock()
	keys := make([]string, 0, len(ae.days))
	for k := range ae.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
