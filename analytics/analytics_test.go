package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardledger/core"
)

// Wednesday
var base = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

func seed(ae *AggregationEngine) {
	ctx := context.Background()
	evs := []core.Event{
		{Type: core.EventRewardClaimed, UserID: "alice", TxType: core.TxDailyReward, Delta: 100, Balance: 100, Time: base},
		{Type: core.EventDiamondsSpent, UserID: "alice", TxType: core.TxMatchRequest, Delta: -10, Balance: 90, Time: base.Add(time.Hour)},
		{Type: core.EventRewardClaimed, UserID: "bob", TxType: core.TxDailyReward, Delta: 100, Balance: 100, Time: base.AddDate(0, 0, 1)},
		{Type: core.EventDiamondsCredited, UserID: "bob", TxType: core.TxPurchase, Delta: 500, Balance: 600, Time: base.AddDate(0, 0, 2)},
		{Type: core.EventRewardClaimed, UserID: "carol", TxType: core.TxDailyReward, Delta: 100, Balance: 100, Time: base.AddDate(0, 0, 7)},
	}
	for _, ev := range evs {
		ae.OnEvent(ctx, ev)
	}
}

func TestAggregateDaily(t *testing.T) {
	ae := NewAggregationEngine(0)
	seed(ae)

	d, err := ae.Aggregate(PeriodDaily, base)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-03", d.Key)
	assert.Equal(t, 1, d.ActiveUsers)
	assert.Equal(t, int64(1), d.RewardsClaimed)
	assert.Equal(t, int64(100), d.DiamondsIssued)
	assert.Equal(t, int64(10), d.DiamondsSpent)
	assert.Equal(t, int64(10), d.SpentByType[core.TxMatchRequest])
}

func TestAggregateWeeklyMonthly(t *testing.T) {
	ae := NewAggregationEngine(0)
	seed(ae)

	w, err := ae.Aggregate(PeriodWeekly, base)
	require.NoError(t, err)
	assert.Equal(t, "2024-W01", w.Key)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), w.StartTime)
	assert.Equal(t, 2, w.ActiveUsers)
	assert.Equal(t, int64(2), w.RewardsClaimed)
	assert.Equal(t, int64(500), w.DiamondsCredit)
	assert.Equal(t, int64(500), w.CreditedByType[core.TxPurchase])

	m, err := ae.Aggregate(PeriodMonthly, base)
	require.NoError(t, err)
	assert.Equal(t, "2024-01", m.Key)
	assert.Equal(t, 3, m.ActiveUsers)
	assert.Equal(t, int64(300), m.DiamondsIssued)

	_, err = ae.Aggregate("yearly", base)
	assert.Error(t, err)
}

func TestRetentionPrunesOldDays(t *testing.T) {
	ae := NewAggregationEngine(48 * time.Hour)
	seed(ae)
	assert.Equal(t, []string{"2024-01-10"}, ae.Days())
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("weekly")
	require.NoError(t, err)
	assert.Equal(t, PeriodWeekly, p)
	_, err = ParsePeriod("hourly")
	assert.Error(t, err)
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []AggregatedData
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	ae := NewAggregationEngine(0)
	seed(ae)
	exp := NewHTTPExporter(srv.URL, "secret", time.Second)
	require.NoError(t, exp.Export(context.Background(), ae.Snapshot(base)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
	require.Len(t, got, 3)
	assert.Equal(t, PeriodDaily, got[0].Period)
	assert.Equal(t, PeriodMonthly, got[2].Period)
}

func TestHTTPExporterReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPExporter(srv.URL, "", time.Second).Export(context.Background(), nil)
	assert.ErrorContains(t, err, "502")
}

type recordingExporter struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingExporter) Export(context.Context, []*AggregatedData) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func TestStartFlushesOnCancel(t *testing.T) {
	ae := NewAggregationEngine(0)
	exp := &recordingExporter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ae.Start(ctx, exp, time.Hour, nil)
		close(done)
	}()
	cancel()
	<-done

	exp.mu.Lock()
	defer exp.mu.Unlock()
	assert.Equal(t, 1, exp.calls)
}
