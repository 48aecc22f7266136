package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardledger/core"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// newTestClient spins up a miniredis server and returns a client plus cleanup.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, mr, cleanup
}

func claimTx(user core.UserID, at time.Time) core.Transaction {
	return core.Transaction{ID: "tx-" + at.Format(time.RFC3339), UserID: user, Type: core.TxDailyReward, Amount: 100, CreatedAt: at}
}

func TestStore_ReadUnknownUser(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	acct, err := store.Read(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Nil(t, acct.LastClaimAt)

	// Read must not create keys
	n, err := client.Exists(context.Background(), accountKey("nobody")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ApplyClaim(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	acct, err := store.ApplyClaim(ctx, claimTx(userID, t0), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	require.NotNil(t, acct.LastClaimAt)
	assert.True(t, acct.LastClaimAt.Equal(t0))

	// Inside the window
	_, err = store.ApplyClaim(ctx, claimTx(userID, t0.Add(23*time.Hour)), 24*time.Hour)
	var ne *core.NotEligibleError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, time.Hour, ne.Remaining)

	// Exactly at the boundary
	acct, err = store.ApplyClaim(ctx, claimTx(userID, t0.Add(24*time.Hour)), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(200), acct.Balance)

	stored, err := store.Read(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stored.Balance)
	assert.True(t, stored.LastClaimAt.Equal(t0.Add(24*time.Hour)))
}

func TestStore_ApplyClaim_FutureLastClaim(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	_, err := store.ApplyClaim(ctx, claimTx("skew", t0.Add(3*time.Hour)), 24*time.Hour)
	require.NoError(t, err)

	_, err = store.ApplyClaim(ctx, claimTx("skew", t0), 24*time.Hour)
	var ne *core.NotEligibleError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, 24*time.Hour, ne.Remaining)
}

func TestStore_Adjust(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("spender")

	_, err := store.ApplyClaim(ctx, claimTx(userID, t0), 24*time.Hour)
	require.NoError(t, err)

	acct, err := store.Adjust(ctx, core.Transaction{ID: "a", UserID: userID, Type: core.TxMatchRequest, Amount: -30, CreatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Balance)
	require.NotNil(t, acct.LastClaimAt)
	assert.True(t, acct.LastClaimAt.Equal(t0))

	_, err = store.Adjust(ctx, core.Transaction{ID: "b", UserID: userID, Type: core.TxMatchRequest, Amount: -71, CreatedAt: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	acct, err = store.Read(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Balance)
}

// afterScriptHook runs fn once after the first successful script call.
type afterScriptHook struct {
	once sync.Once
	fn   func(context.Context)
}

func (h *afterScriptHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterScriptHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if name := cmd.Name(); err == nil && (name == "evalsha" || name == "eval") {
			h.once.Do(func() { h.fn(ctx) })
		}
		return err
	}
}

func (h *afterScriptHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestStore_AdjustReturnsScriptSnapshot(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("racer")

	_, err := store.ApplyClaim(ctx, claimTx(userID, t0), 24*time.Hour)
	require.NoError(t, err)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	client.AddHook(&afterScriptHook{fn: func(ctx context.Context) {
		// another writer lands right after our script
		require.NoError(t, other.HIncrBy(ctx, accountKey(userID), "balance", 1000).Err())
	}})

	acct, err := store.Adjust(ctx, core.Transaction{ID: "a", UserID: userID, Type: core.TxMatchRequest, Amount: -30, CreatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Balance)
	require.NotNil(t, acct.LastClaimAt)
	assert.True(t, acct.LastClaimAt.Equal(t0))

	txs, err := store.Transactions(ctx, userID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, acct.Balance, txs[0].BalanceAfter)
}

func TestStore_AdjustWithoutClaim(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	acct, err := store.Adjust(context.Background(), core.Transaction{ID: "p", UserID: "buyer", Type: core.TxPurchase, Amount: 40, CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Balance)
	assert.Nil(t, acct.LastClaimAt)
}

func TestStore_Transactions(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("ledger")

	_, err := store.ApplyClaim(ctx, claimTx(userID, t0), 24*time.Hour)
	require.NoError(t, err)
	_, err = store.Adjust(ctx, core.Transaction{
		ID: "spend-1", UserID: userID, Type: core.TxMatchRequest, Amount: -40,
		Metadata: map[string]any{"target": "bob"}, CreatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	txs, err := store.Transactions(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "spend-1", txs[0].ID)
	assert.Equal(t, int64(-40), txs[0].Amount)
	assert.Equal(t, int64(60), txs[0].BalanceAfter)
	assert.Equal(t, "bob", txs[0].Metadata["target"])
	assert.Equal(t, core.TxDailyReward, txs[1].Type)
	assert.Equal(t, int64(100), txs[1].BalanceAfter)

	txs, err = store.Transactions(ctx, userID, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// Corrupt entries are skipped
	require.NoError(t, client.LPush(ctx, txLogKey(userID), "garbage").Err())
	txs, err = store.Transactions(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestStore_ConcurrentClaims(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyClaim(ctx, claimTx("racer", t0), 24*time.Hour)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrClaimNotEligible) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	acct, err := store.Read(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestStore_ConnectionFailureIsUnavailable(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	mr.Close()

	_, err := store.Read(context.Background(), "u")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)

	_, err = store.ApplyClaim(context.Background(), claimTx("u", t0), 24*time.Hour)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestNew_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "", config.Password)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 10, config.PoolSize)
	assert.Equal(t, 2, config.MinIdleConns)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 3*time.Second, config.ReadTimeout)
	assert.Equal(t, 3*time.Second, config.WriteTimeout)
}
