package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rewardledger/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"REWARDLEDGER_REDIS_ADDR"`
	Password     string        `json:"password" env:"REWARDLEDGER_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"REWARDLEDGER_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"REWARDLEDGER_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"REWARDLEDGER_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"REWARDLEDGER_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"REWARDLEDGER_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"REWARDLEDGER_REDIS_WRITE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.Store on Redis.
// Data structure:
//   - diamonds:{user_id} -> hash {balance, last_claim_at (unix ms), updated (unix ms)}
//   - diamonds:{user_id}:txs -> list of "<balance_after>|<transaction json>", newest first
//
// The braces make both keys of a user hash to the same cluster slot so the
// scripts below can touch them together.
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", core.Unavailable("ping", err))
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// accountKey generates the Redis key for a user's account hash
func accountKey(userID core.UserID) string {
	return fmt.Sprintf("diamonds:{%s}", userID)
}

// txLogKey generates the Redis key for a user's transaction list
func txLogKey(userID core.UserID) string {
	return fmt.Sprintf("diamonds:{%s}:txs", userID)
}

// Lua script for the conditional daily claim. Timestamps are unix milliseconds so
// they stay exact in Lua's double precision numbers.
// Returns {1, new_balance} on success or {0, last_claim_at} when not eligible.
var claimScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local interval = tonumber(ARGV[2])
	local last = redis.call('HGET', KEYS[1], 'last_claim_at')
	if last then
		last = tonumber(last)
		if last > now or now - last < interval then
			return {0, last}
		end
	end
	local bal = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[3])
	redis.call('HSET', KEYS[1], 'last_claim_at', ARGV[1], 'updated', ARGV[1])
	redis.call('LPUSH', KEYS[2], string.format('%d|%s', bal, ARGV[4]))
	return {1, bal}
`)

// Lua script for a signed balance adjustment that never goes below zero.
// Returns {1, new_balance, last_claim_at} on success or {0, current_balance, -1}
// when insufficient. last_claim_at is -1 for an account that never claimed.
var adjustScript = redis.NewScript(`
	local delta = tonumber(ARGV[1])
	local bal = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
	if bal + delta < 0 then
		return {0, bal, -1}
	end
	local next_bal = redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
	redis.call('HSET', KEYS[1], 'updated', ARGV[2])
	redis.call('LPUSH', KEYS[2], string.format('%d|%s', next_bal, ARGV[3]))
	local last = redis.call('HGET', KEYS[1], 'last_claim_at')
	return {1, next_bal, tonumber(last or '-1')}
`)

// Read returns the stored account or a fresh default without writing anything.
func (s *Store) Read(ctx context.Context, userID core.UserID) (core.Account, error) {
	fields, err := s.client.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return core.Account{}, core.Unavailable("read account", err)
	}
	return accountFromHash(userID, fields)
}

// ApplyClaim runs the claim script so the eligibility check and the update are one step.
func (s *Store) ApplyClaim(ctx context.Context, tx core.Transaction, interval time.Duration) (core.Account, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return core.Account{}, err
	}
	now := tx.CreatedAt.UnixMilli()
	keys := []string{accountKey(tx.UserID), txLogKey(tx.UserID)}
	res, err := claimScript.Run(ctx, s.client, keys, now, interval.Milliseconds(), tx.Amount, string(payload)).Int64Slice()
	if err != nil {
		return core.Account{}, core.Unavailable("apply claim", err)
	}
	if len(res) != 2 {
		return core.Account{}, errors.New("unexpected result from claim script")
	}
	if res[0] == 0 {
		last := time.UnixMilli(res[1]).UTC()
		return core.Account{}, core.NewNotEligible(&last, tx.CreatedAt, interval)
	}
	claimedAt := time.UnixMilli(now).UTC()
	return core.Account{UserID: tx.UserID, Balance: res[1], LastClaimAt: &claimedAt, Updated: claimedAt}, nil
}

// Adjust applies a signed balance change and appends it to the transaction list.
func (s *Store) Adjust(ctx context.Context, tx core.Transaction) (core.Account, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return core.Account{}, err
	}
	keys := []string{accountKey(tx.UserID), txLogKey(tx.UserID)}
	res, err := adjustScript.Run(ctx, s.client, keys, tx.Amount, tx.CreatedAt.UnixMilli(), string(payload)).Int64Slice()
	if err != nil {
		return core.Account{}, core.Unavailable("adjust balance", err)
	}
	if len(res) != 3 {
		return core.Account{}, errors.New("unexpected result from adjust script")
	}
	if res[0] == 0 {
		return core.Account{}, core.ErrInsufficientBalance
	}
	acct := core.Account{UserID: tx.UserID, Balance: res[1], Updated: time.UnixMilli(tx.CreatedAt.UnixMilli()).UTC()}
	if res[2] >= 0 {
		last := time.UnixMilli(res[2]).UTC()
		acct.LastClaimAt = &last
	}
	return acct, nil
}

// Transactions returns up to limit ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, userID core.UserID, limit int) ([]core.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, txLogKey(userID), 0, stop).Result()
	if err != nil {
		return nil, core.Unavailable("list transactions", err)
	}
	out := make([]core.Transaction, 0, len(raw))
	for _, entry := range raw {
		tx, err := decodeTxEntry(entry)
		if err != nil {
			continue // Skip invalid entries
		}
		out = append(out, tx)
	}
	return out, nil
}

func accountFromHash(userID core.UserID, fields map[string]string) (core.Account, error) {
	acct := core.NewAccount(userID)
	if len(fields) == 0 {
		return acct, nil
	}
	if v, ok := fields["balance"]; ok {
		bal, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return core.Account{}, fmt.Errorf("corrupt balance for %s: %w", userID, err)
		}
		acct.Balance = bal
	}
	if v, ok := fields["last_claim_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return core.Account{}, fmt.Errorf("corrupt last_claim_at for %s: %w", userID, err)
		}
		ts := time.UnixMilli(ms).UTC()
		acct.LastClaimAt = &ts
	}
	if v, ok := fields["updated"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			acct.Updated = time.UnixMilli(ms).UTC()
		}
	}
	return acct, nil
}

// decodeTxEntry splits a "<balance_after>|<json>" list entry.
func decodeTxEntry(entry string) (core.Transaction, error) {
	balance, payload, ok := strings.Cut(entry, "|")
	if !ok {
		return core.Transaction{}, errors.New("malformed transaction entry")
	}
	var tx core.Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return core.Transaction{}, err
	}
	after, err := strconv.ParseInt(balance, 10, 64)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.BalanceAfter = after
	return tx, nil
}
