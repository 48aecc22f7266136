package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rewardledger/core"
	"rewardledger/metrics"
)

// RewardPolicy fixes the daily reward amount and the spacing between claims.
type RewardPolicy struct {
	Amount   int64
	Interval time.Duration
}

// DefaultRewardPolicy returns 100 diamonds every 24 hours.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{Amount: core.DefaultRewardAmount, Interval: core.DefaultClaimInterval}
}

// Eligibility is the answer to "may this user claim now".
type Eligibility struct {
	CanClaim    bool          `json:"can_claim"`
	Remaining   time.Duration `json:"-"`
	NextClaimAt time.Time     `json:"next_claim_at"`
}

// ServiceOption customizes a LedgerService.
type ServiceOption func(*LedgerService)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *LedgerService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *LedgerService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *LedgerService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// LedgerService coordinates balance reads, daily reward claims and
// spend/credit operations on top of a Store, publishing events after commit.
type LedgerService struct {
	store  Store
	bus    *EventBus
	policy RewardPolicy
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

func NewLedgerService(store Store, bus *EventBus, policy RewardPolicy, opts ...ServiceOption) *LedgerService {
	if store == nil || bus == nil {
		panic("NewLedgerService requires non-nil store and bus")
	}
	if policy.Amount <= 0 || policy.Interval <= 0 {
		panic("NewLedgerService requires a positive reward amount and interval")
	}
	s := &LedgerService{
		store:  store,
		bus:    bus,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the configured reward policy.
func (s *LedgerService) Policy() RewardPolicy { return s.policy }

// Subscribe convenience method.
func (s *LedgerService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *LedgerService) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

// Account returns the full account snapshot.
func (s *LedgerService) Account(ctx context.Context, user core.UserID) (core.Account, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.Account{}, err
	}
	return s.read(ctx, normalized)
}

func (s *LedgerService) GetBalance(ctx context.Context, user core.UserID) (int64, error) {
	acct, err := s.Account(ctx, user)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Eligibility evaluates the daily reward window for user at the current time.
func (s *LedgerService) Eligibility(ctx context.Context, user core.UserID) (Eligibility, error) {
	acct, err := s.Account(ctx, user)
	if err != nil {
		return Eligibility{}, err
	}
	now := s.now()
	remaining := core.TimeUntilNext(acct.LastClaimAt, now, s.policy.Interval)
	return Eligibility{
		CanClaim:    core.CanClaim(acct.LastClaimAt, now, s.policy.Interval),
		Remaining:   remaining,
		NextClaimAt: now.Add(remaining),
	}, nil
}

func (s *LedgerService) CanClaimDailyReward(ctx context.Context, user core.UserID) (bool, error) {
	e, err := s.Eligibility(ctx, user)
	if err != nil {
		return false, err
	}
	return e.CanClaim, nil
}

// TimeUntilNextReward returns 0 when the reward can be claimed now.
func (s *LedgerService) TimeUntilNextReward(ctx context.Context, user core.UserID) (time.Duration, error) {
	e, err := s.Eligibility(ctx, user)
	if err != nil {
		return 0, err
	}
	return e.Remaining, nil
}

// ClaimDailyReward credits the policy amount if the interval has elapsed since
// the last claim. An early claim returns a *core.NotEligibleError and changes
// nothing.
func (s *LedgerService) ClaimDailyReward(ctx context.Context, user core.UserID) (core.Account, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.Account{}, err
	}
	tx := core.Transaction{
		ID:        s.newID(),
		UserID:    normalized,
		Type:      core.TxDailyReward,
		Amount:    s.policy.Amount,
		CreatedAt: s.now(),
	}

	started := time.Now()
	acct, err := s.store.ApplyClaim(ctx, tx, s.policy.Interval)
	metrics.ObserveStore("apply_claim", started, storeFailure(err))
	if err != nil {
		var ne *core.NotEligibleError
		if errors.As(err, &ne) {
			metrics.RecordClaim(metrics.OutcomeNotEligible)
			s.logger.DebugContext(ctx, "daily reward not eligible", "user_id", normalized, "remaining", ne.Remaining)
			return core.Account{}, err
		}
		metrics.RecordClaim(metrics.OutcomeError)
		s.logger.ErrorContext(ctx, "daily reward claim failed", "user_id", normalized, "error", err)
		return core.Account{}, err
	}

	metrics.RecordClaim(metrics.OutcomeClaimed)
	metrics.RecordMovement(string(tx.Type), tx.Amount)
	s.logger.InfoContext(ctx, "daily reward claimed", "user_id", normalized, "amount", tx.Amount, "balance", acct.Balance)
	s.bus.Publish(ctx, core.NewRewardClaimed(normalized, tx.Amount, acct.Balance, tx.CreatedAt))
	return acct, nil
}

// Spend debits amount diamonds for a social action such as a match request.
func (s *LedgerService) Spend(ctx context.Context, user core.UserID, amount int64, typ core.TxType, metadata map[string]any) (core.Account, error) {
	if typ == "" {
		typ = core.TxSpend
	}
	if typ == core.TxDailyReward {
		return core.Account{}, fmt.Errorf("%w: daily rewards cannot be spent against", core.ErrInvalidTxType)
	}
	acct, tx, err := s.adjust(ctx, user, -amount, amount, typ, metadata)
	if err != nil {
		return core.Account{}, err
	}
	s.bus.Publish(ctx, core.NewDiamondsSpent(acct.UserID, typ, amount, acct.Balance, tx.CreatedAt))
	return acct, nil
}

// Credit adds diamonds from purchases, ad rewards or admin grants.
func (s *LedgerService) Credit(ctx context.Context, user core.UserID, amount int64, typ core.TxType, metadata map[string]any) (core.Account, error) {
	if typ == "" {
		typ = core.TxAdmin
	}
	if typ == core.TxDailyReward {
		return core.Account{}, fmt.Errorf("%w: daily rewards must be claimed, not credited", core.ErrInvalidTxType)
	}
	acct, tx, err := s.adjust(ctx, user, amount, amount, typ, metadata)
	if err != nil {
		return core.Account{}, err
	}
	s.bus.Publish(ctx, core.NewDiamondsCredited(acct.UserID, typ, amount, acct.Balance, tx.CreatedAt))
	return acct, nil
}

// Transactions lists the user's ledger entries, newest first.
func (s *LedgerService) Transactions(ctx context.Context, user core.UserID, limit int) ([]core.Transaction, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	txs, err := s.store.Transactions(ctx, normalized, limit)
	metrics.ObserveStore("transactions", started, err)
	return txs, err
}

func (s *LedgerService) adjust(ctx context.Context, user core.UserID, delta, amount int64, typ core.TxType, metadata map[string]any) (core.Account, core.Transaction, error) {
	if amount <= 0 {
		return core.Account{}, core.Transaction{}, core.ErrInvalidAmount
	}
	if err := core.ValidateTxType(typ); err != nil {
		return core.Account{}, core.Transaction{}, err
	}
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.Account{}, core.Transaction{}, err
	}
	tx := core.Transaction{
		ID:        s.newID(),
		UserID:    normalized,
		Type:      typ,
		Amount:    delta,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	started := time.Now()
	acct, err := s.store.Adjust(ctx, tx)
	metrics.ObserveStore("adjust", started, storeFailure(err))
	if err != nil {
		s.logger.WarnContext(ctx, "balance adjustment rejected", "user_id", normalized, "type", typ, "delta", delta, "error", err)
		return core.Account{}, core.Transaction{}, err
	}
	metrics.RecordMovement(string(typ), delta)
	s.logger.InfoContext(ctx, "balance adjusted", "user_id", normalized, "type", typ, "delta", delta, "balance", acct.Balance)
	return acct, tx, nil
}

func (s *LedgerService) read(ctx context.Context, user core.UserID) (core.Account, error) {
	started := time.Now()
	acct, err := s.store.Read(ctx, user)
	metrics.ObserveStore("read", started, err)
	return acct, err
}

// storeFailure filters out business rejections so store latency metrics only
// flag real backend errors.
func storeFailure(err error) error {
	if errors.Is(err, core.ErrStorageUnavailable) {
		return err
	}
	return nil
}

func (s *LedgerService) Close() { s.bus.Close() }
