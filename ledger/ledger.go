// Package ledger assembles a ready-to-use LedgerService from functional options.
package ledger

import (
	"log/slog"
	"time"

	mem "rewardledger/adapters/memory"
	"rewardledger/analytics"
	"rewardledger/engine"
	"rewardledger/integrations/webhook"
	"rewardledger/leaderboard"
	"rewardledger/realtime"
)

// Option configures the ledger service builder.
type Option func(*config)

type config struct {
	storage engine.Store
	mode    engine.DispatchMode
	policy  engine.RewardPolicy
	hub     *realtime.Hub
	sink    *webhook.Sink
	board   leaderboard.Board
	stats   *analytics.AggregationEngine
	logger  *slog.Logger
	now     func() time.Time
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Store) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithPolicy overrides the reward amount and claim interval.
func WithPolicy(p engine.RewardPolicy) Option { return func(c *config) { c.policy = p } }

// WithRealtime wires a realtime hub to receive all ledger events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithWebhooks forwards all ledger events to the sink.
func WithWebhooks(s *webhook.Sink) Option { return func(c *config) { c.sink = s } }

// WithLeaderboard keeps b ranked by post-commit balances.
func WithLeaderboard(b leaderboard.Board) Option { return func(c *config) { c.board = b } }

// WithAnalytics folds every ledger event into the aggregation engine.
func WithAnalytics(ae *analytics.AggregationEngine) Option { return func(c *config) { c.stats = ae } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// New builds a configured LedgerService. If not provided, defaults are used:
//   - storage: in-memory
//   - policy: 100 diamonds every 24h
//   - dispatch: async
func New(opts ...Option) *engine.LedgerService {
	cfg := &config{mode: engine.DispatchAsync, policy: engine.DefaultRewardPolicy()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	bus := engine.NewEventBus(cfg.mode, engine.WithBusLogger(cfg.logger))
	if cfg.hub != nil {
		bus.SubscribeAll(cfg.hub.Broadcast)
	}
	if cfg.sink != nil {
		bus.SubscribeAll(cfg.sink.OnEvent)
	}
	if cfg.board != nil {
		bus.SubscribeAll(leaderboard.Tracker(cfg.board))
	}
	if cfg.stats != nil {
		bus.SubscribeAll(cfg.stats.OnEvent)
	}
	return engine.NewLedgerService(cfg.storage, bus, cfg.policy,
		engine.WithLogger(cfg.logger),
		engine.WithClock(cfg.now),
	)
}
