package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"rewardledger/adapters/jsonfile"
	mem "rewardledger/adapters/memory"
	redisAdapter "rewardledger/adapters/redis"
	sqlxAdapter "rewardledger/adapters/sqlx"
	"rewardledger/analytics"
	"rewardledger/api/httpapi"
	"rewardledger/config"
	"rewardledger/engine"
	"rewardledger/integrations/webhook"
	"rewardledger/leaderboard"
	"rewardledger/ledger"
	"rewardledger/metrics"
	"rewardledger/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Hub       *realtime.Hub
	Service   *engine.LedgerService
	Analytics *analytics.AggregationEngine
	Handler   http.Handler
	Server    *http.Server
	Metrics   *MetricsServer
}

// MetricsServer serves Prometheus metrics on a separate listener.
// A nil *MetricsServer means metrics are disabled.
type MetricsServer struct {
	*http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.LoadSecretsFromEnv(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideLeaderboard() leaderboard.Board {
	return leaderboard.NewSkipList()
}

func provideWebhooks(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	if len(cfg.Webhooks.Endpoints) == 0 {
		return nil
	}
	return webhook.New(cfg.Webhooks.Endpoints,
		webhook.WithTimeout(cfg.Webhooks.Timeout),
		webhook.WithLogger(logger),
	)
}

func provideAnalytics(cfg *config.Config) *analytics.AggregationEngine {
	if !cfg.Analytics.Enabled {
		return nil
	}
	return analytics.NewAggregationEngine(cfg.Analytics.Retention)
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Store, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideService(cfg *config.Config, logger *slog.Logger, hub *realtime.Hub, board leaderboard.Board, sink *webhook.Sink, stats *analytics.AggregationEngine, store engine.Store) (*engine.LedgerService, func()) {
	svc := ledger.New(
		ledger.WithStorage(store),
		ledger.WithPolicy(engine.RewardPolicy{Amount: cfg.Reward.Amount, Interval: cfg.Reward.Interval}),
		ledger.WithRealtime(hub),
		ledger.WithLeaderboard(board),
		ledger.WithWebhooks(sink),
		ledger.WithAnalytics(stats),
		ledger.WithLogger(logger),
		ledger.WithDispatchMode(engine.DispatchAsync),
	)
	return svc, svc.Close
}

func provideHandler(svc *engine.LedgerService, hub *realtime.Hub, board leaderboard.Board, stats *analytics.AggregationEngine, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		JWTSecret:        cfg.Security.JWTSecret,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Leaderboard:      board,
		Stats:            stats,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config) *MetricsServer {
	if !cfg.Metrics.Enabled {
		return nil
	}
	if cfg.Metrics.CollectSystem {
		metrics.RegisterSystemCollectors()
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, metrics.Handler())
	return &MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler).With("service", "rewardledger")
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the configured store and its cleanup.
func setupStorage(_ context.Context, cfg *config.Config, logger *slog.Logger) (engine.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case "memory":
		logger.Warn("using in-memory storage; balances are lost on restart")
		return mem.New(), noop, nil
	case "redis":
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sql":
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "file":
		s, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}
