package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	wsadapter "rewardledger/adapters/websocket"
	"rewardledger/analytics"
	"rewardledger/core"
	"rewardledger/engine"
	"rewardledger/leaderboard"
	"rewardledger/metrics"
	"rewardledger/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key
	// on the /users, /leaderboard and /ws routes.
	APIKeys []string
	// JWTSecret, if non-empty, enables the /me routes authenticated by HS256 tokens
	// whose sub claim is the user id.
	JWTSecret string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how long an idle client's bucket is kept.
	RateLimitCleanup time.Duration
	// Leaderboard, if set, is served at /leaderboard.
	Leaderboard leaderboard.Board
	// Stats, if set, serves economy aggregates at /stats/{period}.
	Stats *analytics.AggregationEngine
	// Logger receives access logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewMux builds an http.Handler exposing the diamond ledger REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/users/{id}/diamonds
//   - GET  {prefix}/users/{id}/diamonds/daily-reward
//   - POST {prefix}/users/{id}/diamonds/daily-reward/claim
//   - POST {prefix}/users/{id}/diamonds/spend
//   - POST {prefix}/users/{id}/diamonds/credit
//   - GET  {prefix}/users/{id}/diamonds/transactions?limit=N
//   - GET  {prefix}/me/diamonds... (same routes except credit, user from JWT)
//   - GET  {prefix}/leaderboard?limit=N
//   - GET  {prefix}/stats/{daily|weekly|monthly}?date=YYYY-MM-DD
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws
func NewMux(svc *engine.LedgerService, hub *realtime.Hub, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, board: opts.Leaderboard, stats: opts.Stats}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if opts.AllowCORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{opts.AllowCORSOrigin},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	api := chi.NewRouter()
	api.Get("/healthz", h.healthz)

	api.Group(func(r chi.Router) {
		if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
			r.Use(newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup, logger).Handler)
		}

		// The websocket upgrade needs the raw writer, so it skips the instrumented group.
		if hub != nil {
			r.Group(func(r chi.Router) {
				if len(opts.APIKeys) > 0 {
					r.Use(apiKeyAuth(opts.APIKeys))
				}
				r.Handle("/ws", wsadapter.Handler(hub))
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(metrics.InstrumentHandler)
			r.Use(accessLog(logger))

			r.Group(func(r chi.Router) {
				if len(opts.APIKeys) > 0 {
					r.Use(apiKeyAuth(opts.APIKeys))
				}
				r.Route("/users/{id}/diamonds", func(r chi.Router) {
					h.diamondRoutes(r, userFromPath)
					r.Post("/credit", h.withUser(userFromPath, h.credit))
				})
				r.Get("/leaderboard", h.leaderboard)
				r.Get("/stats/{period}", h.economyStats)
			})

			if opts.JWTSecret != "" {
				r.Group(func(r chi.Router) {
					r.Use(jwtAuth([]byte(opts.JWTSecret)))
					r.Route("/me/diamonds", func(r chi.Router) {
						h.diamondRoutes(r, userFromToken)
					})
				})
			}
		})
	})

	if opts.PathPrefix == "" || opts.PathPrefix == "/" {
		r.Mount("/", api)
	} else {
		r.Mount(trimSlash(opts.PathPrefix), api)
	}
	return r
}

type userResolver func(*http.Request) (core.UserID, error)

func userFromPath(r *http.Request) (core.UserID, error) {
	return core.NormalizeUserID(core.UserID(chi.URLParam(r, "id")))
}

type handler struct {
	svc   *engine.LedgerService
	board leaderboard.Board
	stats *analytics.AggregationEngine
}

// diamondRoutes mounts the routes an end user may call for their own account.
// Credits are granted by trusted backends only.
func (h *handler) diamondRoutes(r chi.Router, user userResolver) {
	r.Get("/", h.withUser(user, h.balance))
	r.Get("/daily-reward", h.withUser(user, h.eligibility))
	r.Post("/daily-reward/claim", h.withUser(user, h.claim))
	r.Post("/spend", h.withUser(user, h.spend))
	r.Get("/transactions", h.withUser(user, h.transactions))
}

func (h *handler) withUser(resolve userResolver, fn func(http.ResponseWriter, *http.Request, core.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := resolve(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
			return
		}
		fn(w, r, user)
	}
}

type balanceResponse struct {
	UserID  core.UserID `json:"user_id"`
	Balance int64       `json:"balance"`
}

type eligibilityResponse struct {
	CanClaim             bool      `json:"can_claim"`
	TimeUntilNextSeconds int64     `json:"time_until_next_seconds"`
	NextClaimAt          time.Time `json:"next_claim_at"`
}

type claimResponse struct {
	UserID      core.UserID `json:"user_id"`
	Balance     int64       `json:"balance"`
	Amount      int64       `json:"amount"`
	LastClaimAt *time.Time  `json:"last_claim_at,omitempty"`
	NextClaimAt time.Time   `json:"next_claim_at"`
}

type movementRequest struct {
	Amount   int64          `json:"amount"`
	Type     core.TxType    `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request, user core.UserID) {
	bal, err := h.svc.GetBalance(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, balanceResponse{UserID: user, Balance: bal})
}

func (h *handler) eligibility(w http.ResponseWriter, r *http.Request, user core.UserID) {
	e, err := h.svc.Eligibility(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, eligibilityResponse{
		CanClaim:             e.CanClaim,
		TimeUntilNextSeconds: seconds(e.Remaining),
		NextClaimAt:          e.NextClaimAt,
	})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request, user core.UserID) {
	acct, err := h.svc.ClaimDailyReward(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	policy := h.svc.Policy()
	resp := claimResponse{
		UserID:      acct.UserID,
		Balance:     acct.Balance,
		Amount:      policy.Amount,
		LastClaimAt: acct.LastClaimAt,
	}
	if acct.LastClaimAt != nil {
		resp.NextClaimAt = acct.LastClaimAt.Add(policy.Interval)
	}
	writeJSON(w, resp)
}

func (h *handler) spend(w http.ResponseWriter, r *http.Request, user core.UserID) {
	var req movementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := h.svc.Spend(r.Context(), user, req.Amount, req.Type, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, balanceResponse{UserID: acct.UserID, Balance: acct.Balance})
}

func (h *handler) credit(w http.ResponseWriter, r *http.Request, user core.UserID) {
	var req movementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := h.svc.Credit(r.Context(), user, req.Amount, req.Type, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, balanceResponse{UserID: acct.UserID, Balance: acct.Balance})
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request, user core.UserID) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}
	txs, err := h.svc.Transactions(r.Context(), user, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, txs)
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusNotFound, "not_found", "leaderboard disabled", nil)
		return
	}
	limit, ok := parseLimit(w, r, 10)
	if !ok {
		return
	}
	entries := h.board.TopN(limit)
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	writeJSON(w, entries)
}

func (h *handler) economyStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusNotFound, "not_found", "stats disabled", nil)
		return
	}
	period, err := analytics.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", err.Error(), nil)
		return
	}
	at := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		at, err = time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD", nil)
			return
		}
	}
	data, err := h.stats.Aggregate(period, at)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", err.Error(), nil)
		return
	}
	writeJSON(w, data)
}

// healthz verifies the store answers a read for a probe user.
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.GetBalance(r.Context(), core.UserID("healthcheck_probe"))

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Helpers

// seconds rounds up so clients never retry a moment too early.
func seconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer between 1 and 1000", nil)
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return false
	}
	return true
}

func trimSlash(p string) string {
	if p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: msg, Details: details})
}

// writeServiceError maps ledger errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var ne *core.NotEligibleError
	switch {
	case errors.As(err, &ne):
		writeError(w, http.StatusConflict, "claim_not_eligible", err.Error(), map[string]any{
			"time_until_next_seconds": seconds(ne.Remaining),
			"next_claim_at":           ne.NextClaimAt,
		})
	case errors.Is(err, core.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "insufficient_balance", err.Error(), nil)
	case errors.Is(err, core.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable", nil)
	case errors.Is(err, core.ErrEmptyUserID):
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidTxType):
		writeError(w, http.StatusBadRequest, "invalid_type", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
