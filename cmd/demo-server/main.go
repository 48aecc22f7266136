package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	mem "rewardledger/adapters/memory"
	ws "rewardledger/adapters/websocket"
	"rewardledger/core"
	"rewardledger/engine"
	"rewardledger/realtime"
)

// demoInterval keeps the daily reward window short enough to watch.
const demoInterval = time.Minute

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(textHandler))

	store := mem.New()
	bus := engine.NewEventBus(engine.DispatchAsync)
	svc := engine.NewLedgerService(store, bus, engine.RewardPolicy{Amount: core.DefaultRewardAmount, Interval: demoInterval})
	defer svc.Close()
	hub := realtime.NewHub()

	// Forward ledger events to WebSocket clients
	bus.SubscribeAll(hub.Broadcast)
	bus.SubscribeAll(func(ctx context.Context, e core.Event) {
		slog.InfoContext(ctx, "event", "type", e.Type, "user_id", e.UserID, "delta", e.Delta, "balance", e.Balance)
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler(hub))
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		acct, err := svc.Account(r.Context(), core.UserID(r.PathValue("id")))
		if err != nil {
			writeErr(w, err)
			return
		}
		elig, _ := svc.Eligibility(r.Context(), acct.UserID)
		writeJSON(w, map[string]any{"account": acct, "eligibility": elig})
	})
	mux.HandleFunc("POST /users/{id}/claim", func(w http.ResponseWriter, r *http.Request) {
		acct, err := svc.ClaimDailyReward(r.Context(), core.UserID(r.PathValue("id")))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, acct)
	})
	// /users/{id}/spend?amount=10
	mux.HandleFunc("POST /users/{id}/spend", func(w http.ResponseWriter, r *http.Request) {
		amount, _ := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
		acct, err := svc.Spend(r.Context(), core.UserID(r.PathValue("id")), amount, core.TxMatchRequest, nil)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, acct)
	})

	slog.Info("starting demo server on :8080", "reward_interval", demoInterval)

	if err := http.ListenAndServe(":8080", mux); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var ne *core.NotEligibleError
	switch {
	case errors.As(err, &ne):
		status = http.StatusConflict
		w.Header().Set("Retry-After", strconv.FormatInt(int64(ne.Remaining.Seconds())+1, 10))
	case errors.Is(err, core.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, core.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
