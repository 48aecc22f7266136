package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Exporter ships aggregated data to an external system.
type Exporter interface {
	Export(ctx context.Context, data []*AggregatedData) error
}

// HTTPExporter posts aggregates as a JSON array to an endpoint.
type HTTPExporter struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPExporter(endpoint, apiKey string, timeout time.Duration) *HTTPExporter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExporter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExporter) Export(ctx context.Context, data []*AggregatedData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send analytics data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("analytics export failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Snapshot returns the daily, weekly and monthly aggregates containing at.
func (ae *AggregationEngine) Snapshot(at time.Time) []*AggregatedData {
	out := make([]*AggregatedData, 0, 3)
	for _, p := range []AggregationPeriod{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		data, err := ae.Aggregate(p, at)
		if err == nil {
			out = append(out, data)
		}
	}
	return out
}

// Start exports a snapshot every interval until ctx is done, plus a final
// snapshot on the way out.
func (ae *AggregationEngine) Start(ctx context.Context, exp Exporter, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	export := func(ctx context.Context) {
		if err := exp.Export(ctx, ae.Snapshot(time.Now())); err != nil {
			logger.WarnContext(ctx, "analytics export failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			export(flushCtx)
			cancel()
			return
		case <-ticker.C:
			export(ctx)
		}
	}
}
