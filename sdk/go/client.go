package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rewardledger/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the reward ledger HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
// The /me routes need a JWT here.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// Diamonds is scoped to one user's diamond routes.
type Diamonds struct {
	c    *Client
	base string
	err  error
}

// User returns the diamond routes of userID, authorized by API key.
func (c *Client) User(userID string) *Diamonds {
	if strings.TrimSpace(userID) == "" {
		return &Diamonds{c: c, err: ErrEmptyUserID}
	}
	return &Diamonds{c: c, base: fmt.Sprintf("%s/users/%s/diamonds", c.baseURL, url.PathEscape(userID))}
}

// Me returns the diamond routes of the user named by the bearer token's subject.
func (c *Client) Me() *Diamonds {
	return &Diamonds{c: c, base: c.baseURL + "/me/diamonds"}
}

// Balance returns the current diamond balance.
func (d *Diamonds) Balance(ctx context.Context) (Balance, error) {
	var out Balance
	if d.err != nil {
		return out, d.err
	}
	err := d.c.do(ctx, http.MethodGet, d.base, nil, &out)
	return out, err
}

// Eligibility reports whether the daily reward can be claimed.
func (d *Diamonds) Eligibility(ctx context.Context) (Eligibility, error) {
	var out Eligibility
	if d.err != nil {
		return out, d.err
	}
	err := d.c.do(ctx, http.MethodGet, d.base+"/daily-reward", nil, &out)
	return out, err
}

// ClaimDailyReward claims the daily reward. A claim inside the window fails
// with a *core.NotEligibleError carrying the remaining wait.
func (d *Diamonds) ClaimDailyReward(ctx context.Context) (ClaimResult, error) {
	var out ClaimResult
	if d.err != nil {
		return out, d.err
	}
	err := d.c.do(ctx, http.MethodPost, d.base+"/daily-reward/claim", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if ne, ok := apiErr.notEligible(); ok {
			return out, ne
		}
	}
	return out, err
}

// Spend debits amount diamonds. typ defaults to "spend" on the server when empty.
func (d *Diamonds) Spend(ctx context.Context, m Movement) (Balance, error) {
	var out Balance
	if d.err != nil {
		return out, d.err
	}
	err := d.c.do(ctx, http.MethodPost, d.base+"/spend", m, &out)
	return out, err
}

// Credit adds amount diamonds. The server only accepts it on User accounts
// reached with an API key.
func (d *Diamonds) Credit(ctx context.Context, m Movement) (Balance, error) {
	var out Balance
	if d.err != nil {
		return out, d.err
	}
	err := d.c.do(ctx, http.MethodPost, d.base+"/credit", m, &out)
	return out, err
}

// Transactions lists ledger entries newest first. limit <= 0 uses the server default.
func (d *Diamonds) Transactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	if d.err != nil {
		return nil, d.err
	}
	u := d.base + "/transactions"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out []core.Transaction
	err := d.c.do(ctx, http.MethodGet, u, nil, &out)
	return out, err
}

// Leaderboard returns the top limit balances.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	u := c.baseURL + "/leaderboard"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, u, nil, &out)
	return out, err
}

// Health probes /healthz and returns status + storage check.
// An unhealthy server answers 503 with the same body, which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	var hs HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return HealthStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return hs, &APIError{StatusCode: resp.StatusCode, Code: hs.Status}
	}
	return hs, nil
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan core.Event, error) {
	return c.subscribe(ctx, c.wsURL)
}

// SubscribeUserEvents streams only the events of userID.
func (c *Client) SubscribeUserEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	return c.subscribe(ctx, c.wsURL+"?user_id="+url.QueryEscape(userID))
}

func (c *Client) subscribe(ctx context.Context, wsURL string) (<-chan core.Event, error) {
	if wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, c.headers)
	if err != nil {
		return nil, err
	}

	// unblock ReadJSON when the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	out := make(chan core.Event, 32)
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, u string, body any, target any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, target)
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
