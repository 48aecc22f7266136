package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rewardledger/core"
)

// Balance is the response of the balance, spend and credit routes.
type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// Eligibility reports whether the daily reward can be claimed now.
type Eligibility struct {
	CanClaim             bool      `json:"can_claim"`
	TimeUntilNextSeconds int64     `json:"time_until_next_seconds"`
	NextClaimAt          time.Time `json:"next_claim_at"`
}

// TimeUntilNext returns the remaining wait as a duration.
func (e Eligibility) TimeUntilNext() time.Duration {
	return time.Duration(e.TimeUntilNextSeconds) * time.Second
}

// ClaimResult is returned by a successful daily reward claim.
type ClaimResult struct {
	UserID      string     `json:"user_id"`
	Balance     int64      `json:"balance"`
	Amount      int64      `json:"amount"`
	LastClaimAt *time.Time `json:"last_claim_at,omitempty"`
	NextClaimAt time.Time  `json:"next_claim_at"`
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Rank    int    `json:"rank"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Movement describes a spend or credit request.
type Movement struct {
	Amount   int64          `json:"amount"`
	Type     core.TxType    `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// APIError is a non-2xx response decoded from the server's error envelope.
// errors.Is matches it against the core sentinel errors by code.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "claim_not_eligible":
		return target == core.ErrClaimNotEligible
	case "insufficient_balance":
		return target == core.ErrInsufficientBalance
	case "storage_unavailable":
		return target == core.ErrStorageUnavailable
	case "invalid_amount":
		return target == core.ErrInvalidAmount
	case "invalid_type":
		return target == core.ErrInvalidTxType
	case "invalid_user":
		return target == core.ErrEmptyUserID
	}
	return false
}

// notEligible converts a claim rejection into the typed core error.
func (e *APIError) notEligible() (*core.NotEligibleError, bool) {
	if e.Code != "claim_not_eligible" || len(e.Details) == 0 {
		return nil, false
	}
	var d struct {
		TimeUntilNextSeconds int64     `json:"time_until_next_seconds"`
		NextClaimAt          time.Time `json:"next_claim_at"`
	}
	if err := json.Unmarshal(e.Details, &d); err != nil {
		return nil, false
	}
	return &core.NotEligibleError{
		Remaining:   time.Duration(d.TimeUntilNextSeconds) * time.Second,
		NextClaimAt: d.NextClaimAt,
	}, true
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
