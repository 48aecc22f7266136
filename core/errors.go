package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClaimNotEligible is matched by *NotEligibleError.
	ErrClaimNotEligible = errors.New("daily reward already claimed")

	// ErrStorageUnavailable marks failures of the backing store. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInsufficientBalance = errors.New("insufficient diamond balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrEmptyUserID         = errors.New("empty user id")
	ErrInvalidTxType       = errors.New("invalid transaction type")
)

// NotEligibleError reports a claim attempted inside the eligibility window.
// It carries the remaining wait so callers need no second round trip.
type NotEligibleError struct {
	Remaining   time.Duration
	NextClaimAt time.Time
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%s: next claim in %s", ErrClaimNotEligible, e.Remaining.Round(time.Second))
}

func (e *NotEligibleError) Is(target error) bool { return target == ErrClaimNotEligible }

// NewNotEligible builds the rejection for a claim evaluated at now.
func NewNotEligible(last *time.Time, now time.Time, interval time.Duration) *NotEligibleError {
	remaining := TimeUntilNext(last, now, interval)
	return &NotEligibleError{Remaining: remaining, NextClaimAt: now.Add(remaining)}
}

// StorageError wraps a backend failure so that errors.Is(err, ErrStorageUnavailable)
// holds while the driver error stays reachable through errors.As/Unwrap.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// Unavailable wraps err as a StorageError for operation op. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
