package core

import "time"

const (
	// DefaultRewardAmount is the number of diamonds credited per daily claim.
	DefaultRewardAmount int64 = 100
	// DefaultClaimInterval is the minimum spacing between two successful claims.
	DefaultClaimInterval = 24 * time.Hour
)

// CanClaim reports whether a claim at now is allowed given the previous claim.
// A last claim in the future (clock skew, edited data) is never eligible.
func CanClaim(last *time.Time, now time.Time, interval time.Duration) bool {
	if last == nil {
		return true
	}
	if last.After(now) {
		return false
	}
	return now.Sub(*last) >= interval
}

// TimeUntilNext returns how long until the next claim is allowed, clamped to
// [0, interval].
func TimeUntilNext(last *time.Time, now time.Time, interval time.Duration) time.Duration {
	if CanClaim(last, now, interval) {
		return 0
	}
	elapsed := now.Sub(*last)
	if elapsed < 0 {
		return interval
	}
	remaining := interval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
