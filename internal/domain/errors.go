package domain

import (
	"errors"
	"fmt"
)

// Error kinds the operations return. Callers branch with errors.Is; the
// store and engines wrap these with context via fmt.Errorf("…: %w", err).
var (
	// ErrNotRegistered is returned when the acting user has no reviewer row.
	ErrNotRegistered = errors.New("user is not registered")

	// ErrNotAuthorized is returned when the acting user's tier does not
	// permit the operation.
	ErrNotAuthorized = errors.New("tier does not permit this operation")

	// ErrQuotaExceeded is returned when a guild or reporter hit its active
	// report quota.
	ErrQuotaExceeded = errors.New("report quota exceeded")

	// ErrOnCooldown is returned when a blocking cooldown is still active.
	ErrOnCooldown = errors.New("operation blocked by active cooldown")

	// ErrDuplicateVote is returned when a reviewer already voted on the
	// report.
	ErrDuplicateVote = errors.New("reviewer already voted on this report")

	// ErrReportClosed is returned when the report is no longer in a state
	// that accepts the operation.
	ErrReportClosed = errors.New("report is not open for this operation")

	// ErrNoSlotAvailable is returned when the report already has the
	// maximum number of outstanding assignments.
	ErrNoSlotAvailable = errors.New("no assignment slot available")

	// ErrAdapterUnreachable is returned when the chat platform adapter is
	// down or its circuit is open.
	ErrAdapterUnreachable = errors.New("chat adapter unreachable")

	// ErrStoreTransient marks a retryable persistence failure.
	ErrStoreTransient = errors.New("transient store failure")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// QuotaError details a quota rejection. It unwraps to ErrQuotaExceeded so
// callers keep branching with errors.Is; PremiumWouldAllow tells the
// gateway whether the premium limits would have admitted the report.
type QuotaError struct {
	Scope             string // "pending" or "in_analysis"
	Count             int
	Limit             int
	PremiumWouldAllow bool
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("guild holds %d %s reports (limit %d): %s", e.Count, e.Scope, e.Limit, ErrQuotaExceeded)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
