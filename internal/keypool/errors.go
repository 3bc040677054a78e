package keypool

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pool. Callers should compare with
// errors.Is, since several are wrapped with additional context.
var (
	// ErrPoolEmpty means no keys are loaded for this pool.
	ErrPoolEmpty = errors.New("keypool: pool is empty")

	// ErrNoValidKey means the current precheck buffer finished filling
	// but holds no valid key; the Selector then falls back to legacy
	// selection.
	ErrNoValidKey = errors.New("keypool: no valid key available")

	// ErrRetriesExhausted means HandleAPIFailure was called with
	// retriesSoFar >= the configured retry budget.
	ErrRetriesExhausted = errors.New("keypool: retries exhausted, giving up")

	// ErrPrecheckBusy means a manual trigger was rejected because a
	// precheck fill is already in progress.
	ErrPrecheckBusy = errors.New("keypool: precheck already in progress")

	// ErrPrecheckTimeout means a caller waited past the bounded precheck
	// wait budget without the buffer becoming ready.
	ErrPrecheckTimeout = errors.New("keypool: precheck wait timed out")

	// ErrInvalidConfig means a precheck config update was rejected.
	ErrInvalidConfig = errors.New("keypool: invalid precheck configuration")

	// ErrPrecheckDisabled means a precheck operation was requested while
	// prechecking is turned off.
	ErrPrecheckDisabled = errors.New("keypool: prechecking is disabled")
)

func errInvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}
