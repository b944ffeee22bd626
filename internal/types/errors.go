package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the aggregation pipeline.
var (
	// Boundary errors
	ErrBeforeEpoch      = errors.New("date precedes calendar epoch")
	ErrUnknownTimeframe = errors.New("unknown timeframe label")
	ErrUnknownScheme    = errors.New("unknown calendar scheme")

	// Data errors
	ErrNoObservations = errors.New("no observations for asset")
	ErrStaleUpstream  = errors.New("upstream bars are stale")
	ErrNoCanonical    = errors.New("no canonical bars available for seeding")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidPeriod = errors.New("invalid ema period")

	// State errors
	ErrWatermarkNotFound = errors.New("watermark not found")
)

// ConsistencyError reports a violated canonical invariant. It is always
// surfaced and never auto-repaired.
type ConsistencyError struct {
	Table      string
	Check      string
	ExampleKey string
	Count      int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation in %s (%s): %d rows, e.g. %s",
		e.Table, e.Check, e.Count, e.ExampleKey)
}

// TransientError wraps store errors that the orchestration boundary may
// retry. The engine fails fast on the current unit and leaves the watermark
// untouched.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable at the orchestration boundary.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
