// Package types defines shared types used across the aggregation pipeline.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Alignment describes how a timeframe's windows are placed on the calendar.
type Alignment int

const (
	// AlignFixed tiles windows of a fixed day count from a global epoch.
	AlignFixed Alignment = iota
	// AlignCalendar uses literal calendar boundaries and skips incomplete
	// leading windows.
	AlignCalendar
	// AlignAnchored uses calendar boundaries but emits partial windows at the
	// start of a series and for the currently forming period.
	AlignAnchored
)

func (a Alignment) String() string {
	switch a {
	case AlignFixed:
		return "fixed"
	case AlignCalendar:
		return "calendar"
	case AlignAnchored:
		return "anchored"
	default:
		return "unknown"
	}
}

// Scheme selects the calendar convention for calendar-aligned timeframes.
type Scheme int

const (
	// SchemeNone is used by fixed-day-count timeframes.
	SchemeNone Scheme = iota
	// SchemeUSWeek places week boundaries on Sunday.
	SchemeUSWeek
	// SchemeISOWeek places week boundaries on Monday.
	SchemeISOWeek
	// SchemeMonth uses literal month boundaries.
	SchemeMonth
	// SchemeQuarter uses literal quarter boundaries.
	SchemeQuarter
	// SchemeYear uses literal year boundaries.
	SchemeYear
)

func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "none"
	case SchemeUSWeek:
		return "us_week"
	case SchemeISOWeek:
		return "iso_week"
	case SchemeMonth:
		return "month"
	case SchemeQuarter:
		return "quarter"
	case SchemeYear:
		return "year"
	default:
		return "unknown"
	}
}

// Observation is one raw daily record for an asset. Timestamps are day-close
// dates normalized to midnight UTC.
type Observation struct {
	AssetID   string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	MarketCap decimal.Decimal
}

// Bar is one aggregated OHLCV window for an (asset, timeframe).
type Bar struct {
	AssetID   string
	Timeframe string
	Seq       int64
	DayCount  int
	TimeOpen  time.Time
	TimeClose time.Time
	TimeHigh  time.Time
	TimeLow   time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	MarketCap decimal.Decimal
	// IsPartialEnd is true only for the currently forming, not yet closed
	// window. Bars with IsPartialEnd=false are canonical.
	IsPartialEnd bool
	IngestedAt   time.Time
}

// Canonical reports whether the bar represents a fully closed window.
func (b Bar) Canonical() bool {
	return !b.IsPartialEnd
}

// EmaPoint is one daily EMA row for an (asset, timeframe, period).
// Ema is the continuous daily-space value; EmaBar is the bar-space value and
// is nil for variants that have no bar series. Derivative fields are nil
// until enough history exists to difference.
type EmaPoint struct {
	AssetID   string
	Timeframe string
	Period    int
	Timestamp time.Time
	Ema       float64
	EmaBar    *float64
	// Roll is false only on a true canonical boundary for the timeframe.
	Roll       bool
	D1         *float64
	D2         *float64
	D1Roll     *float64
	D2Roll     *float64
	IngestedAt time.Time
}

// WatermarkState records per-key progress consumed and updated by the
// engines to drive incremental refresh. Period is zero for bar keys.
type WatermarkState struct {
	AssetID         string
	Timeframe       string
	Period          int
	DailyMinSeen    time.Time
	DailyMaxSeen    time.Time
	LastTimeClose   time.Time
	LastCanonicalTS time.Time
	LastBarSeq      int64
	UpdatedAt       time.Time
}

// RejectReason classifies entries in the reject log.
type RejectReason string

const (
	// RejectNullRow marks a source row with missing required fields.
	RejectNullRow RejectReason = "null_row"
	// RejectNegativePrice marks a source row with a negative price.
	RejectNegativePrice RejectReason = "negative_price"
	// RejectOHLCRepaired marks a row whose high/low were swapped to restore
	// the OHLC ordering invariant. The row itself is kept.
	RejectOHLCRepaired RejectReason = "ohlc_repaired"
	// RejectGap marks a canonical window with fewer underlying observations
	// than its span requires.
	RejectGap RejectReason = "gap"
	// RejectDuplicateTS marks a source row whose timestamp was already seen.
	RejectDuplicateTS RejectReason = "duplicate_ts"
)

// RejectEntry is one appended audit record for a dropped or repaired row.
type RejectEntry struct {
	AssetID    string
	Timeframe  string
	Timestamp  time.Time
	Reason     RejectReason
	RawPayload string
	LoggedAt   time.Time
}

// RunMode is the refresh mode an engine chose for a key.
type RunMode int

const (
	// ModeRebuild recomputes the key from the earliest observation.
	ModeRebuild RunMode = iota
	// ModeIncremental recomputes from the watermark minus a lookback buffer.
	ModeIncremental
)

func (m RunMode) String() string {
	if m == ModeRebuild {
		return "rebuild"
	}
	return "incremental"
}

// KeyStatus is the outcome for one (asset, timeframe[, period]) unit.
type KeyStatus int

const (
	KeyStatusSuccess KeyStatus = iota
	KeyStatusFailed
	KeyStatusSkipped
)

func (s KeyStatus) String() string {
	switch s {
	case KeyStatusSuccess:
		return "success"
	case KeyStatusFailed:
		return "failed"
	case KeyStatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// KeyResult records the outcome of one unit of work.
type KeyResult struct {
	AssetID     string
	Timeframe   string
	Period      int
	Stage       string
	Status      KeyStatus
	Mode        RunMode
	RowsWritten int
	RangeFrom   time.Time
	RangeTo     time.Time
	Err         string
}

// RunSummary is the per-run report consumed by logging and alerting.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []KeyResult
	Warnings   []string
}

// Counts returns the number of succeeded, failed and skipped units.
func (s *RunSummary) Counts() (success, failed, skipped int) {
	for _, r := range s.Results {
		switch r.Status {
		case KeyStatusSuccess:
			success++
		case KeyStatusFailed:
			failed++
		case KeyStatusSkipped:
			skipped++
		}
	}
	return
}

// RowsWritten returns the total rows written across all units.
func (s *RunSummary) RowsWritten() int {
	total := 0
	for _, r := range s.Results {
		total += r.RowsWritten
	}
	return total
}

// FailedAssets returns the asset ids that failed at any stage. Dependent
// stages exclude these ids.
func (s *RunSummary) FailedAssets() map[string]bool {
	failed := make(map[string]bool)
	for _, r := range s.Results {
		if r.Status == KeyStatusFailed {
			failed[r.AssetID] = true
		}
	}
	return failed
}
