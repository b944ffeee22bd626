// Package calendar resolves timeframe window boundaries. All functions are
// pure and operate on dates normalized to midnight UTC.
package calendar

import (
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
)

// Epochs anchoring the boundary math. Dates before these are rejected.
var (
	// FixedEpoch is the origin of fixed-day-count tiling.
	FixedEpoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	// USWeekRef is a fixed Sunday reference. US-week boundaries fall on
	// Sundays offset by whole weeks from it.
	USWeekRef = time.Date(1970, 1, 4, 0, 0, 0, 0, time.UTC)
	// ISOWeekRef is a fixed Monday reference. ISO-week boundaries fall on
	// Mondays offset by whole weeks from it.
	ISOWeekRef = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
)

// BoundaryError reports a date outside the resolvable range. It indicates a
// programming-contract violation, not a runtime condition to recover from.
type BoundaryError struct {
	Date time.Time
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("boundary error: %s precedes calendar epoch", e.Date.Format("2006-01-02"))
}

func (e *BoundaryError) Unwrap() error {
	return types.ErrBeforeEpoch
}

// Window returns the enclosing window [start, end] (inclusive dates) for d
// under the given timeframe spec.
func Window(d time.Time, spec timeframe.Spec) (start, end time.Time, err error) {
	d = Normalize(d)
	switch spec.Alignment {
	case types.AlignFixed:
		return fixedWindow(d, spec.NominalDays)
	case types.AlignCalendar, types.AlignAnchored:
		return schemeWindow(d, spec.Scheme)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("window: unknown alignment %v", spec.Alignment)
	}
}

// Next returns the window immediately following [_, end].
func Next(end time.Time, spec timeframe.Spec) (time.Time, time.Time, error) {
	return Window(Normalize(end).AddDate(0, 0, 1), spec)
}

// Normalize truncates a timestamp to its UTC date.
func Normalize(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole days from a to b. Both must be normalized.
func DaysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

func fixedWindow(d time.Time, n int) (time.Time, time.Time, error) {
	days := DaysBetween(FixedEpoch, d)
	if days < 0 {
		return time.Time{}, time.Time{}, &BoundaryError{Date: d}
	}
	k := days / n
	start := FixedEpoch.AddDate(0, 0, k*n)
	end := start.AddDate(0, 0, n-1)
	return start, end, nil
}

func schemeWindow(d time.Time, scheme types.Scheme) (time.Time, time.Time, error) {
	switch scheme {
	case types.SchemeUSWeek:
		return weekWindow(d, USWeekRef)
	case types.SchemeISOWeek:
		return weekWindow(d, ISOWeekRef)
	case types.SchemeMonth:
		return monthWindow(d)
	case types.SchemeQuarter:
		return quarterWindow(d)
	case types.SchemeYear:
		return yearWindow(d)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("window: %w: %v", types.ErrUnknownScheme, scheme)
	}
}

// weekWindow returns the 7-day window whose close boundary is the first
// reference weekday on or after d. The window runs from end-6 through end, so
// the boundary itself carries the weekly close.
func weekWindow(d, ref time.Time) (time.Time, time.Time, error) {
	delta := DaysBetween(ref, d)
	if delta < 0 {
		return time.Time{}, time.Time{}, &BoundaryError{Date: d}
	}
	end := d
	if rem := delta % 7; rem != 0 {
		end = d.AddDate(0, 0, 7-rem)
	}
	return end.AddDate(0, 0, -6), end, nil
}

// Month, quarter and year boundaries are scheme-agnostic: identical under the
// US and ISO conventions.

func monthWindow(d time.Time) (time.Time, time.Time, error) {
	if d.Before(FixedEpoch) {
		return time.Time{}, time.Time{}, &BoundaryError{Date: d}
	}
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return start, end, nil
}

func quarterWindow(d time.Time) (time.Time, time.Time, error) {
	if d.Before(FixedEpoch) {
		return time.Time{}, time.Time{}, &BoundaryError{Date: d}
	}
	qm := time.Month((int(d.Month())-1)/3*3 + 1)
	start := time.Date(d.Year(), qm, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, -1)
	return start, end, nil
}

func yearWindow(d time.Time) (time.Time, time.Time, error) {
	if d.Before(FixedEpoch) {
		return time.Time{}, time.Time{}, &BoundaryError{Date: d}
	}
	start := time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(d.Year(), 12, 31, 0, 0, 0, 0, time.UTC)
	return start, end, nil
}

// SpanDays returns the inclusive day count of [start, end].
func SpanDays(start, end time.Time) int {
	return DaysBetween(start, end) + 1
}
