package metrics

import (
	"time"

	"github.com/tathienbao/barsmith/internal/types"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordBars records bar rows written for a timeframe.
func (r *Recorder) RecordBars(timeframe string, rows int) {
	BarsWritten.WithLabelValues(timeframe).Add(float64(rows))
}

// RecordEmaRows records EMA rows written for a timeframe.
func (r *Recorder) RecordEmaRows(timeframe string, rows int) {
	EmaRowsWritten.WithLabelValues(timeframe).Add(float64(rows))
}

// RecordUnit records the outcome of one unit of work.
func (r *Recorder) RecordUnit(stage string, status types.KeyStatus) {
	UnitsTotal.WithLabelValues(stage, status.String()).Inc()
}

// RecordRebuild records a full rebuild decision.
func (r *Recorder) RecordRebuild(stage, timeframe string) {
	RebuildsTotal.WithLabelValues(stage, timeframe).Inc()
}

// RecordReject records a reject-log entry.
func (r *Recorder) RecordReject(reason types.RejectReason) {
	RejectsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordViolations records the latest count for one consistency check.
func (r *Recorder) RecordViolations(table, check string, rows int) {
	ConsistencyViolations.WithLabelValues(table, check).Set(float64(rows))
}

// RecordRunFinished records a completed pipeline run.
func (r *Recorder) RecordRunFinished(duration time.Duration) {
	RunDuration.Observe(duration.Seconds())
	LastRunTimestamp.Set(float64(time.Now().Unix()))
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveUnit observes the elapsed time as unit duration for a stage.
func (t *Timer) ObserveUnit(stage string) {
	UnitDuration.WithLabelValues(stage).Observe(t.Elapsed().Seconds())
}
