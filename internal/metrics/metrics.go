// Package metrics exposes Prometheus instrumentation for the derivation
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BarsWritten counts bar rows written, by timeframe.
	BarsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barsmith_bars_written_total",
		Help: "Bar rows written to the store",
	}, []string{"timeframe"})

	// EmaRowsWritten counts EMA rows written, by timeframe.
	EmaRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barsmith_ema_rows_written_total",
		Help: "EMA rows written to the store",
	}, []string{"timeframe"})

	// UnitsTotal counts units of work by stage and outcome.
	UnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barsmith_units_total",
		Help: "Units of work processed, by stage and status",
	}, []string{"stage", "status"})

	// RebuildsTotal counts full rebuilds chosen over incremental refresh.
	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barsmith_rebuilds_total",
		Help: "Full rebuilds performed, by stage and timeframe",
	}, []string{"stage", "timeframe"})

	// RejectsTotal counts reject-log entries by reason.
	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barsmith_rejects_total",
		Help: "Rows rejected or repaired during ingest and aggregation",
	}, []string{"reason"})

	// UnitDuration observes per-unit wall time by stage.
	UnitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "barsmith_unit_duration_seconds",
		Help:    "Duration of one (asset, timeframe) unit of work",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	// ConsistencyViolations gauges the latest validation pass, by check.
	ConsistencyViolations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barsmith_consistency_violations",
		Help: "Violating rows found by the last consistency gate pass",
	}, []string{"table", "check"})

	// LastRunTimestamp is the unix time the last pipeline run finished.
	LastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barsmith_last_run_timestamp_seconds",
		Help: "Unix time of the last completed pipeline run",
	})

	// RunDuration observes full pipeline run wall time.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "barsmith_run_duration_seconds",
		Help:    "Duration of a full pipeline run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
