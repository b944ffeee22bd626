// Package barbuilder turns raw daily observations into aggregated OHLCV bars
// per (asset, timeframe). A single lifecycle drives every variant; the
// alignment kind of the timeframe spec decides partial-window behavior.
package barbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/barsmith/internal/calendar"
	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
)

// Config holds builder configuration.
type Config struct {
	// LookbackWindows is how many full windows before the watermark close are
	// recomputed on an incremental run. Must cover at least one full window
	// of context.
	LookbackWindows int
}

// DefaultConfig returns default builder config.
func DefaultConfig() Config {
	return Config{LookbackWindows: 2}
}

// Result reports one completed run for an (asset, timeframe) key.
type Result struct {
	Mode        types.RunMode
	BarsWritten int
	RangeFrom   time.Time
	RangeTo     time.Time
	Warnings    []string
}

// Builder aggregates observations into bars for one timeframe spec.
type Builder struct {
	store  persistence.Store
	spec   timeframe.Spec
	cfg    Config
	logger *slog.Logger
}

// New creates a builder for any timeframe spec.
func New(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookbackWindows < 1 {
		cfg.LookbackWindows = 1
	}
	return &Builder{store: store, spec: spec, cfg: cfg, logger: logger}
}

// NewFixed creates the fixed-day-count variant.
func NewFixed(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Builder, error) {
	if spec.Alignment != types.AlignFixed {
		return nil, fmt.Errorf("%w: %s is not fixed-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// NewCalendar creates the calendar variant for a US or ISO week, month,
// quarter or year spec. Incomplete leading windows are skipped.
func NewCalendar(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Builder, error) {
	if spec.Alignment != types.AlignCalendar {
		return nil, fmt.Errorf("%w: %s is not calendar-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// NewAnchored creates the calendar-anchored variant. Partial start and
// forming windows are emitted.
func NewAnchored(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Builder, error) {
	if spec.Alignment != types.AlignAnchored {
		return nil, fmt.Errorf("%w: %s is not anchored-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// Spec returns the builder's timeframe spec.
func (b *Builder) Spec() timeframe.Spec {
	return b.spec
}

// Run executes the builder lifecycle for one asset: mode decision, aggregate,
// upsert, watermark commit. Re-running with the same inputs is idempotent.
func (b *Builder) Run(ctx context.Context, assetID string) (*Result, error) {
	minSeen, maxSeen, ok, err := b.store.ObservationBounds(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoObservations, assetID)
	}

	wm, err := b.store.Watermark(ctx, assetID, b.spec.Label, 0)
	if err != nil {
		return nil, err
	}

	mode := types.ModeIncremental
	switch {
	case wm == nil:
		mode = types.ModeRebuild
	case minSeen.Before(wm.DailyMinSeen):
		// Backfill shifts every calendar boundary downstream; previously
		// committed canonical bars are no longer trustworthy.
		b.logger.Info("backfill detected, forcing full rebuild",
			"asset", assetID, "timeframe", b.spec.Label,
			"new_min", minSeen.Format("2006-01-02"),
			"recorded_min", wm.DailyMinSeen.Format("2006-01-02"))
		mode = types.ModeRebuild
	}

	var from time.Time
	var seqBase int64 = 1
	if mode == types.ModeIncremental {
		from = b.lookbackStart(wm.LastTimeClose, minSeen)
		seq, found, err := b.store.FirstSeqClosingAtOrAfter(ctx, assetID, b.spec.Label, from)
		if err != nil {
			return nil, err
		}
		if found {
			seqBase = seq
		} else {
			seqBase = wm.LastBarSeq + 1
		}
	}

	obs, err := b.store.Observations(ctx, assetID, from)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: %s from %s", types.ErrNoObservations, assetID, from.Format("2006-01-02"))
	}

	bars, gaps, err := b.aggregate(assetID, obs, minSeen, maxSeen, seqBase)
	if err != nil {
		return nil, err
	}

	var warnings []string
	for _, g := range gaps {
		// The lookback re-covers windows committed on earlier runs; their
		// gaps are already in the audit log.
		if mode == types.ModeIncremental && !g.Timestamp.After(wm.LastCanonicalTS) {
			continue
		}
		if err := b.store.LogReject(ctx, g); err != nil {
			return nil, err
		}
		warnings = append(warnings, fmt.Sprintf("%s/%s: %s", assetID, b.spec.Label, g.RawPayload))
	}

	if mode == types.ModeRebuild {
		if err := b.store.DeleteBars(ctx, assetID, b.spec.Label); err != nil {
			return nil, err
		}
	} else {
		if err := b.store.DeleteBarsFromSeq(ctx, assetID, b.spec.Label, seqBase); err != nil {
			return nil, err
		}
	}

	if err := b.store.UpsertBars(ctx, bars); err != nil {
		return nil, err
	}

	// The watermark advances only after the write phase has committed. An
	// interrupted run leaves the previous state intact and the next run
	// simply redoes this window.
	next := types.WatermarkState{
		AssetID:      assetID,
		Timeframe:    b.spec.Label,
		DailyMinSeen: minSeen,
		DailyMaxSeen: maxSeen,
		UpdatedAt:    time.Now().UTC(),
	}
	if wm != nil && mode == types.ModeIncremental {
		next.LastTimeClose = wm.LastTimeClose
		next.LastCanonicalTS = wm.LastCanonicalTS
		next.LastBarSeq = wm.LastBarSeq
	}
	for _, bar := range bars {
		next.LastTimeClose = bar.TimeClose
		next.LastBarSeq = bar.Seq
		if bar.Canonical() {
			next.LastCanonicalTS = bar.TimeClose
		}
	}
	if err := b.store.SaveWatermark(ctx, next); err != nil {
		return nil, err
	}

	res := &Result{Mode: mode, BarsWritten: len(bars), Warnings: warnings}
	if len(bars) > 0 {
		res.RangeFrom = bars[0].TimeOpen
		res.RangeTo = bars[len(bars)-1].TimeClose
	}

	b.logger.Debug("bar run complete",
		"asset", assetID, "timeframe", b.spec.Label,
		"mode", mode.String(), "bars", len(bars), "gaps", len(gaps))

	return res, nil
}

// lookbackStart returns the start of the window LookbackWindows full windows
// before the one containing lastClose, clamped to the series start.
func (b *Builder) lookbackStart(lastClose, seriesMin time.Time) time.Time {
	d := calendar.Normalize(lastClose)
	if d.IsZero() {
		return seriesMin
	}
	for k := 0; k < b.cfg.LookbackWindows; k++ {
		start, _, err := calendar.Window(d, b.spec)
		if err != nil {
			return seriesMin
		}
		d = start.AddDate(0, 0, -1)
		if d.Before(seriesMin) {
			return seriesMin
		}
	}
	start, _, err := calendar.Window(d, b.spec)
	if err != nil || start.Before(seriesMin) {
		return seriesMin
	}
	return start
}
