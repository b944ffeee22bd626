// Package emarefresher maintains the derived EMA series per (asset,
// timeframe, period). One lifecycle drives every variant: the calendar and
// anchored variants consume canonical bars, the fixed and horizon variants
// consume raw observations with resolver-derived boundaries.
package emarefresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
	"github.com/tathienbao/barsmith/pkg/indicator"
)

// Config holds refresher configuration.
type Config struct {
	// Periods are the smoothing horizons, expressed in bars of the
	// timeframe (days for the horizon variant).
	Periods []int
	// SeedPolicy selects SMA or direct seeding. Partial leading windows are
	// never used for seeding regardless of policy.
	SeedPolicy indicator.SeedPolicy
	// WarmupMultiplier sizes the dirty rewrite window as a multiple of the
	// largest period in the run. Values below 3 are raised to 3.
	WarmupMultiplier int
	// StalenessThreshold skips a key whose upstream data is older than this.
	// Zero disables the check.
	StalenessThreshold time.Duration
	// Now is the clock used for staleness checks. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns default refresher config.
func DefaultConfig() Config {
	return Config{
		Periods:            []int{10, 20, 50},
		SeedPolicy:         indicator.SeedDirect,
		WarmupMultiplier:   3,
		StalenessThreshold: 48 * time.Hour,
	}
}

// Result reports one completed run for an (asset, timeframe) key across all
// configured periods.
type Result struct {
	Mode           types.RunMode
	RowsWritten    int
	PeriodsRun     []int
	PeriodsSkipped []int
	RangeFrom      time.Time
	RangeTo        time.Time
}

// Refresher computes EMA series for one timeframe spec.
type Refresher struct {
	store  persistence.Store
	spec   timeframe.Spec
	cfg    Config
	logger *slog.Logger
	// horizon marks the variant whose periods are day horizons over the
	// daily series.
	horizon bool
}

// New creates a refresher for any timeframe spec.
func New(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarmupMultiplier < 3 {
		cfg.WarmupMultiplier = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{store: store, spec: spec, cfg: cfg, logger: logger}
}

// NewFixed creates the fixed-day-count variant, consuming raw observations.
func NewFixed(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Refresher, error) {
	if spec.Alignment != types.AlignFixed {
		return nil, fmt.Errorf("%w: %s is not fixed-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// NewCalendar creates the calendar variant, consuming canonical bars.
func NewCalendar(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Refresher, error) {
	if spec.Alignment != types.AlignCalendar {
		return nil, fmt.Errorf("%w: %s is not calendar-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// NewAnchored creates the anchored variant, consuming canonical bars with
// irregular day counts.
func NewAnchored(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Refresher, error) {
	if spec.Alignment != types.AlignAnchored {
		return nil, fmt.Errorf("%w: %s is not anchored-aligned", types.ErrInvalidConfig, spec.Label)
	}
	return New(store, spec, cfg, logger), nil
}

// NewHorizon creates the horizon-based variant: periods are smoothing
// horizons in days applied to the daily series.
func NewHorizon(store persistence.Store, spec timeframe.Spec, cfg Config, logger *slog.Logger) (*Refresher, error) {
	if spec.Alignment != types.AlignFixed || spec.NominalDays != 1 {
		return nil, fmt.Errorf("%w: horizon variant requires the daily timeframe", types.ErrInvalidConfig)
	}
	r := New(store, spec, cfg, logger)
	r.horizon = true
	return r, nil
}

// Spec returns the refresher's timeframe spec.
func (r *Refresher) Spec() timeframe.Spec {
	return r.spec
}

// consumesBars reports whether the variant reads canonical bars (calendar
// kinds) or raw observations (fixed and horizon).
func (r *Refresher) consumesBars() bool {
	return r.spec.Alignment == types.AlignCalendar || r.spec.Alignment == types.AlignAnchored
}

// Run executes the refresher lifecycle for one asset across all configured
// periods. A stale upstream fails the whole key with ErrStaleUpstream; a
// period without enough canonical history is skipped, not fatal.
func (r *Refresher) Run(ctx context.Context, assetID string) (*Result, error) {
	if len(r.cfg.Periods) == 0 {
		return nil, fmt.Errorf("%w: no periods configured", types.ErrInvalidConfig)
	}

	in, err := r.loadInputs(ctx, assetID)
	if err != nil {
		return nil, err
	}

	if r.cfg.StalenessThreshold > 0 {
		// The bar-consuming variants gate on the bar stage's committed
		// coverage, not just the raw series: fresh observations do not help
		// if the bars behind the canonical closes have not caught up.
		upstream := in.upstreamMax
		if r.consumesBars() && in.barMaxSeen.Before(upstream) {
			upstream = in.barMaxSeen
		}
		if age := r.cfg.Now().UTC().Sub(upstream); age > r.cfg.StalenessThreshold {
			return nil, fmt.Errorf("%w: %s/%s last source %s (%s old)",
				types.ErrStaleUpstream, assetID, r.spec.Label,
				upstream.Format("2006-01-02"), age.Round(time.Hour))
		}
	}

	maxPeriod := 0
	for _, p := range r.cfg.Periods {
		if p < 1 {
			return nil, fmt.Errorf("%w: %d", types.ErrInvalidPeriod, p)
		}
		if p > maxPeriod {
			maxPeriod = p
		}
	}
	warmupDays := r.cfg.WarmupMultiplier * maxPeriod * r.spec.NominalDays

	res := &Result{Mode: types.ModeIncremental}
	for _, period := range r.cfg.Periods {
		mode, written, from, to, err := r.runPeriod(ctx, assetID, period, in, warmupDays)
		if err != nil {
			if errors.Is(err, types.ErrNoCanonical) {
				r.logger.Info("ema period skipped",
					"asset", assetID, "timeframe", r.spec.Label, "period", period, "reason", err)
				res.PeriodsSkipped = append(res.PeriodsSkipped, period)
				continue
			}
			return nil, fmt.Errorf("period %d: %w", period, err)
		}
		if mode == types.ModeRebuild {
			res.Mode = types.ModeRebuild
		}
		res.PeriodsRun = append(res.PeriodsRun, period)
		res.RowsWritten += written
		if res.RangeFrom.IsZero() || from.Before(res.RangeFrom) {
			res.RangeFrom = from
		}
		if to.After(res.RangeTo) {
			res.RangeTo = to
		}
	}

	r.logger.Debug("ema run complete",
		"asset", assetID, "timeframe", r.spec.Label,
		"mode", res.Mode.String(), "rows", res.RowsWritten,
		"periods", len(res.PeriodsRun), "skipped", len(res.PeriodsSkipped))

	return res, nil
}

// runPeriod refreshes one (asset, timeframe, period) key.
func (r *Refresher) runPeriod(ctx context.Context, assetID string, period int, in *inputs, warmupDays int) (types.RunMode, int, time.Time, time.Time, error) {
	var zero time.Time

	wm, err := r.store.Watermark(ctx, assetID, r.spec.Label, period)
	if err != nil {
		return 0, 0, zero, zero, err
	}

	mode := types.ModeIncremental
	switch {
	case wm == nil:
		mode = types.ModeRebuild
	case in.upstreamMin.Before(wm.DailyMinSeen):
		// Upstream backfill: mirror the bar engine and rebuild the key.
		r.logger.Info("upstream backfill detected, forcing ema rebuild",
			"asset", assetID, "timeframe", r.spec.Label, "period", period)
		mode = types.ModeRebuild
	case wm.LastCanonicalTS.IsZero():
		mode = types.ModeRebuild
	}

	points, err := r.computeSeries(assetID, period, in)
	if err != nil {
		return 0, 0, zero, zero, err
	}
	if len(points) == 0 {
		return 0, 0, zero, zero, fmt.Errorf("%w: %s/%s period %d", types.ErrNoCanonical, assetID, r.spec.Label, period)
	}

	// The full series is recomputed in memory from the true seed, so values
	// are identical to a rebuild; the warmup window only bounds how far back
	// rows are rewritten on an incremental run.
	writeFrom := points[0].Timestamp
	if mode == types.ModeIncremental {
		writeFrom = wm.LastCanonicalTS.AddDate(0, 0, -warmupDays)
		if writeFrom.Before(points[0].Timestamp) {
			writeFrom = points[0].Timestamp
		}
	}

	if mode == types.ModeRebuild {
		if err := r.store.DeleteEma(ctx, assetID, r.spec.Label, period); err != nil {
			return 0, 0, zero, zero, err
		}
	} else {
		if err := r.store.DeleteEmaFrom(ctx, assetID, r.spec.Label, period, writeFrom); err != nil {
			return 0, 0, zero, zero, err
		}
	}

	write := points
	for i, p := range points {
		if !p.Timestamp.Before(writeFrom) {
			write = points[i:]
			break
		}
	}
	if err := r.store.UpsertEmaPoints(ctx, write); err != nil {
		return 0, 0, zero, zero, err
	}

	last := points[len(points)-1]
	next := types.WatermarkState{
		AssetID:       assetID,
		Timeframe:     r.spec.Label,
		Period:        period,
		DailyMinSeen:  in.upstreamMin,
		DailyMaxSeen:  in.upstreamMax,
		LastTimeClose: last.Timestamp,
		LastBarSeq:    in.lastBarSeq,
		UpdatedAt:     time.Now().UTC(),
	}
	for i := len(points) - 1; i >= 0; i-- {
		if !points[i].Roll {
			next.LastCanonicalTS = points[i].Timestamp
			break
		}
	}
	if err := r.store.SaveWatermark(ctx, next); err != nil {
		return 0, 0, zero, zero, err
	}

	return mode, len(write), write[0].Timestamp, last.Timestamp, nil
}
