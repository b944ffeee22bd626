// Package runner orchestrates a full pipeline run: bar stages first, then the
// EMA stages over the assets that survived, then the consistency gate. Assets
// are processed concurrently; keys fail in isolation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tathienbao/barsmith/internal/alerting"
	"github.com/tathienbao/barsmith/internal/barbuilder"
	"github.com/tathienbao/barsmith/internal/emarefresher"
	"github.com/tathienbao/barsmith/internal/metrics"
	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
	"github.com/tathienbao/barsmith/internal/validation"
)

const (
	stageBars = "bars"
	stageEma  = "ema"
)

// Config holds orchestration configuration.
type Config struct {
	// Assets limits the run; empty means every asset in the store.
	Assets []string
	// Concurrency is the number of assets processed in parallel per stage.
	Concurrency int
	// UnitsPerSecond throttles units of work; zero disables pacing.
	UnitsPerSecond int
	// MaxRetries and RetryDelay govern retry of transient store errors.
	MaxRetries int
	RetryDelay time.Duration
	// HorizonPeriods are day horizons computed over the daily timeframe.
	HorizonPeriods []int
}

// DefaultConfig returns default runner config.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		MaxRetries:     2,
		RetryDelay:     500 * time.Millisecond,
		HorizonPeriods: []int{21, 50, 200},
	}
}

// Runner drives one pipeline run end to end.
type Runner struct {
	store    persistence.Store
	catalog  *timeframe.Catalog
	cfg      Config
	barCfg   barbuilder.Config
	emaCfg   emarefresher.Config
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	logger   *slog.Logger
	limiter  *rate.Limiter
}

// New creates a runner over a store and timeframe catalog.
func New(store persistence.Store, catalog *timeframe.Catalog, cfg Config, barCfg barbuilder.Config, emaCfg emarefresher.Config, alerter alerting.Alerter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	r := &Runner{
		store:    store,
		catalog:  catalog,
		cfg:      cfg,
		barCfg:   barCfg,
		emaCfg:   emaCfg,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		logger:   logger,
	}
	if cfg.UnitsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.UnitsPerSecond), cfg.UnitsPerSecond)
	}
	return r
}

// Run executes one full pipeline run and returns the summary. The returned
// error is non-nil only for failures that prevent the run itself; per-key
// failures are reported in the summary.
func (r *Runner) Run(ctx context.Context) (*types.RunSummary, error) {
	summary := &types.RunSummary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	logger := r.logger.With("run_id", summary.RunID)

	assets := r.cfg.Assets
	if len(assets) == 0 {
		var err error
		assets, err = r.store.Assets(ctx)
		if err != nil {
			return nil, fmt.Errorf("list assets: %w", err)
		}
	}
	sort.Strings(assets)
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: store is empty", types.ErrNoObservations)
	}

	logger.Info("pipeline run started", "assets", len(assets), "timeframes", r.catalog.Len())
	r.alert(ctx, alerting.EventRunStarted, "Pipeline run started",
		"run_id", summary.RunID, "assets", len(assets))

	// Bars first: every EMA variant depends on committed bar state, either
	// directly or through the freshness gate.
	barResults := r.runStage(ctx, logger, assets, r.runBarsForAsset)
	summary.Results = append(summary.Results, barResults...)
	for _, res := range barResults {
		if len(res.Err) > 0 && res.Status == types.KeyStatusFailed {
			r.alert(ctx, alerting.EventKeyFailed, "Bar stage unit failed",
				"asset", res.AssetID, "timeframe", res.Timeframe, "error", res.Err)
		}
	}

	// Assets with a failed bar unit are excluded from the EMA stage rather
	// than computed over untrustworthy bars.
	failed := summary.FailedAssets()
	var emaAssets []string
	for _, a := range assets {
		if !failed[a] {
			emaAssets = append(emaAssets, a)
		}
	}

	emaResults := r.runStage(ctx, logger, emaAssets, r.runEmaForAsset)
	summary.Results = append(summary.Results, emaResults...)

	report, err := r.runGate(ctx, logger)
	if err != nil {
		logger.Error("consistency gate failed", "err", err)
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("consistency gate error: %v", err))
	} else if !report.Clean() {
		for _, v := range report.Violations {
			summary.Warnings = append(summary.Warnings, v.Error())
			r.alert(ctx, alerting.EventConsistencyViolation, "Consistency violation",
				"table", v.Table, "check", v.Check, "rows", v.Count, "example", v.ExampleKey)
		}
	}

	summary.FinishedAt = time.Now().UTC()
	r.recorder.RecordRunFinished(summary.FinishedAt.Sub(summary.StartedAt))

	success, failedCount, skipped := summary.Counts()
	logger.Info("pipeline run finished",
		"duration", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
		"success", success, "failed", failedCount, "skipped", skipped,
		"rows", summary.RowsWritten())

	r.alertSummary(ctx, summary)

	return summary, nil
}

// runStage fans assets out over a bounded worker pool.
func (r *Runner) runStage(ctx context.Context, logger *slog.Logger, assets []string, work func(context.Context, *slog.Logger, string) []types.KeyResult) []types.KeyResult {
	jobs := make(chan string)
	var mu sync.Mutex
	var results []types.KeyResult
	var wg sync.WaitGroup

	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for asset := range jobs {
				res := work(ctx, logger, asset)
				mu.Lock()
				results = append(results, res...)
				mu.Unlock()
			}
		}()
	}

	for _, asset := range assets {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return results
		case jobs <- asset:
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].AssetID != results[j].AssetID {
			return results[i].AssetID < results[j].AssetID
		}
		return results[i].Timeframe < results[j].Timeframe
	})
	return results
}

// runBarsForAsset runs every bar builder for one asset. A failed timeframe
// does not stop the remaining ones.
func (r *Runner) runBarsForAsset(ctx context.Context, logger *slog.Logger, assetID string) []types.KeyResult {
	var results []types.KeyResult
	for _, spec := range r.catalog.All() {
		if ctx.Err() != nil {
			return results
		}
		kr := types.KeyResult{AssetID: assetID, Timeframe: spec.Label, Stage: stageBars}

		timer := metrics.NewTimer()
		builder := barbuilder.New(r.store, spec, r.barCfg, logger)
		res, err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryDelay, r.limiter, func() (*barbuilder.Result, error) {
			return builder.Run(ctx, assetID)
		})
		timer.ObserveUnit(stageBars)

		if err != nil {
			kr.Status = classify(err)
			kr.Err = err.Error()
			logger.Log(ctx, levelFor(kr.Status), "bar unit did not complete",
				"asset", assetID, "timeframe", spec.Label, "status", kr.Status.String(), "err", err)
		} else {
			kr.Status = types.KeyStatusSuccess
			kr.Mode = res.Mode
			kr.RowsWritten = res.BarsWritten
			kr.RangeFrom = res.RangeFrom
			kr.RangeTo = res.RangeTo
			r.recorder.RecordBars(spec.Label, res.BarsWritten)
			if res.Mode == types.ModeRebuild {
				r.recorder.RecordRebuild(stageBars, spec.Label)
			}
		}
		r.recorder.RecordUnit(stageBars, kr.Status)
		results = append(results, kr)
	}
	return results
}

// runEmaForAsset runs every EMA refresher for one asset: one per timeframe
// plus the horizon variant over the daily series.
func (r *Runner) runEmaForAsset(ctx context.Context, logger *slog.Logger, assetID string) []types.KeyResult {
	var results []types.KeyResult

	run := func(ref *emarefresher.Refresher) {
		if ctx.Err() != nil {
			return
		}
		spec := ref.Spec()
		kr := types.KeyResult{AssetID: assetID, Timeframe: spec.Label, Stage: stageEma}

		timer := metrics.NewTimer()
		res, err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryDelay, r.limiter, func() (*emarefresher.Result, error) {
			return ref.Run(ctx, assetID)
		})
		timer.ObserveUnit(stageEma)

		if err != nil {
			kr.Status = classify(err)
			kr.Err = err.Error()
			logger.Log(ctx, levelFor(kr.Status), "ema unit did not complete",
				"asset", assetID, "timeframe", spec.Label, "status", kr.Status.String(), "err", err)
			if errors.Is(err, types.ErrStaleUpstream) {
				r.alert(ctx, alerting.EventStaleUpstream, "Stale upstream data",
					"asset", assetID, "timeframe", spec.Label, "error", err.Error())
			}
		} else {
			kr.Status = types.KeyStatusSuccess
			kr.Mode = res.Mode
			kr.RowsWritten = res.RowsWritten
			kr.RangeFrom = res.RangeFrom
			kr.RangeTo = res.RangeTo
			r.recorder.RecordEmaRows(spec.Label, res.RowsWritten)
			if res.Mode == types.ModeRebuild {
				r.recorder.RecordRebuild(stageEma, spec.Label)
			}
		}
		r.recorder.RecordUnit(stageEma, kr.Status)
		results = append(results, kr)
	}

	for _, spec := range r.catalog.All() {
		if spec.Alignment == types.AlignFixed && spec.NominalDays == 1 {
			// The daily timeframe is covered by the horizon variant below.
			continue
		}
		run(emarefresher.New(r.store, spec, r.emaCfg, logger))
	}

	if daily, err := r.catalog.ByLabel("1d"); err == nil && len(r.cfg.HorizonPeriods) > 0 {
		cfg := r.emaCfg
		cfg.Periods = r.cfg.HorizonPeriods
		if ref, err := emarefresher.NewHorizon(r.store, daily, cfg, logger); err == nil {
			run(ref)
		}
	}

	return results
}

// runGate runs the consistency gate and publishes the results as metrics.
func (r *Runner) runGate(ctx context.Context, logger *slog.Logger) (*validation.Report, error) {
	gate := validation.New(r.store, logger)
	report, err := gate.Check(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range report.Violations {
		r.recorder.RecordViolations(v.Table, v.Check, v.Count)
	}
	return report, nil
}

// withRetry retries transient store errors with a linear backoff, pacing
// attempts through the shared rate limiter.
func withRetry[T any](ctx context.Context, attempts int, delay time.Duration, limiter *rate.Limiter, fn func() (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return zero, werr
			}
		}
		var res T
		res, err = fn()
		if err == nil {
			return res, nil
		}
		if !types.IsTransient(err) || ctx.Err() != nil {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay * time.Duration(attempt+1)):
		}
	}
	return zero, err
}

// classify maps unit errors to a key status. Missing data and stale upstream
// skip the key; everything else is a failure.
func classify(err error) types.KeyStatus {
	if errors.Is(err, types.ErrNoObservations) || errors.Is(err, types.ErrStaleUpstream) {
		return types.KeyStatusSkipped
	}
	return types.KeyStatusFailed
}

func levelFor(status types.KeyStatus) slog.Level {
	if status == types.KeyStatusSkipped {
		return slog.LevelWarn
	}
	return slog.LevelError
}

func (r *Runner) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		r.logger.Warn("failed to send alert", "event", string(event), "err", err)
	}
}

func (r *Runner) alertSummary(ctx context.Context, summary *types.RunSummary) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Alert(ctx, alerting.SummarySeverity(summary),
		alerting.FormatRunSummary(summary), "run_id", summary.RunID); err != nil {
		r.logger.Warn("failed to send run summary", "err", err)
	}
}
