package runner

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/barsmith/internal/alerting"
	"github.com/tathienbao/barsmith/internal/barbuilder"
	"github.com/tathienbao/barsmith/internal/emarefresher"
	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
)

func setupStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()

	f, err := os.CreateTemp("", "runner-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	store, err := persistence.NewSQLiteStore(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.Remove(path)
	})
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedDaily(t *testing.T, store persistence.Store, assetID string, from, to time.Time) {
	t.Helper()

	var obs []types.Observation
	i := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		close := decimal.NewFromInt(int64(100 + i%50))
		obs = append(obs, types.Observation{
			AssetID:   assetID,
			Timestamp: d,
			Open:      close,
			High:      close.Add(decimal.NewFromInt(2)),
			Low:       close.Sub(decimal.NewFromInt(2)),
			Close:     close,
			Volume:    decimal.NewFromInt(10),
			MarketCap: decimal.NewFromInt(1000),
		})
		i++
	}
	if _, err := store.InsertObservations(context.Background(), obs); err != nil {
		t.Fatalf("seed observations: %v", err)
	}
}

// testEmaConfig pins the refresher clock just past the seeded range so the
// staleness gate does not fire on historical fixtures.
func testEmaConfig(asOf time.Time) emarefresher.Config {
	cfg := emarefresher.DefaultConfig()
	cfg.Periods = []int{3}
	cfg.Now = func() time.Time { return asOf }
	return cfg
}

func TestRunner_FullRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedDaily(t, store, "btc", date(2011, 1, 1), date(2012, 6, 30))
	seedDaily(t, store, "eth", date(2011, 1, 1), date(2012, 6, 30))

	mock := alerting.NewMockAlerter()
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.HorizonPeriods = []int{21}

	r := New(store, timeframe.Default(), cfg,
		barbuilder.DefaultConfig(), testEmaConfig(date(2012, 7, 1)), mock, nil)

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.RunID == "" {
		t.Error("summary should carry a run id")
	}
	if summary.FinishedAt.Before(summary.StartedAt) {
		t.Error("summary timestamps inverted")
	}

	_, failed, _ := summary.Counts()
	if failed != 0 {
		for _, res := range summary.Results {
			if res.Status == types.KeyStatusFailed {
				t.Errorf("failed unit %s/%s [%s]: %s", res.AssetID, res.Timeframe, res.Stage, res.Err)
			}
		}
		t.Fatalf("failed units = %d, want 0", failed)
	}

	// Two assets, 15 bar units and 15 ema units each (14 timeframes plus the
	// horizon variant over the daily series).
	if len(summary.Results) != 60 {
		t.Errorf("results = %d, want 60", len(summary.Results))
	}
	if summary.RowsWritten() == 0 {
		t.Error("a full run should write rows")
	}
	if len(summary.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", summary.Warnings)
	}

	// Monthly bars and EMAs landed for both assets.
	for _, asset := range []string{"btc", "eth"} {
		bars, err := store.Bars(ctx, asset, "1m", time.Time{})
		if err != nil {
			t.Fatalf("query bars: %v", err)
		}
		if len(bars) == 0 {
			t.Errorf("%s: expected monthly bars", asset)
		}
		points, err := store.EmaPoints(ctx, asset, "1m", 3, time.Time{})
		if err != nil {
			t.Fatalf("query ema: %v", err)
		}
		if len(points) == 0 {
			t.Errorf("%s: expected monthly ema points", asset)
		}
		horizon, err := store.EmaPoints(ctx, asset, "1d", 21, time.Time{})
		if err != nil {
			t.Fatalf("query horizon ema: %v", err)
		}
		if len(horizon) == 0 {
			t.Errorf("%s: expected horizon ema points", asset)
		}
	}

	if !mock.HasAlertContaining("Pipeline run started") {
		t.Error("expected run-started alert")
	}
	if !mock.HasAlertContaining("run " + summary.RunID) {
		t.Error("expected run summary alert")
	}
}

func TestRunner_Rerun_Idempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedDaily(t, store, "btc", date(2011, 1, 1), date(2012, 6, 30))

	cfg := DefaultConfig()
	cfg.HorizonPeriods = []int{21}
	r := New(store, timeframe.Default(), cfg,
		barbuilder.DefaultConfig(), testEmaConfig(date(2012, 7, 1)), nil, nil)

	if _, err := r.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstBars, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	firstEma, err := store.EmaPoints(ctx, "btc", "1m", 3, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, failed, _ := summary.Counts(); failed != 0 {
		t.Fatalf("second run failed units = %d, want 0", failed)
	}

	secondBars, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	secondEma, err := store.EmaPoints(ctx, "btc", "1m", 3, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}

	if len(firstBars) != len(secondBars) {
		t.Errorf("bar count changed: %d vs %d", len(firstBars), len(secondBars))
	}
	if len(firstEma) != len(secondEma) {
		t.Errorf("ema count changed: %d vs %d", len(firstEma), len(secondEma))
	}
	for i := range firstEma {
		if firstEma[i].Ema != secondEma[i].Ema || firstEma[i].Roll != secondEma[i].Roll {
			t.Errorf("ema row %d changed across identical runs", i)
		}
	}
}

func TestRunner_MissingAssetSkipsWithoutFailing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedDaily(t, store, "btc", date(2011, 1, 1), date(2012, 6, 30))

	cfg := DefaultConfig()
	cfg.Assets = []string{"btc", "ghost"}
	cfg.HorizonPeriods = []int{21}

	r := New(store, timeframe.Default(), cfg,
		barbuilder.DefaultConfig(), testEmaConfig(date(2012, 7, 1)), nil, nil)

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	_, failed, skipped := summary.Counts()
	if failed != 0 {
		t.Errorf("failed units = %d, want 0 (missing data is a skip)", failed)
	}
	if skipped == 0 {
		t.Error("ghost units should be skipped")
	}

	for _, res := range summary.Results {
		if res.AssetID == "ghost" && res.Status != types.KeyStatusSkipped {
			t.Errorf("ghost %s [%s] status = %s, want skipped", res.Timeframe, res.Stage, res.Status)
		}
		if res.AssetID == "btc" && res.Status != types.KeyStatusSuccess {
			t.Errorf("btc %s [%s] status = %s, want success", res.Timeframe, res.Stage, res.Status)
		}
	}
}

func TestRunner_EmptyStore(t *testing.T) {
	store := setupStore(t)

	r := New(store, timeframe.Default(), DefaultConfig(),
		barbuilder.DefaultConfig(), emarefresher.DefaultConfig(), nil, nil)

	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for empty store")
	}
	if !errors.Is(err, types.ErrNoObservations) {
		t.Errorf("error = %v, want ErrNoObservations", err)
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	store := setupStore(t)
	seedDaily(t, store, "btc", date(2011, 1, 1), date(2011, 3, 1))

	r := New(store, timeframe.Default(), DefaultConfig(),
		barbuilder.DefaultConfig(), testEmaConfig(date(2011, 3, 2)), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A pre-cancelled context must not hang; the summary simply stays small.
	if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("run with cancelled context: %v", err)
	}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	res, err := withRetry(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &types.TransientError{Op: "test", Err: errors.New("locked")}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if res != 42 || calls != 3 {
		t.Errorf("result = %d after %d calls, want 42 after 3", res, calls)
	}
}

func TestWithRetry_NonTransientFailsFast(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := withRetry(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, non-transient errors must not retry", calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), 2, time.Millisecond, nil, func() (int, error) {
		calls++
		return 0, &types.TransientError{Op: "test", Err: errors.New("locked")}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial plus two retries)", calls)
	}
}

func TestClassify(t *testing.T) {
	if classify(types.ErrNoObservations) != types.KeyStatusSkipped {
		t.Error("missing observations should skip")
	}
	if classify(types.ErrStaleUpstream) != types.KeyStatusSkipped {
		t.Error("stale upstream should skip")
	}
	if classify(errors.New("boom")) != types.KeyStatusFailed {
		t.Error("unknown errors should fail")
	}
}
