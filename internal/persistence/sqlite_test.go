package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/barsmith/internal/types"
)

func setupTestDB(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "barsmith-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	store, err := NewSQLiteStore(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.Remove(path)
	}

	return store, cleanup
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testObservation(assetID string, ts time.Time, close string) types.Observation {
	return types.Observation{
		AssetID:   assetID,
		Timestamp: ts,
		Open:      dec(close),
		High:      dec(close),
		Low:       dec(close),
		Close:     dec(close),
		Volume:    dec("1000"),
		MarketCap: dec("0"),
	}
}

func testBar(assetID, tf string, seq int64, open, close time.Time, partial bool) types.Bar {
	return types.Bar{
		AssetID:      assetID,
		Timeframe:    tf,
		Seq:          seq,
		DayCount:     int(close.Sub(open).Hours()/24) + 1,
		TimeOpen:     open,
		TimeClose:    close,
		TimeHigh:     close,
		TimeLow:      open,
		Open:         dec("100"),
		High:         dec("110"),
		Low:          dec("90"),
		Close:        dec("105"),
		Volume:       dec("5000"),
		MarketCap:    dec("0"),
		IsPartialEnd: partial,
		IngestedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteStore_Observations(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	obs := []types.Observation{
		testObservation("btc", day(2024, 1, 1), "100.5"),
		testObservation("btc", day(2024, 1, 2), "101.25"),
		testObservation("btc", day(2024, 1, 3), "99.75"),
		testObservation("eth", day(2024, 1, 2), "50"),
	}

	written, err := store.InsertObservations(ctx, obs)
	if err != nil {
		t.Fatalf("insert observations: %v", err)
	}
	if written != 4 {
		t.Errorf("written = %d, want 4", written)
	}

	got, err := store.Observations(ctx, "btc", day(2024, 1, 2))
	if err != nil {
		t.Fatalf("query observations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if !got[0].Timestamp.Equal(day(2024, 1, 2)) {
		t.Errorf("first ts = %s, want 2024-01-02", got[0].Timestamp)
	}
	if !got[0].Close.Equal(dec("101.25")) {
		t.Errorf("close = %s, want 101.25", got[0].Close)
	}
}

func TestSQLiteStore_InsertObservations_Upsert(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	ts := day(2024, 1, 1)

	if _, err := store.InsertObservations(ctx, []types.Observation{testObservation("btc", ts, "100")}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := store.InsertObservations(ctx, []types.Observation{testObservation("btc", ts, "200")}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	got, err := store.Observations(ctx, "btc", time.Time{})
	if err != nil {
		t.Fatalf("query observations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("observations = %d, want 1", len(got))
	}
	if !got[0].Close.Equal(dec("200")) {
		t.Errorf("close after upsert = %s, want 200", got[0].Close)
	}
}

func TestSQLiteStore_ObservationBounds(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, _, ok, err := store.ObservationBounds(ctx, "btc")
	if err != nil {
		t.Fatalf("bounds on empty: %v", err)
	}
	if ok {
		t.Error("bounds should report not ok with no rows")
	}

	obs := []types.Observation{
		testObservation("btc", day(2024, 1, 5), "100"),
		testObservation("btc", day(2024, 1, 1), "100"),
		testObservation("btc", day(2024, 1, 3), "100"),
	}
	if _, err := store.InsertObservations(ctx, obs); err != nil {
		t.Fatalf("insert observations: %v", err)
	}

	min, max, ok, err := store.ObservationBounds(ctx, "btc")
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if !ok {
		t.Fatal("bounds should report ok")
	}
	if !min.Equal(day(2024, 1, 1)) || !max.Equal(day(2024, 1, 5)) {
		t.Errorf("bounds = (%s, %s), want (2024-01-01, 2024-01-05)", min, max)
	}
}

func TestSQLiteStore_Assets(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	obs := []types.Observation{
		testObservation("eth", day(2024, 1, 1), "50"),
		testObservation("btc", day(2024, 1, 1), "100"),
		testObservation("btc", day(2024, 1, 2), "100"),
	}
	if _, err := store.InsertObservations(ctx, obs); err != nil {
		t.Fatalf("insert observations: %v", err)
	}

	assets, err := store.Assets(ctx)
	if err != nil {
		t.Fatalf("query assets: %v", err)
	}
	if len(assets) != 2 || assets[0] != "btc" || assets[1] != "eth" {
		t.Errorf("assets = %v, want [btc eth]", assets)
	}
}

func TestSQLiteStore_Bars(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	bars := []types.Bar{
		testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false),
		testBar("btc", "1m", 1, day(2024, 2, 1), day(2024, 2, 29), false),
		testBar("btc", "1m", 2, day(2024, 3, 1), day(2024, 3, 15), true),
	}
	if err := store.UpsertBars(ctx, bars); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	got, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("bars = %d, want 3", len(got))
	}
	if got[0].Seq != 0 || got[2].Seq != 2 {
		t.Errorf("bars not ordered by seq: %v", []int64{got[0].Seq, got[1].Seq, got[2].Seq})
	}
	if !got[2].IsPartialEnd {
		t.Error("forming bar should keep is_partial_end")
	}
	if got[0].Canonical() == got[2].Canonical() {
		t.Error("closed and forming bars should differ in canonicality")
	}
	if !got[0].Close.Equal(dec("105")) {
		t.Errorf("close = %s, want 105", got[0].Close)
	}

	// time_close filter
	later, err := store.Bars(ctx, "btc", "1m", day(2024, 2, 29))
	if err != nil {
		t.Fatalf("query bars from: %v", err)
	}
	if len(later) != 2 {
		t.Errorf("bars from 2024-02-29 = %d, want 2", len(later))
	}
}

func TestSQLiteStore_UpsertBars_Overwrite(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	b := testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), true)
	if err := store.UpsertBars(ctx, []types.Bar{b}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same seq closes out: the forming row becomes canonical in place.
	b.IsPartialEnd = false
	b.Close = dec("120")
	if err := store.UpsertBars(ctx, []types.Bar{b}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("bars = %d, want 1", len(got))
	}
	if got[0].IsPartialEnd {
		t.Error("bar should be canonical after overwrite")
	}
	if !got[0].Close.Equal(dec("120")) {
		t.Errorf("close = %s, want 120", got[0].Close)
	}
}

func TestSQLiteStore_DeleteBars(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	bars := []types.Bar{
		testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false),
		testBar("btc", "1w_us", 0, day(2024, 1, 1), day(2024, 1, 7), false),
	}
	if err := store.UpsertBars(ctx, bars); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	if err := store.DeleteBars(ctx, "btc", "1m"); err != nil {
		t.Fatalf("delete bars: %v", err)
	}

	gone, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("1m bars after delete = %d, want 0", len(gone))
	}

	kept, err := store.Bars(ctx, "btc", "1w_us", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("1w_us bars after delete = %d, want 1", len(kept))
	}
}

func TestSQLiteStore_DeleteBarsFromSeq(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	bars := []types.Bar{
		testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false),
		testBar("btc", "1m", 1, day(2024, 2, 1), day(2024, 2, 29), false),
		testBar("btc", "1m", 2, day(2024, 3, 1), day(2024, 3, 31), false),
	}
	if err := store.UpsertBars(ctx, bars); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	if err := store.DeleteBarsFromSeq(ctx, "btc", "1m", 1); err != nil {
		t.Fatalf("delete bars from seq: %v", err)
	}

	got, err := store.Bars(ctx, "btc", "1m", time.Time{})
	if err != nil {
		t.Fatalf("query bars: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 0 {
		t.Errorf("remaining bars = %v, want just seq 0", got)
	}
}

func TestSQLiteStore_FirstSeqClosingAtOrAfter(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	bars := []types.Bar{
		testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false),
		testBar("btc", "1m", 1, day(2024, 2, 1), day(2024, 2, 29), false),
		testBar("btc", "1m", 2, day(2024, 3, 1), day(2024, 3, 31), false),
	}
	if err := store.UpsertBars(ctx, bars); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	seq, found, err := store.FirstSeqClosingAtOrAfter(ctx, "btc", "1m", day(2024, 2, 15))
	if err != nil {
		t.Fatalf("first seq: %v", err)
	}
	if !found || seq != 1 {
		t.Errorf("first seq closing at or after 2024-02-15 = (%d, %v), want (1, true)", seq, found)
	}

	seq, found, err = store.FirstSeqClosingAtOrAfter(ctx, "btc", "1m", day(2024, 1, 31))
	if err != nil {
		t.Fatalf("first seq: %v", err)
	}
	if !found || seq != 0 {
		t.Errorf("exact close match = (%d, %v), want (0, true)", seq, found)
	}

	_, found, err = store.FirstSeqClosingAtOrAfter(ctx, "btc", "1m", day(2024, 4, 1))
	if err != nil {
		t.Fatalf("first seq: %v", err)
	}
	if found {
		t.Error("no bar closes at or after 2024-04-01")
	}
}

func TestSQLiteStore_EmaPoints(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	bar := 101.5
	d1 := 0.25
	points := []types.EmaPoint{
		{
			AssetID: "btc", Timeframe: "1m", Period: 10, Timestamp: day(2024, 1, 31),
			Ema: 100.0, EmaBar: &bar, Roll: false, IngestedAt: time.Now().UTC(),
		},
		{
			AssetID: "btc", Timeframe: "1m", Period: 10, Timestamp: day(2024, 2, 1),
			Ema: 100.5, Roll: true, D1Roll: &d1, IngestedAt: time.Now().UTC(),
		},
	}
	if err := store.UpsertEmaPoints(ctx, points); err != nil {
		t.Fatalf("upsert ema: %v", err)
	}

	got, err := store.EmaPoints(ctx, "btc", "1m", 10, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ema points = %d, want 2", len(got))
	}
	if got[0].Roll {
		t.Error("canonical row should have roll=false")
	}
	if got[0].EmaBar == nil || *got[0].EmaBar != bar {
		t.Errorf("ema_bar = %v, want %v", got[0].EmaBar, bar)
	}
	if got[0].D1 != nil {
		t.Errorf("d1 should round-trip as nil, got %v", *got[0].D1)
	}
	if got[1].D1Roll == nil || *got[1].D1Roll != d1 {
		t.Errorf("d1_roll = %v, want %v", got[1].D1Roll, d1)
	}
	if got[1].EmaBar != nil {
		t.Error("ema_bar should round-trip as nil for rows without a bar value")
	}
}

func TestSQLiteStore_UpsertEmaPoints_Overwrite(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	ts := day(2024, 1, 31)

	p := types.EmaPoint{
		AssetID: "btc", Timeframe: "1m", Period: 10, Timestamp: ts,
		Ema: 100.0, Roll: true, IngestedAt: time.Now().UTC(),
	}
	if err := store.UpsertEmaPoints(ctx, []types.EmaPoint{p}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	p.Ema = 102.5
	p.Roll = false
	if err := store.UpsertEmaPoints(ctx, []types.EmaPoint{p}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.EmaPoints(ctx, "btc", "1m", 10, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ema points = %d, want 1", len(got))
	}
	if got[0].Ema != 102.5 || got[0].Roll {
		t.Errorf("point after upsert = (%v, roll=%v), want (102.5, false)", got[0].Ema, got[0].Roll)
	}
}

func TestSQLiteStore_DeleteEma(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	points := []types.EmaPoint{
		{AssetID: "btc", Timeframe: "1m", Period: 10, Timestamp: day(2024, 1, 1), Ema: 100, IngestedAt: time.Now().UTC()},
		{AssetID: "btc", Timeframe: "1m", Period: 20, Timestamp: day(2024, 1, 1), Ema: 100, IngestedAt: time.Now().UTC()},
	}
	if err := store.UpsertEmaPoints(ctx, points); err != nil {
		t.Fatalf("upsert ema: %v", err)
	}

	if err := store.DeleteEma(ctx, "btc", "1m", 10); err != nil {
		t.Fatalf("delete ema: %v", err)
	}

	gone, err := store.EmaPoints(ctx, "btc", "1m", 10, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("period 10 rows after delete = %d, want 0", len(gone))
	}

	kept, err := store.EmaPoints(ctx, "btc", "1m", 20, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}
	if len(kept) != 1 {
		t.Errorf("period 20 rows after delete = %d, want 1", len(kept))
	}
}

func TestSQLiteStore_DeleteEmaFrom(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	var points []types.EmaPoint
	for i := 0; i < 5; i++ {
		points = append(points, types.EmaPoint{
			AssetID: "btc", Timeframe: "1m", Period: 10,
			Timestamp: day(2024, 1, 1+i), Ema: 100 + float64(i), IngestedAt: time.Now().UTC(),
		})
	}
	if err := store.UpsertEmaPoints(ctx, points); err != nil {
		t.Fatalf("upsert ema: %v", err)
	}

	if err := store.DeleteEmaFrom(ctx, "btc", "1m", 10, day(2024, 1, 3)); err != nil {
		t.Fatalf("delete ema from: %v", err)
	}

	got, err := store.EmaPoints(ctx, "btc", "1m", 10, time.Time{})
	if err != nil {
		t.Fatalf("query ema: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows after delete-from = %d, want 2", len(got))
	}
	if !got[1].Timestamp.Equal(day(2024, 1, 2)) {
		t.Errorf("last remaining ts = %s, want 2024-01-02", got[1].Timestamp)
	}
}

func TestSQLiteStore_Watermark(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	wm, err := store.Watermark(ctx, "btc", "1m", 0)
	if err != nil {
		t.Fatalf("watermark on empty: %v", err)
	}
	if wm != nil {
		t.Fatal("absent watermark should be nil")
	}

	state := types.WatermarkState{
		AssetID:       "btc",
		Timeframe:     "1m",
		Period:        0,
		DailyMinSeen:  day(2024, 1, 1),
		DailyMaxSeen:  day(2024, 3, 15),
		LastTimeClose: day(2024, 2, 29),
		LastBarSeq:    1,
		UpdatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	if err := store.SaveWatermark(ctx, state); err != nil {
		t.Fatalf("save watermark: %v", err)
	}

	wm, err = store.Watermark(ctx, "btc", "1m", 0)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm == nil {
		t.Fatal("expected watermark, got nil")
	}
	if !wm.DailyMaxSeen.Equal(day(2024, 3, 15)) {
		t.Errorf("daily_max_seen = %s, want 2024-03-15", wm.DailyMaxSeen)
	}
	if !wm.LastTimeClose.Equal(day(2024, 2, 29)) {
		t.Errorf("last_time_close = %s, want 2024-02-29", wm.LastTimeClose)
	}
	if !wm.LastCanonicalTS.IsZero() {
		t.Errorf("unset last_canonical_ts should be zero, got %s", wm.LastCanonicalTS)
	}
	if wm.LastBarSeq != 1 {
		t.Errorf("last_bar_seq = %d, want 1", wm.LastBarSeq)
	}

	// Overwrite in place
	state.DailyMaxSeen = day(2024, 4, 1)
	state.LastBarSeq = 2
	if err := store.SaveWatermark(ctx, state); err != nil {
		t.Fatalf("save watermark again: %v", err)
	}
	wm, err = store.Watermark(ctx, "btc", "1m", 0)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.DailyMaxSeen.Equal(day(2024, 4, 1)) || wm.LastBarSeq != 2 {
		t.Errorf("overwritten watermark = (%s, %d), want (2024-04-01, 2)", wm.DailyMaxSeen, wm.LastBarSeq)
	}
}

func TestSQLiteStore_Watermark_PeriodKeysAreIndependent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	barWM := types.WatermarkState{
		AssetID: "btc", Timeframe: "1m", Period: 0,
		DailyMinSeen: day(2024, 1, 1), DailyMaxSeen: day(2024, 3, 1),
		UpdatedAt: time.Now().UTC(),
	}
	emaWM := types.WatermarkState{
		AssetID: "btc", Timeframe: "1m", Period: 10,
		DailyMinSeen: day(2024, 1, 1), DailyMaxSeen: day(2024, 2, 1),
		LastCanonicalTS: day(2024, 1, 31),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := store.SaveWatermark(ctx, barWM); err != nil {
		t.Fatalf("save bar watermark: %v", err)
	}
	if err := store.SaveWatermark(ctx, emaWM); err != nil {
		t.Fatalf("save ema watermark: %v", err)
	}

	got, err := store.Watermark(ctx, "btc", "1m", 10)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if got == nil || !got.LastCanonicalTS.Equal(day(2024, 1, 31)) {
		t.Errorf("period 10 watermark = %+v, want last_canonical_ts 2024-01-31", got)
	}

	other, err := store.Watermark(ctx, "btc", "1m", 20)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if other != nil {
		t.Error("period 20 watermark should be absent")
	}
}

func TestSQLiteStore_Freshness(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, ok, err := store.Freshness(ctx, "btc", "1m")
	if err != nil {
		t.Fatalf("freshness on empty: %v", err)
	}
	if ok {
		t.Error("freshness should report not ok with no watermark")
	}

	wm := types.WatermarkState{
		AssetID: "btc", Timeframe: "1m", Period: 0,
		DailyMinSeen: day(2024, 1, 1), DailyMaxSeen: day(2024, 3, 15),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveWatermark(ctx, wm); err != nil {
		t.Fatalf("save watermark: %v", err)
	}

	ts, ok, err := store.Freshness(ctx, "btc", "1m")
	if err != nil {
		t.Fatalf("freshness: %v", err)
	}
	if !ok || !ts.Equal(day(2024, 3, 15)) {
		t.Errorf("freshness = (%s, %v), want (2024-03-15, true)", ts, ok)
	}
}

func TestSQLiteStore_LogReject(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	entries := []types.RejectEntry{
		{
			AssetID:    "btc",
			Timeframe:  "1m",
			Timestamp:  day(2024, 1, 15),
			Reason:     types.RejectGap,
			RawPayload: "window 2024-01-01..2024-01-31 has 20 of 31 days",
			LoggedAt:   time.Now().UTC(),
		},
		{
			// Source-level reject has no timeframe and may have no timestamp.
			AssetID:  "btc",
			Reason:   types.RejectNullRow,
			LoggedAt: time.Now().UTC(),
		},
	}
	for _, e := range entries {
		if err := store.LogReject(ctx, e); err != nil {
			t.Fatalf("log reject %s: %v", e.Reason, err)
		}
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reject_log`).Scan(&count); err != nil {
		t.Fatalf("count rejects: %v", err)
	}
	if count != 2 {
		t.Errorf("reject rows = %d, want 2", count)
	}
}

func TestSQLiteStore_BarViolations(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	violations, err := store.BarViolations(ctx)
	if err != nil {
		t.Fatalf("bar violations on empty: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations on empty db = %v, want none", violations)
	}

	// Two canonical bars sharing a close date for the same key.
	a := testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false)
	b := testBar("btc", "1m", 1, day(2024, 1, 2), day(2024, 1, 31), false)
	if err := store.UpsertBars(ctx, []types.Bar{a, b}); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	violations, err = store.BarViolations(ctx)
	if err != nil {
		t.Fatalf("bar violations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	v := violations[0]
	if v.Table != "bars" || v.Check != "duplicate_canonical_close" {
		t.Errorf("violation = %s/%s, want bars/duplicate_canonical_close", v.Table, v.Check)
	}
	if v.Count == 0 || v.ExampleKey == "" {
		t.Errorf("violation should carry a count and example key: %+v", v)
	}
}

func TestSQLiteStore_BarViolations_IgnoresForming(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// A forming bar sharing a close with a canonical one is not a violation.
	a := testBar("btc", "1m", 0, day(2024, 1, 1), day(2024, 1, 31), false)
	b := testBar("btc", "1m", 1, day(2024, 1, 2), day(2024, 1, 31), true)
	if err := store.UpsertBars(ctx, []types.Bar{a, b}); err != nil {
		t.Fatalf("upsert bars: %v", err)
	}

	violations, err := store.BarViolations(ctx)
	if err != nil {
		t.Fatalf("bar violations: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v, want none", violations)
	}
}

func TestSQLiteStore_EmaViolations(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Canonical EMA row at a date where no canonical bar closes.
	orphan := types.EmaPoint{
		AssetID: "btc", Timeframe: "1m", Period: 10,
		Timestamp: day(2024, 2, 15), Ema: 100, Roll: false,
		IngestedAt: time.Now().UTC(),
	}
	if err := store.UpsertEmaPoints(ctx, []types.EmaPoint{orphan}); err != nil {
		t.Fatalf("upsert ema: %v", err)
	}

	violations, err := store.EmaViolations(ctx)
	if err != nil {
		t.Fatalf("ema violations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Check != "canonical_without_bar" {
		t.Errorf("check = %s, want canonical_without_bar", violations[0].Check)
	}

	// Backing bar clears it.
	bar := testBar("btc", "1m", 0, day(2024, 2, 1), day(2024, 2, 15), false)
	if err := store.UpsertBars(ctx, []types.Bar{bar}); err != nil {
		t.Fatalf("upsert bar: %v", err)
	}

	violations, err = store.EmaViolations(ctx)
	if err != nil {
		t.Fatalf("ema violations: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations after backing bar = %v, want none", violations)
	}
}

func TestSQLiteStore_EmaViolations_RollRowsUnconstrained(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Interior roll rows never need a backing bar.
	roll := types.EmaPoint{
		AssetID: "btc", Timeframe: "1m", Period: 10,
		Timestamp: day(2024, 2, 10), Ema: 100, Roll: true,
		IngestedAt: time.Now().UTC(),
	}
	if err := store.UpsertEmaPoints(ctx, []types.EmaPoint{roll}); err != nil {
		t.Fatalf("upsert ema: %v", err)
	}

	violations, err := store.EmaViolations(ctx)
	if err != nil {
		t.Fatalf("ema violations: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("violations = %v, want none", violations)
	}
}
