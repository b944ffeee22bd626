package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			asset_id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			market_cap TEXT NOT NULL,
			PRIMARY KEY (asset_id, ts)
		)`,

		`CREATE TABLE IF NOT EXISTS bars (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			bar_seq INTEGER NOT NULL,
			day_count INTEGER NOT NULL,
			time_open DATETIME NOT NULL,
			time_close DATETIME,
			time_high DATETIME NOT NULL,
			time_low DATETIME NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			market_cap TEXT NOT NULL,
			is_partial_end INTEGER NOT NULL DEFAULT 0,
			ingested_at DATETIME NOT NULL,
			PRIMARY KEY (asset_id, timeframe, bar_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_time_close ON bars(asset_id, timeframe, time_close)`,

		`CREATE TABLE IF NOT EXISTS ema (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			period INTEGER NOT NULL,
			ts DATETIME NOT NULL,
			ema REAL NOT NULL,
			ema_bar REAL,
			roll INTEGER NOT NULL,
			d1 REAL,
			d2 REAL,
			d1_roll REAL,
			d2_roll REAL,
			ingested_at DATETIME NOT NULL,
			PRIMARY KEY (asset_id, timeframe, ts, period)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ema_key_ts ON ema(asset_id, timeframe, period, ts)`,

		`CREATE TABLE IF NOT EXISTS watermark (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			period INTEGER NOT NULL DEFAULT 0,
			daily_min_seen DATETIME NOT NULL,
			daily_max_seen DATETIME NOT NULL,
			last_time_close DATETIME,
			last_canonical_ts DATETIME,
			last_bar_seq INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (asset_id, timeframe, period)
		)`,

		`CREATE TABLE IF NOT EXISTS reject_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			ts DATETIME,
			reason TEXT NOT NULL,
			raw_payload TEXT,
			logged_at DATETIME NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// InsertObservations upserts raw daily rows keyed by (asset_id, ts).
func (s *SQLiteStore) InsertObservations(ctx context.Context, obs []types.Observation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &types.TransientError{Op: "insert observations", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations
		(asset_id, ts, open, high, low, close, volume, market_cap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, market_cap = excluded.market_cap`)
	if err != nil {
		return 0, fmt.Errorf("prepare observation insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	written := 0
	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx,
			o.AssetID, o.Timestamp.UTC(),
			o.Open.String(), o.High.String(), o.Low.String(), o.Close.String(),
			o.Volume.String(), o.MarketCap.String(),
		); err != nil {
			return 0, fmt.Errorf("insert observation %s/%s: %w", o.AssetID, o.Timestamp.Format("2006-01-02"), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, &types.TransientError{Op: "commit observations", Err: err}
	}
	return written, nil
}

// Observations returns rows for an asset with ts >= from, ordered by ts.
func (s *SQLiteStore) Observations(ctx context.Context, assetID string, from time.Time) ([]types.Observation, error) {
	query := `SELECT asset_id, ts, open, high, low, close, volume, market_cap
		FROM observations WHERE asset_id = ? AND ts >= ? ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, assetID, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query observations", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanObservations(rows)
}

// ObservationBounds returns the earliest and latest timestamps for an asset.
func (s *SQLiteStore) ObservationBounds(ctx context.Context, assetID string) (time.Time, time.Time, bool, error) {
	// MIN/MAX strip the column's declared type, so the driver would hand the
	// aggregate back as a string; ordered subselects keep the DATETIME decltype.
	query := `SELECT
		(SELECT ts FROM observations WHERE asset_id = ?1 ORDER BY ts ASC LIMIT 1),
		(SELECT ts FROM observations WHERE asset_id = ?1 ORDER BY ts DESC LIMIT 1)`

	var min, max sql.NullTime
	err := s.db.QueryRowContext(ctx, query, assetID).Scan(&min, &max)
	if err != nil {
		return time.Time{}, time.Time{}, false, &types.TransientError{Op: "query observation bounds", Err: err}
	}
	if !min.Valid || !max.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return min.Time.UTC(), max.Time.UTC(), true, nil
}

// Assets returns the distinct asset ids present in observations.
func (s *SQLiteStore) Assets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT asset_id FROM observations ORDER BY asset_id`)
	if err != nil {
		return nil, &types.TransientError{Op: "query assets", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var assets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}
		assets = append(assets, id)
	}
	return assets, rows.Err()
}

// UpsertBars writes bars keyed by (asset_id, timeframe, bar_seq) in one
// transaction.
func (s *SQLiteStore) UpsertBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientError{Op: "upsert bars", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars
		(asset_id, timeframe, bar_seq, day_count, time_open, time_close, time_high, time_low,
		 open, high, low, close, volume, market_cap, is_partial_end, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, timeframe, bar_seq) DO UPDATE SET
			day_count = excluded.day_count,
			time_open = excluded.time_open, time_close = excluded.time_close,
			time_high = excluded.time_high, time_low = excluded.time_low,
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
			volume = excluded.volume, market_cap = excluded.market_cap,
			is_partial_end = excluded.is_partial_end, ingested_at = excluded.ingested_at`)
	if err != nil {
		return fmt.Errorf("prepare bar upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.AssetID, b.Timeframe, b.Seq, b.DayCount,
			b.TimeOpen.UTC(), nullTime(b.TimeClose), b.TimeHigh.UTC(), b.TimeLow.UTC(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume.String(), b.MarketCap.String(),
			b.IsPartialEnd, b.IngestedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert bar %s/%s/%d: %w", b.AssetID, b.Timeframe, b.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.TransientError{Op: "commit bars", Err: err}
	}
	return nil
}

// DeleteBars removes every bar for one (asset, timeframe) key.
func (s *SQLiteStore) DeleteBars(ctx context.Context, assetID, tf string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE asset_id = ? AND timeframe = ?`, assetID, tf)
	if err != nil {
		return &types.TransientError{Op: "delete bars", Err: err}
	}
	return nil
}

// DeleteBarsFromSeq removes bars with bar_seq >= fromSeq for one key.
func (s *SQLiteStore) DeleteBarsFromSeq(ctx context.Context, assetID, tf string, fromSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bars WHERE asset_id = ? AND timeframe = ? AND bar_seq >= ?`,
		assetID, tf, fromSeq)
	if err != nil {
		return &types.TransientError{Op: "delete bars from seq", Err: err}
	}
	return nil
}

// Bars returns bars with time_close >= from, ordered by bar_seq.
func (s *SQLiteStore) Bars(ctx context.Context, assetID, tf string, from time.Time) ([]types.Bar, error) {
	query := `SELECT asset_id, timeframe, bar_seq, day_count, time_open, time_close, time_high, time_low,
			open, high, low, close, volume, market_cap, is_partial_end, ingested_at
		FROM bars WHERE asset_id = ? AND timeframe = ? AND time_close >= ? ORDER BY bar_seq`

	rows, err := s.db.QueryContext(ctx, query, assetID, tf, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query bars", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanBars(rows)
}

// FirstSeqClosingAtOrAfter returns the lowest bar_seq closing at or after ts.
func (s *SQLiteStore) FirstSeqClosingAtOrAfter(ctx context.Context, assetID, tf string, ts time.Time) (int64, bool, error) {
	query := `SELECT bar_seq FROM bars
		WHERE asset_id = ? AND timeframe = ? AND time_close >= ?
		ORDER BY bar_seq LIMIT 1`

	var seq int64
	err := s.db.QueryRowContext(ctx, query, assetID, tf, ts.UTC()).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &types.TransientError{Op: "query first bar seq", Err: err}
	}
	return seq, true, nil
}

// UpsertEmaPoints writes EMA rows keyed by (asset_id, timeframe, ts, period).
func (s *SQLiteStore) UpsertEmaPoints(ctx context.Context, points []types.EmaPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.TransientError{Op: "upsert ema", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ema
		(asset_id, timeframe, period, ts, ema, ema_bar, roll, d1, d2, d1_roll, d2_roll, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, timeframe, ts, period) DO UPDATE SET
			ema = excluded.ema, ema_bar = excluded.ema_bar, roll = excluded.roll,
			d1 = excluded.d1, d2 = excluded.d2,
			d1_roll = excluded.d1_roll, d2_roll = excluded.d2_roll,
			ingested_at = excluded.ingested_at`)
	if err != nil {
		return fmt.Errorf("prepare ema upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.AssetID, p.Timeframe, p.Period, p.Timestamp.UTC(),
			p.Ema, nullFloat(p.EmaBar), p.Roll,
			nullFloat(p.D1), nullFloat(p.D2), nullFloat(p.D1Roll), nullFloat(p.D2Roll),
			p.IngestedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert ema %s/%s/%d@%s: %w",
				p.AssetID, p.Timeframe, p.Period, p.Timestamp.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.TransientError{Op: "commit ema", Err: err}
	}
	return nil
}

// DeleteEma removes every EMA row for one (asset, timeframe, period) key.
func (s *SQLiteStore) DeleteEma(ctx context.Context, assetID, tf string, period int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ema WHERE asset_id = ? AND timeframe = ? AND period = ?`,
		assetID, tf, period)
	if err != nil {
		return &types.TransientError{Op: "delete ema", Err: err}
	}
	return nil
}

// DeleteEmaFrom removes EMA rows with ts >= from for one key.
func (s *SQLiteStore) DeleteEmaFrom(ctx context.Context, assetID, tf string, period int, from time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ema WHERE asset_id = ? AND timeframe = ? AND period = ? AND ts >= ?`,
		assetID, tf, period, from.UTC())
	if err != nil {
		return &types.TransientError{Op: "delete ema from", Err: err}
	}
	return nil
}

// EmaPoints returns rows with ts >= from for one key, ordered by ts.
func (s *SQLiteStore) EmaPoints(ctx context.Context, assetID, tf string, period int, from time.Time) ([]types.EmaPoint, error) {
	query := `SELECT asset_id, timeframe, period, ts, ema, ema_bar, roll, d1, d2, d1_roll, d2_roll, ingested_at
		FROM ema WHERE asset_id = ? AND timeframe = ? AND period = ? AND ts >= ? ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, assetID, tf, period, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query ema", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanEmaPoints(rows)
}

// Watermark returns the state row for a key, or (nil, nil) when absent.
func (s *SQLiteStore) Watermark(ctx context.Context, assetID, tf string, period int) (*types.WatermarkState, error) {
	query := `SELECT asset_id, timeframe, period, daily_min_seen, daily_max_seen,
			last_time_close, last_canonical_ts, last_bar_seq, updated_at
		FROM watermark WHERE asset_id = ? AND timeframe = ? AND period = ?`

	var wm types.WatermarkState
	var lastClose, lastCanonical sql.NullTime

	err := s.db.QueryRowContext(ctx, query, assetID, tf, period).Scan(
		&wm.AssetID, &wm.Timeframe, &wm.Period,
		&wm.DailyMinSeen, &wm.DailyMaxSeen,
		&lastClose, &lastCanonical, &wm.LastBarSeq, &wm.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.TransientError{Op: "query watermark", Err: err}
	}

	wm.DailyMinSeen = wm.DailyMinSeen.UTC()
	wm.DailyMaxSeen = wm.DailyMaxSeen.UTC()
	wm.LastTimeClose = timeOrZero(lastClose)
	wm.LastCanonicalTS = timeOrZero(lastCanonical)
	return &wm, nil
}

// SaveWatermark atomically overwrites the state row for a key.
func (s *SQLiteStore) SaveWatermark(ctx context.Context, wm types.WatermarkState) error {
	query := `INSERT INTO watermark
		(asset_id, timeframe, period, daily_min_seen, daily_max_seen,
		 last_time_close, last_canonical_ts, last_bar_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, timeframe, period) DO UPDATE SET
			daily_min_seen = excluded.daily_min_seen,
			daily_max_seen = excluded.daily_max_seen,
			last_time_close = excluded.last_time_close,
			last_canonical_ts = excluded.last_canonical_ts,
			last_bar_seq = excluded.last_bar_seq,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		wm.AssetID, wm.Timeframe, wm.Period,
		wm.DailyMinSeen.UTC(), wm.DailyMaxSeen.UTC(),
		nullTime(wm.LastTimeClose), nullTime(wm.LastCanonicalTS),
		wm.LastBarSeq, wm.UpdatedAt.UTC(),
	)
	if err != nil {
		return &types.TransientError{Op: "save watermark", Err: err}
	}
	return nil
}

// Freshness returns the last committed source timestamp for a bar key.
func (s *SQLiteStore) Freshness(ctx context.Context, assetID, tf string) (time.Time, bool, error) {
	query := `SELECT daily_max_seen FROM watermark WHERE asset_id = ? AND timeframe = ? AND period = 0`

	var maxSeen time.Time
	err := s.db.QueryRowContext(ctx, query, assetID, tf).Scan(&maxSeen)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &types.TransientError{Op: "query freshness", Err: err}
	}
	return maxSeen.UTC(), true, nil
}

// LogReject appends one audit record.
func (s *SQLiteStore) LogReject(ctx context.Context, entry types.RejectEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reject_log
		(asset_id, timeframe, ts, reason, raw_payload, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AssetID, entry.Timeframe, nullTime(entry.Timestamp),
		string(entry.Reason), entry.RawPayload, entry.LoggedAt.UTC(),
	)
	if err != nil {
		return &types.TransientError{Op: "log reject", Err: err}
	}
	return nil
}

// BarViolations checks the canonical bar invariants.
func (s *SQLiteStore) BarViolations(ctx context.Context) ([]*types.ConsistencyError, error) {
	var out []*types.ConsistencyError

	dup, err := s.groupViolation(ctx, "bars", "duplicate_canonical_close",
		`SELECT asset_id || '/' || timeframe || '@' || time_close, COUNT(*)
		 FROM bars WHERE is_partial_end = 0 AND time_close IS NOT NULL
		 GROUP BY asset_id, timeframe, time_close HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		out = append(out, dup)
	}

	null, err := s.groupViolation(ctx, "bars", "null_canonical_close",
		`SELECT asset_id || '/' || timeframe || '#' || bar_seq, 1
		 FROM bars WHERE is_partial_end = 0 AND time_close IS NULL`)
	if err != nil {
		return nil, err
	}
	if null != nil {
		out = append(out, null)
	}

	return out, nil
}

// EmaViolations checks the canonical EMA invariants.
func (s *SQLiteStore) EmaViolations(ctx context.Context) ([]*types.ConsistencyError, error) {
	var out []*types.ConsistencyError

	dup, err := s.groupViolation(ctx, "ema", "duplicate_canonical_key",
		`SELECT asset_id || '/' || timeframe || '/' || period || '@' || ts, COUNT(*)
		 FROM ema WHERE roll = 0
		 GROUP BY asset_id, timeframe, period, ts HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		out = append(out, dup)
	}

	orphan, err := s.groupViolation(ctx, "ema", "canonical_without_bar",
		`SELECT e.asset_id || '/' || e.timeframe || '/' || e.period || '@' || e.ts, 1
		 FROM ema e WHERE e.roll = 0 AND NOT EXISTS (
			SELECT 1 FROM bars b
			WHERE b.asset_id = e.asset_id AND b.timeframe = e.timeframe
			  AND b.is_partial_end = 0 AND b.time_close = e.ts)`)
	if err != nil {
		return nil, err
	}
	if orphan != nil {
		out = append(out, orphan)
	}

	return out, nil
}

// groupViolation runs a (key, count) query and folds it into a single
// ConsistencyError, or nil when the query returns no rows.
func (s *SQLiteStore) groupViolation(ctx context.Context, table, check, query string) (*types.ConsistencyError, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &types.TransientError{Op: "validation query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var example string
	total := 0
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if example == "" {
			example = key
		}
		total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	return &types.ConsistencyError{Table: table, Check: check, ExampleKey: example, Count: total}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
