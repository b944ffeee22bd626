package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/types"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements Store using Postgres via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to Postgres and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			asset_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			open NUMERIC NOT NULL,
			high NUMERIC NOT NULL,
			low NUMERIC NOT NULL,
			close NUMERIC NOT NULL,
			volume NUMERIC NOT NULL,
			market_cap NUMERIC NOT NULL,
			PRIMARY KEY (asset_id, ts)
		)`,

		`CREATE TABLE IF NOT EXISTS bars (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			bar_seq BIGINT NOT NULL,
			day_count INTEGER NOT NULL,
			time_open TIMESTAMPTZ NOT NULL,
			time_close TIMESTAMPTZ,
			time_high TIMESTAMPTZ NOT NULL,
			time_low TIMESTAMPTZ NOT NULL,
			open NUMERIC NOT NULL,
			high NUMERIC NOT NULL,
			low NUMERIC NOT NULL,
			close NUMERIC NOT NULL,
			volume NUMERIC NOT NULL,
			market_cap NUMERIC NOT NULL,
			is_partial_end BOOLEAN NOT NULL DEFAULT FALSE,
			ingested_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (asset_id, timeframe, bar_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_time_close ON bars(asset_id, timeframe, time_close)`,

		`CREATE TABLE IF NOT EXISTS ema (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			period INTEGER NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			ema DOUBLE PRECISION NOT NULL,
			ema_bar DOUBLE PRECISION,
			roll BOOLEAN NOT NULL,
			d1 DOUBLE PRECISION,
			d2 DOUBLE PRECISION,
			d1_roll DOUBLE PRECISION,
			d2_roll DOUBLE PRECISION,
			ingested_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (asset_id, timeframe, ts, period)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ema_key_ts ON ema(asset_id, timeframe, period, ts)`,

		`CREATE TABLE IF NOT EXISTS watermark (
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			period INTEGER NOT NULL DEFAULT 0,
			daily_min_seen TIMESTAMPTZ NOT NULL,
			daily_max_seen TIMESTAMPTZ NOT NULL,
			last_time_close TIMESTAMPTZ,
			last_canonical_ts TIMESTAMPTZ,
			last_bar_seq BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (asset_id, timeframe, period)
		)`,

		`CREATE TABLE IF NOT EXISTS reject_log (
			id BIGSERIAL PRIMARY KEY,
			asset_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			ts TIMESTAMPTZ,
			reason TEXT NOT NULL,
			raw_payload TEXT,
			logged_at TIMESTAMPTZ NOT NULL
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
func (s *PostgresStore) InsertObservations(ctx context.Context, obs []types.Observation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &types.TransientError{Op: "insert observations", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations
		(asset_id, ts, open, high, low, close, volume, market_cap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset_id, ts) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume, market_cap = EXCLUDED.market_cap`)
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
func (s *PostgresStore) Observations(ctx context.Context, assetID string, from time.Time) ([]types.Observation, error) {
	query := `SELECT asset_id, ts, open::text, high::text, low::text, close::text, volume::text, market_cap::text
		FROM observations WHERE asset_id = $1 AND ts >= $2 ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, assetID, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query observations", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanObservations(rows)
}

// ObservationBounds returns the earliest and latest timestamps for an asset.
func (s *PostgresStore) ObservationBounds(ctx context.Context, assetID string) (time.Time, time.Time, bool, error) {
	query := `SELECT MIN(ts), MAX(ts) FROM observations WHERE asset_id = $1`

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
func (s *PostgresStore) Assets(ctx context.Context) ([]string, error) {
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
func (s *PostgresStore) UpsertBars(ctx context.Context, bars []types.Bar) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (asset_id, timeframe, bar_seq) DO UPDATE SET
			day_count = EXCLUDED.day_count,
			time_open = EXCLUDED.time_open, time_close = EXCLUDED.time_close,
			time_high = EXCLUDED.time_high, time_low = EXCLUDED.time_low,
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			volume = EXCLUDED.volume, market_cap = EXCLUDED.market_cap,
			is_partial_end = EXCLUDED.is_partial_end, ingested_at = EXCLUDED.ingested_at`)
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
func (s *PostgresStore) DeleteBars(ctx context.Context, assetID, tf string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bars WHERE asset_id = $1 AND timeframe = $2`, assetID, tf)
	if err != nil {
		return &types.TransientError{Op: "delete bars", Err: err}
	}
	return nil
}

// DeleteBarsFromSeq removes bars with bar_seq >= fromSeq for one key.
func (s *PostgresStore) DeleteBarsFromSeq(ctx context.Context, assetID, tf string, fromSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bars WHERE asset_id = $1 AND timeframe = $2 AND bar_seq >= $3`,
		assetID, tf, fromSeq)
	if err != nil {
		return &types.TransientError{Op: "delete bars from seq", Err: err}
	}
	return nil
}

// Bars returns bars with time_close >= from, ordered by bar_seq.
func (s *PostgresStore) Bars(ctx context.Context, assetID, tf string, from time.Time) ([]types.Bar, error) {
	query := `SELECT asset_id, timeframe, bar_seq, day_count, time_open, time_close, time_high, time_low,
			open::text, high::text, low::text, close::text, volume::text, market_cap::text,
			is_partial_end, ingested_at
		FROM bars WHERE asset_id = $1 AND timeframe = $2 AND time_close >= $3 ORDER BY bar_seq`

	rows, err := s.db.QueryContext(ctx, query, assetID, tf, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query bars", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanBars(rows)
}

// FirstSeqClosingAtOrAfter returns the lowest bar_seq closing at or after ts.
func (s *PostgresStore) FirstSeqClosingAtOrAfter(ctx context.Context, assetID, tf string, ts time.Time) (int64, bool, error) {
	query := `SELECT bar_seq FROM bars
		WHERE asset_id = $1 AND timeframe = $2 AND time_close >= $3
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
func (s *PostgresStore) UpsertEmaPoints(ctx context.Context, points []types.EmaPoint) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (asset_id, timeframe, ts, period) DO UPDATE SET
			ema = EXCLUDED.ema, ema_bar = EXCLUDED.ema_bar, roll = EXCLUDED.roll,
			d1 = EXCLUDED.d1, d2 = EXCLUDED.d2,
			d1_roll = EXCLUDED.d1_roll, d2_roll = EXCLUDED.d2_roll,
			ingested_at = EXCLUDED.ingested_at`)
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
func (s *PostgresStore) DeleteEma(ctx context.Context, assetID, tf string, period int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ema WHERE asset_id = $1 AND timeframe = $2 AND period = $3`,
		assetID, tf, period)
	if err != nil {
		return &types.TransientError{Op: "delete ema", Err: err}
	}
	return nil
}

// DeleteEmaFrom removes EMA rows with ts >= from for one key.
func (s *PostgresStore) DeleteEmaFrom(ctx context.Context, assetID, tf string, period int, from time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ema WHERE asset_id = $1 AND timeframe = $2 AND period = $3 AND ts >= $4`,
		assetID, tf, period, from.UTC())
	if err != nil {
		return &types.TransientError{Op: "delete ema from", Err: err}
	}
	return nil
}

// EmaPoints returns rows with ts >= from for one key, ordered by ts.
func (s *PostgresStore) EmaPoints(ctx context.Context, assetID, tf string, period int, from time.Time) ([]types.EmaPoint, error) {
	query := `SELECT asset_id, timeframe, period, ts, ema, ema_bar, roll, d1, d2, d1_roll, d2_roll, ingested_at
		FROM ema WHERE asset_id = $1 AND timeframe = $2 AND period = $3 AND ts >= $4 ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, assetID, tf, period, from.UTC())
	if err != nil {
		return nil, &types.TransientError{Op: "query ema", Err: err}
	}
	defer func() { _ = rows.Close() }()

	return scanEmaPoints(rows)
}

// Watermark returns the state row for a key, or (nil, nil) when absent.
func (s *PostgresStore) Watermark(ctx context.Context, assetID, tf string, period int) (*types.WatermarkState, error) {
	query := `SELECT asset_id, timeframe, period, daily_min_seen, daily_max_seen,
			last_time_close, last_canonical_ts, last_bar_seq, updated_at
		FROM watermark WHERE asset_id = $1 AND timeframe = $2 AND period = $3`

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
func (s *PostgresStore) SaveWatermark(ctx context.Context, wm types.WatermarkState) error {
	query := `INSERT INTO watermark
		(asset_id, timeframe, period, daily_min_seen, daily_max_seen,
		 last_time_close, last_canonical_ts, last_bar_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (asset_id, timeframe, period) DO UPDATE SET
			daily_min_seen = EXCLUDED.daily_min_seen,
			daily_max_seen = EXCLUDED.daily_max_seen,
			last_time_close = EXCLUDED.last_time_close,
			last_canonical_ts = EXCLUDED.last_canonical_ts,
			last_bar_seq = EXCLUDED.last_bar_seq,
			updated_at = EXCLUDED.updated_at`

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
func (s *PostgresStore) Freshness(ctx context.Context, assetID, tf string) (time.Time, bool, error) {
	query := `SELECT daily_max_seen FROM watermark WHERE asset_id = $1 AND timeframe = $2 AND period = 0`

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
func (s *PostgresStore) LogReject(ctx context.Context, entry types.RejectEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reject_log
		(asset_id, timeframe, ts, reason, raw_payload, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.AssetID, entry.Timeframe, nullTime(entry.Timestamp),
		string(entry.Reason), entry.RawPayload, entry.LoggedAt.UTC(),
	)
	if err != nil {
		return &types.TransientError{Op: "log reject", Err: err}
	}
	return nil
}

// BarViolations checks the canonical bar invariants.
func (s *PostgresStore) BarViolations(ctx context.Context) ([]*types.ConsistencyError, error) {
	var out []*types.ConsistencyError

	dup, err := s.groupViolation(ctx, "bars", "duplicate_canonical_close",
		`SELECT asset_id || '/' || timeframe || '@' || time_close::text, COUNT(*)
		 FROM bars WHERE is_partial_end = FALSE AND time_close IS NOT NULL
		 GROUP BY asset_id, timeframe, time_close HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		out = append(out, dup)
	}

	null, err := s.groupViolation(ctx, "bars", "null_canonical_close",
		`SELECT asset_id || '/' || timeframe || '#' || bar_seq::text, 1
		 FROM bars WHERE is_partial_end = FALSE AND time_close IS NULL`)
	if err != nil {
		return nil, err
	}
	if null != nil {
		out = append(out, null)
	}

	return out, nil
}

// EmaViolations checks the canonical EMA invariants.
func (s *PostgresStore) EmaViolations(ctx context.Context) ([]*types.ConsistencyError, error) {
	var out []*types.ConsistencyError

	dup, err := s.groupViolation(ctx, "ema", "duplicate_canonical_key",
		`SELECT asset_id || '/' || timeframe || '/' || period::text || '@' || ts::text, COUNT(*)
		 FROM ema WHERE roll = FALSE
		 GROUP BY asset_id, timeframe, period, ts HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		out = append(out, dup)
	}

	orphan, err := s.groupViolation(ctx, "ema", "canonical_without_bar",
		`SELECT e.asset_id || '/' || e.timeframe || '/' || e.period::text || '@' || e.ts::text, 1
		 FROM ema e WHERE e.roll = FALSE AND NOT EXISTS (
			SELECT 1 FROM bars b
			WHERE b.asset_id = e.asset_id AND b.timeframe = e.timeframe
			  AND b.is_partial_end = FALSE AND b.time_close = e.ts)`)
	if err != nil {
		return nil, err
	}
	if orphan != nil {
		out = append(out, orphan)
	}

	return out, nil
}

func (s *PostgresStore) groupViolation(ctx context.Context, table, check, query string) (*types.ConsistencyError, error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
