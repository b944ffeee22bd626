// Package persistence provides the relational store behind the aggregation
// pipeline: observations in, bars/EMA/watermark/reject rows out.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/types"
)

// Store defines the relational persistence interface consumed by the
// engines, the validation gate and the orchestration layer. Implementations
// exist for SQLite and Postgres.
type Store interface {
	// Observation operations. Observations are append-only plus occasional
	// backfill; InsertObservations upserts by (asset_id, ts) and returns the
	// number of rows written.
	InsertObservations(ctx context.Context, obs []types.Observation) (int, error)
	// Observations returns rows for an asset with ts >= from, ordered by ts.
	// A zero from returns the full series.
	Observations(ctx context.Context, assetID string, from time.Time) ([]types.Observation, error)
	// ObservationBounds returns the earliest and latest observed timestamps
	// for an asset. ok is false when the asset has no rows.
	ObservationBounds(ctx context.Context, assetID string) (min, max time.Time, ok bool, err error)
	// Assets returns the distinct asset ids present in observations.
	Assets(ctx context.Context) ([]string, error)

	// Bar operations. Upserts are keyed by (asset_id, timeframe, bar_seq) so
	// re-running a window range is idempotent.
	UpsertBars(ctx context.Context, bars []types.Bar) error
	DeleteBars(ctx context.Context, assetID, tf string) error
	DeleteBarsFromSeq(ctx context.Context, assetID, tf string, fromSeq int64) error
	// Bars returns bars with time_close >= from, ordered by bar_seq. A zero
	// from returns the full series.
	Bars(ctx context.Context, assetID, tf string, from time.Time) ([]types.Bar, error)
	// FirstSeqClosingAtOrAfter returns the lowest bar_seq whose time_close is
	// at or after ts. ok is false when no such bar exists.
	FirstSeqClosingAtOrAfter(ctx context.Context, assetID, tf string, ts time.Time) (seq int64, ok bool, err error)

	// EMA operations, keyed by (asset_id, timeframe, ts, period).
	UpsertEmaPoints(ctx context.Context, points []types.EmaPoint) error
	DeleteEma(ctx context.Context, assetID, tf string, period int) error
	DeleteEmaFrom(ctx context.Context, assetID, tf string, period int, from time.Time) error
	// EmaPoints returns rows with ts >= from for one key, ordered by ts.
	EmaPoints(ctx context.Context, assetID, tf string, period int, from time.Time) ([]types.EmaPoint, error)

	// Watermark operations. Watermark returns (nil, nil) when the key has no
	// state yet. SaveWatermark is an atomic upsert and is only called after a
	// unit's write phase has committed.
	Watermark(ctx context.Context, assetID, tf string, period int) (*types.WatermarkState, error)
	SaveWatermark(ctx context.Context, wm types.WatermarkState) error
	// Freshness returns the last committed source timestamp for a bar key,
	// consumed by the orchestration layer to gate EMA runs.
	Freshness(ctx context.Context, assetID, tf string) (time.Time, bool, error)

	// LogReject appends one audit record for a dropped or repaired row.
	LogReject(ctx context.Context, entry types.RejectEntry) error

	// Validation queries over the canonical subsets. Violations are returned
	// for reporting, never repaired.
	BarViolations(ctx context.Context) ([]*types.ConsistencyError, error)
	EmaViolations(ctx context.Context) ([]*types.ConsistencyError, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs a Store for the configured backend type.
func Open(storeType, path, dsn string) (Store, error) {
	switch storeType {
	case "sqlite", "":
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown database type %q", types.ErrInvalidConfig, storeType)
	}
}
