package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/barsmith/internal/types"
)

// Row scanning is shared between the SQLite and Postgres backends; only the
// SQL text differs.

func scanObservations(rows *sql.Rows) ([]types.Observation, error) {
	var out []types.Observation
	for rows.Next() {
		var o types.Observation
		var open, high, low, closeVal, volume, marketCap string

		if err := rows.Scan(&o.AssetID, &o.Timestamp, &open, &high, &low, &closeVal, &volume, &marketCap); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}

		o.Open, _ = decimal.NewFromString(open)
		o.High, _ = decimal.NewFromString(high)
		o.Low, _ = decimal.NewFromString(low)
		o.Close, _ = decimal.NewFromString(closeVal)
		o.Volume, _ = decimal.NewFromString(volume)
		o.MarketCap, _ = decimal.NewFromString(marketCap)
		o.Timestamp = o.Timestamp.UTC()

		out = append(out, o)
	}
	return out, rows.Err()
}

func scanBars(rows *sql.Rows) ([]types.Bar, error) {
	var out []types.Bar
	for rows.Next() {
		var b types.Bar
		var open, high, low, closeVal, volume, marketCap string
		var timeClose sql.NullTime

		if err := rows.Scan(
			&b.AssetID, &b.Timeframe, &b.Seq, &b.DayCount,
			&b.TimeOpen, &timeClose, &b.TimeHigh, &b.TimeLow,
			&open, &high, &low, &closeVal, &volume, &marketCap,
			&b.IsPartialEnd, &b.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}

		b.Open, _ = decimal.NewFromString(open)
		b.High, _ = decimal.NewFromString(high)
		b.Low, _ = decimal.NewFromString(low)
		b.Close, _ = decimal.NewFromString(closeVal)
		b.Volume, _ = decimal.NewFromString(volume)
		b.MarketCap, _ = decimal.NewFromString(marketCap)
		if timeClose.Valid {
			b.TimeClose = timeClose.Time.UTC()
		}
		b.TimeOpen = b.TimeOpen.UTC()
		b.TimeHigh = b.TimeHigh.UTC()
		b.TimeLow = b.TimeLow.UTC()

		out = append(out, b)
	}
	return out, rows.Err()
}

func scanEmaPoints(rows *sql.Rows) ([]types.EmaPoint, error) {
	var out []types.EmaPoint
	for rows.Next() {
		var p types.EmaPoint
		var emaBar, d1, d2, d1Roll, d2Roll sql.NullFloat64

		if err := rows.Scan(
			&p.AssetID, &p.Timeframe, &p.Period, &p.Timestamp,
			&p.Ema, &emaBar, &p.Roll, &d1, &d2, &d1Roll, &d2Roll,
			&p.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ema point: %w", err)
		}

		p.EmaBar = floatPtr(emaBar)
		p.D1 = floatPtr(d1)
		p.D2 = floatPtr(d2)
		p.D1Roll = floatPtr(d1Roll)
		p.D2Roll = floatPtr(d2Roll)
		p.Timestamp = p.Timestamp.UTC()

		out = append(out, p)
	}
	return out, rows.Err()
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOrZero(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time.UTC()
}
