// Package ingest loads raw daily observations from CSV into the store,
// applying the data-quality rules: rows missing required fields or carrying
// negative prices are dropped, a swapped high/low pair is repaired in place,
// and every drop or repair leaves an audit record in the reject log.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/barsmith/internal/calendar"
	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/types"
)

// Result reports one ingest pass.
type Result struct {
	RowsRead     int
	RowsInserted int
	RowsRejected int
	RowsRepaired int
}

// Loader parses observation CSVs and writes clean rows to the store.
type Loader struct {
	store  persistence.Store
	logger *slog.Logger
}

// NewLoader creates a CSV loader.
func NewLoader(store persistence.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, logger: logger}
}

// LoadFile ingests one CSV file for an asset.
// CSV format: date,open,high,low,close,volume[,market_cap]
func (l *Loader) LoadFile(ctx context.Context, path, assetID string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return l.Load(ctx, file, assetID)
}

// Load ingests observations from a CSV reader.
func (l *Loader) Load(ctx context.Context, r io.Reader, assetID string) (*Result, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	res := &Result{}
	seen := make(map[time.Time]bool)
	var obs []types.Observation
	lineNum := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum+1, err)
		}
		lineNum++

		if lineNum == 1 && isHeader(record) {
			continue
		}
		res.RowsRead++

		o, verdict, err := parseRecord(record, assetID)
		if verdict != "" {
			res.RowsRejected++
			if logErr := l.store.LogReject(ctx, types.RejectEntry{
				AssetID:    assetID,
				Timestamp:  o.Timestamp,
				Reason:     verdict,
				RawPayload: strings.Join(record, ","),
				LoggedAt:   time.Now().UTC(),
			}); logErr != nil {
				return nil, logErr
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		if seen[o.Timestamp] {
			res.RowsRejected++
			if logErr := l.store.LogReject(ctx, types.RejectEntry{
				AssetID:    assetID,
				Timestamp:  o.Timestamp,
				Reason:     types.RejectDuplicateTS,
				RawPayload: strings.Join(record, ","),
				LoggedAt:   time.Now().UTC(),
			}); logErr != nil {
				return nil, logErr
			}
			continue
		}
		seen[o.Timestamp] = true

		if o.High.LessThan(o.Low) {
			// Swapped pair: repair the row, keep it, and leave an audit trail.
			o.High, o.Low = o.Low, o.High
			res.RowsRepaired++
			if logErr := l.store.LogReject(ctx, types.RejectEntry{
				AssetID:    assetID,
				Timestamp:  o.Timestamp,
				Reason:     types.RejectOHLCRepaired,
				RawPayload: strings.Join(record, ","),
				LoggedAt:   time.Now().UTC(),
			}); logErr != nil {
				return nil, logErr
			}
		}

		obs = append(obs, o)
	}

	if len(obs) > 0 {
		n, err := l.store.InsertObservations(ctx, obs)
		if err != nil {
			return nil, err
		}
		res.RowsInserted = n
	}

	l.logger.Info("ingest complete",
		"asset", assetID, "read", res.RowsRead,
		"inserted", res.RowsInserted, "rejected", res.RowsRejected,
		"repaired", res.RowsRepaired)

	return res, nil
}

// parseRecord parses one CSV row. A non-empty verdict classifies a rejected
// row; a hard error aborts the pass.
func parseRecord(record []string, assetID string) (types.Observation, types.RejectReason, error) {
	var o types.Observation
	o.AssetID = assetID

	if len(record) < 6 {
		return o, types.RejectNullRow, nil
	}
	for _, f := range record[:6] {
		if strings.TrimSpace(f) == "" {
			return o, types.RejectNullRow, nil
		}
	}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return o, types.RejectNullRow, nil
	}
	o.Timestamp = calendar.Normalize(ts)

	fields := []*decimal.Decimal{&o.Open, &o.High, &o.Low, &o.Close, &o.Volume}
	for i, dst := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(record[i+1]))
		if err != nil {
			return o, types.RejectNullRow, nil
		}
		*dst = v
	}
	if len(record) > 6 && strings.TrimSpace(record[6]) != "" {
		v, err := decimal.NewFromString(strings.TrimSpace(record[6]))
		if err != nil {
			return o, types.RejectNullRow, nil
		}
		o.MarketCap = v
	}

	for _, p := range []decimal.Decimal{o.Open, o.High, o.Low, o.Close} {
		if p.IsNegative() {
			return o, types.RejectNegativePrice, nil
		}
	}

	return o, "", nil
}

// parseTimestamp tries multiple timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	// Unix timestamp first
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}

	formats := []string{
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z",
		"01/02/2006",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unknown timestamp format: %s", s)
}

// isHeader checks if a record looks like a header row.
func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	headers := []string{"timestamp", "time", "date", "datetime", "open", "high", "low", "close"}
	first := strings.ToLower(strings.TrimSpace(record[0]))
	for _, h := range headers {
		if first == h {
			return true
		}
	}
	return false
}
