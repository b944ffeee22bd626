package barbuilder

import (
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/calendar"
	"github.com/tathienbao/barsmith/internal/types"
)

// aggregate groups observations into resolver windows and folds each group
// into one bar. seriesMin/seriesMax are the observed bounds of the full
// series, which may extend beyond the loaded slice on incremental runs.
func (b *Builder) aggregate(assetID string, obs []types.Observation, seriesMin, seriesMax time.Time, seqBase int64) ([]types.Bar, []types.RejectEntry, error) {
	var bars []types.Bar
	var gaps []types.RejectEntry

	seq := seqBase
	now := time.Now().UTC()

	for i := 0; i < len(obs); {
		start, end, err := calendar.Window(obs[i].Timestamp, b.spec)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve window for %s: %w", obs[i].Timestamp.Format("2006-01-02"), err)
		}

		j := i
		for i < len(obs) && !obs[i].Timestamp.After(end) {
			i++
		}
		group := obs[j:i]

		partialStart := seriesMin.After(start)
		forming := end.After(seriesMax)

		// Plain calendar and fixed alignments only emit a window once a full
		// period is available; anchored emits the partial leading window.
		if partialStart && b.spec.Alignment != types.AlignAnchored {
			continue
		}

		bar := foldGroup(assetID, b.spec.Label, seq, group)
		bar.IngestedAt = now

		if forming {
			bar.IsPartialEnd = true
			bar.TimeClose = group[len(group)-1].Timestamp
		} else {
			bar.TimeClose = end

			expectedStart := start
			if partialStart {
				expectedStart = seriesMin
			}
			if expected := calendar.SpanDays(expectedStart, end); bar.DayCount < expected {
				gaps = append(gaps, types.RejectEntry{
					AssetID:   assetID,
					Timeframe: b.spec.Label,
					Timestamp: end,
					Reason:    types.RejectGap,
					RawPayload: fmt.Sprintf("window %s..%s has %d/%d days",
						expectedStart.Format("2006-01-02"), end.Format("2006-01-02"),
						bar.DayCount, expected),
					LoggedAt: now,
				})
			}
		}

		bars = append(bars, bar)
		seq++
	}

	return bars, gaps, nil
}

// foldGroup computes OHLCV over one window's observations: open is the
// first, close the last, high/low carry the timestamp of their extreme,
// volume and market cap are summed.
func foldGroup(assetID, tf string, seq int64, group []types.Observation) types.Bar {
	first := group[0]
	last := group[len(group)-1]

	bar := types.Bar{
		AssetID:   assetID,
		Timeframe: tf,
		Seq:       seq,
		DayCount:  len(group),
		TimeOpen:  first.Timestamp,
		TimeHigh:  first.Timestamp,
		TimeLow:   first.Timestamp,
		Open:      first.Open,
		High:      first.High,
		Low:       first.Low,
		Close:     last.Close,
		Volume:    first.Volume,
		MarketCap: first.MarketCap,
	}

	for _, o := range group[1:] {
		if o.High.GreaterThan(bar.High) {
			bar.High = o.High
			bar.TimeHigh = o.Timestamp
		}
		if o.Low.LessThan(bar.Low) {
			bar.Low = o.Low
			bar.TimeLow = o.Timestamp
		}
		bar.Volume = bar.Volume.Add(o.Volume)
		bar.MarketCap = bar.MarketCap.Add(o.MarketCap)
	}

	return bar
}
