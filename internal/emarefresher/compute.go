package emarefresher

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/barsmith/internal/calendar"
	"github.com/tathienbao/barsmith/internal/timeframe"
	"github.com/tathienbao/barsmith/internal/types"
	"github.com/tathienbao/barsmith/pkg/indicator"
)

// canonicalClose is one closed window boundary: the timestamp rows snap to,
// the closing price, and the actual day coverage of the window.
type canonicalClose struct {
	ts       time.Time
	close    float64
	dayCount int
}

// inputs carries everything a Run needs, loaded once and shared across
// periods: the full daily series and the canonical close sequence.
type inputs struct {
	obs         []types.Observation
	closes      []canonicalClose
	upstreamMin time.Time
	upstreamMax time.Time
	barMaxSeen  time.Time
	lastBarSeq  int64
}

// loadInputs reads the daily series and derives the canonical closes. The
// calendar variants take closes from committed canonical bars and require the
// bar stage to have run; the fixed variants derive boundaries directly from
// the observations.
func (r *Refresher) loadInputs(ctx context.Context, assetID string) (*inputs, error) {
	obs, err := r.store.Observations(ctx, assetID, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNoObservations, assetID)
	}

	in := &inputs{
		obs:         obs,
		upstreamMin: obs[0].Timestamp,
		upstreamMax: obs[len(obs)-1].Timestamp,
	}

	if r.consumesBars() {
		barWm, err := r.store.Watermark(ctx, assetID, r.spec.Label, 0)
		if err != nil {
			return nil, err
		}
		if barWm == nil {
			return nil, fmt.Errorf("%w: %s/%s has no committed bars", types.ErrStaleUpstream, assetID, r.spec.Label)
		}
		in.lastBarSeq = barWm.LastBarSeq
		in.barMaxSeen = barWm.DailyMaxSeen

		bars, err := r.store.Bars(ctx, assetID, r.spec.Label, time.Time{})
		if err != nil {
			return nil, err
		}
		in.closes, err = closesFromBars(bars, r.spec)
		if err != nil {
			return nil, err
		}
	} else {
		in.closes, err = closesFromObservations(obs, r.spec)
		if err != nil {
			return nil, err
		}
	}

	return in, nil
}

// closesFromBars extracts the canonical closes from committed bars. Forming
// bars and anchored partial-start bars are excluded: only bars covering a
// complete window from its true calendar start may seed or advance the
// bar-space average.
func closesFromBars(bars []types.Bar, spec timeframe.Spec) ([]canonicalClose, error) {
	var closes []canonicalClose
	for _, bar := range bars {
		if !bar.Canonical() {
			continue
		}
		start, _, err := calendar.Window(bar.TimeClose, spec)
		if err != nil {
			return nil, err
		}
		if bar.TimeOpen.After(start) {
			continue
		}
		c, _ := bar.Close.Float64()
		closes = append(closes, canonicalClose{ts: bar.TimeClose, close: c, dayCount: bar.DayCount})
	}
	return closes, nil
}

// closesFromObservations derives window boundaries straight from the daily
// series for the fixed variants. The incomplete leading window is skipped and
// the window still forming at the series end is not a close.
func closesFromObservations(obs []types.Observation, spec timeframe.Spec) ([]canonicalClose, error) {
	seriesMin := obs[0].Timestamp
	seriesMax := obs[len(obs)-1].Timestamp

	var closes []canonicalClose
	for i := 0; i < len(obs); {
		start, end, err := calendar.Window(obs[i].Timestamp, spec)
		if err != nil {
			return nil, err
		}
		j := i
		for i < len(obs) && !obs[i].Timestamp.After(end) {
			i++
		}
		if seriesMin.After(start) || end.After(seriesMax) {
			continue
		}
		c, _ := obs[i-1].Close.Float64()
		closes = append(closes, canonicalClose{ts: end, close: c, dayCount: i - j})
	}
	return closes, nil
}

// seriesState threads derivative bookkeeping through row emission.
type seriesState struct {
	prevEma     float64
	havePrevEma bool
	prevD1Roll  *float64
	prevCanon   *float64
	prevCanonD1 *float64
}

// computeSeries recomputes the full EMA row series for one period from the
// true seed. The caller decides how much of it to rewrite.
func (r *Refresher) computeSeries(assetID string, period int, in *inputs) ([]types.EmaPoint, error) {
	seedCount := 1
	if r.cfg.SeedPolicy == indicator.SeedSMA {
		seedCount = period
	}
	if len(in.closes) < seedCount {
		return nil, fmt.Errorf("%w: %s/%s period %d needs %d canonical closes, have %d",
			types.ErrNoCanonical, assetID, r.spec.Label, period, seedCount, len(in.closes))
	}

	seedIdx := seedCount - 1
	seedValue := in.closes[0].close
	if r.cfg.SeedPolicy == indicator.SeedSMA {
		sum := 0.0
		for _, c := range in.closes[:seedCount] {
			sum += c.close
		}
		seedValue = sum / float64(seedCount)
	}
	seedTS := in.closes[seedIdx].ts

	// The continuous series uses the daily-equivalent period; the bar-space
	// series compounds its decay over each window's actual day count.
	daily := indicator.NewEMA(period*r.spec.NominalDays, indicator.SeedDirect)
	daily.SeedWith(seedValue)

	trackBar := r.consumesBars()
	var barEMA *indicator.EMA
	if trackBar {
		barEMA = indicator.NewBarEMA(period, r.spec.NominalDays, indicator.SeedDirect)
		barEMA.SeedWith(seedValue)
	}

	now := time.Now().UTC()
	st := &seriesState{prevEma: seedValue, havePrevEma: true, prevCanon: &seedValue}

	points := []types.EmaPoint{{
		AssetID:    assetID,
		Timeframe:  r.spec.Label,
		Period:     period,
		Timestamp:  seedTS,
		Ema:        seedValue,
		EmaBar:     barValuePtr(trackBar, seedValue),
		Roll:       false,
		IngestedAt: now,
	}}

	closes := in.closes[seedIdx+1:]
	ci := 0

	emit := func(ts time.Time, ema float64, canonical bool, cc *canonicalClose) {
		p := types.EmaPoint{
			AssetID:    assetID,
			Timeframe:  r.spec.Label,
			Period:     period,
			Timestamp:  ts,
			Ema:        ema,
			Roll:       !canonical,
			IngestedAt: now,
		}

		if st.havePrevEma {
			d1r := ema - st.prevEma
			p.D1Roll = &d1r
			if st.prevD1Roll != nil {
				d2r := d1r - *st.prevD1Roll
				p.D2Roll = &d2r
			}
			st.prevD1Roll = p.D1Roll
		}
		st.prevEma = ema
		st.havePrevEma = true

		if trackBar {
			v, _ := barEMA.Value()
			p.EmaBar = &v
		}

		if canonical {
			metric := ema
			if trackBar {
				barEMA.UpdateWithDayCount(cc.close, cc.dayCount)
				v, _ := barEMA.Value()
				p.EmaBar = &v
				metric = v
			}
			if st.prevCanon != nil {
				d1 := metric - *st.prevCanon
				p.D1 = &d1
				if st.prevCanonD1 != nil {
					d2 := d1 - *st.prevCanonD1
					p.D2 = &d2
				}
				st.prevCanonD1 = p.D1
			}
			m := metric
			st.prevCanon = &m
		}

		points = append(points, p)
	}

	for _, o := range in.obs {
		if !o.Timestamp.After(seedTS) {
			continue
		}
		// A close date with no observation still produces a canonical row at
		// the boundary, carrying the held continuous value.
		for ci < len(closes) && closes[ci].ts.Before(o.Timestamp) {
			held, _ := daily.Value()
			emit(closes[ci].ts, held, true, &closes[ci])
			ci++
		}

		c, _ := o.Close.Float64()
		ema, _ := daily.Update(c)

		if ci < len(closes) && closes[ci].ts.Equal(o.Timestamp) {
			emit(o.Timestamp, ema, true, &closes[ci])
			ci++
		} else {
			emit(o.Timestamp, ema, false, nil)
		}
	}
	for ci < len(closes) {
		held, _ := daily.Value()
		emit(closes[ci].ts, held, true, &closes[ci])
		ci++
	}

	return points, nil
}

func barValuePtr(track bool, v float64) *float64 {
	if !track {
		return nil
	}
	return &v
}
