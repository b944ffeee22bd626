package indicator

import "math"

// SeedPolicy selects how the first EMA value is produced.
type SeedPolicy int

const (
	// SeedDirect uses the first available value as the initial EMA.
	SeedDirect SeedPolicy = iota
	// SeedSMA uses the simple moving average of the first period values.
	SeedSMA
)

func (p SeedPolicy) String() string {
	if p == SeedSMA {
		return "sma"
	}
	return "direct"
}

// Alpha returns the standard smoothing factor 2/(N+1).
func Alpha(period int) float64 {
	if period < 1 {
		period = 1
	}
	return 2.0 / float64(period+1)
}

// DailyEquivalentAlpha converts a bar-space alpha into the per-day alpha that
// decays at the same rate over one nominal bar of tfDays days.
func DailyEquivalentAlpha(barAlpha float64, tfDays int) float64 {
	if tfDays < 1 {
		tfDays = 1
	}
	return 1 - math.Pow(1-barAlpha, 1/float64(tfDays))
}

// EMA calculates an exponential moving average with a configurable smoothing
// factor and seed policy.
type EMA struct {
	alpha  float64
	tfDays int
	policy SeedPolicy
	warmup *SMA
	value  float64
	seeded bool
}

// NewEMA creates an EMA with alpha = 2/(period+1) applied per update.
func NewEMA(period int, policy SeedPolicy) *EMA {
	return NewEMAWithAlpha(Alpha(period), period, policy)
}

// NewEMAWithAlpha creates an EMA with an explicit alpha. seedCount is the
// number of values averaged under SeedSMA.
func NewEMAWithAlpha(alpha float64, seedCount int, policy SeedPolicy) *EMA {
	e := &EMA{alpha: alpha, tfDays: 1, policy: policy}
	if policy == SeedSMA {
		e.warmup = NewSMA(seedCount)
	}
	return e
}

// NewBarEMA creates an EMA over bars of a timeframe whose nominal duration is
// tfDays days. Update applies the bar alpha directly; UpdateWithDayCount
// compounds the daily-equivalent alpha over a bar's actual day count, which
// keeps the decay rate honest when calendar bars vary in length.
func NewBarEMA(periodBars, tfDays int, policy SeedPolicy) *EMA {
	e := NewEMAWithAlpha(Alpha(periodBars), periodBars, policy)
	if tfDays > 1 {
		e.tfDays = tfDays
	}
	return e
}

// Update feeds one value and returns the current EMA. ok is false until the
// seed policy has produced an initial value.
func (e *EMA) Update(v float64) (float64, bool) {
	if !e.seeded {
		return e.seed(v)
	}
	e.value = v*e.alpha + e.value*(1-e.alpha)
	return e.value, true
}

// UpdateWithDayCount feeds one value, compounding the daily-equivalent alpha
// over the bar's actual day count.
func (e *EMA) UpdateWithDayCount(v float64, days int) (float64, bool) {
	if !e.seeded {
		return e.seed(v)
	}
	if days < 1 {
		days = 1
	}
	decay := math.Pow(1-DailyEquivalentAlpha(e.alpha, e.tfDays), float64(days))
	e.value = v*(1-decay) + e.value*decay
	return e.value, true
}

// SeedWith forces the initial value, bypassing the seed policy. The EMA
// refresher uses it to seed from canonical closes rather than raw updates.
func (e *EMA) SeedWith(v float64) {
	e.value = v
	e.seeded = true
}

func (e *EMA) seed(v float64) (float64, bool) {
	if e.policy == SeedSMA {
		e.warmup.Update(v)
		if !e.warmup.Ready() {
			return 0, false
		}
		e.value = e.warmup.Current()
	} else {
		e.value = v
	}
	e.seeded = true
	return e.value, true
}

// Value returns the current EMA. ok is false before seeding.
func (e *EMA) Value() (float64, bool) {
	return e.value, e.seeded
}

// Seeded reports whether the initial value has been produced.
func (e *EMA) Seeded() bool {
	return e.seeded
}

// Reset clears all state.
func (e *EMA) Reset() {
	e.value = 0
	e.seeded = false
	if e.warmup != nil {
		e.warmup.Reset()
	}
}
