// Package indicator provides the moving-average primitives used by the EMA
// refresher.
package indicator

// SMA calculates Simple Moving Average.
type SMA struct {
	period int
	values []float64
	sum    float64
}

// NewSMA creates a new SMA calculator with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		values: make([]float64, 0, period),
	}
}

// Update adds a new value and returns the current SMA.
// Returns zero if not enough data points yet.
func (s *SMA) Update(value float64) float64 {
	s.values = append(s.values, value)
	s.sum += value

	if len(s.values) > s.period {
		// Remove oldest value
		s.sum -= s.values[0]
		s.values = s.values[1:]
	}

	if len(s.values) < s.period {
		return 0
	}

	return s.sum / float64(s.period)
}

// Current returns the current SMA value without adding new data.
func (s *SMA) Current() float64 {
	if len(s.values) < s.period {
		return 0
	}
	return s.sum / float64(s.period)
}

// Ready returns true if enough data points have been collected.
func (s *SMA) Ready() bool {
	return len(s.values) >= s.period
}

// Period returns the SMA period.
func (s *SMA) Period() int {
	return s.period
}

// Reset clears all data.
func (s *SMA) Reset() {
	s.values = s.values[:0]
	s.sum = 0
}

// Count returns the number of values currently stored.
func (s *SMA) Count() int {
	return len(s.values)
}
