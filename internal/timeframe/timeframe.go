// Package timeframe defines the static catalog of supported timeframes.
package timeframe

import (
	"fmt"
	"sort"

	"github.com/tathienbao/barsmith/internal/types"
)

// Spec is one timeframe dimension row.
type Spec struct {
	Label     string
	Alignment types.Alignment
	Scheme    types.Scheme
	// NominalDays is the fixed window length for fixed-day-count timeframes.
	// For calendar kinds it is informational only; the actual per-bar day
	// count varies and is stored on each bar.
	NominalDays int
	// Canonical marks timeframes whose closed bars participate in the
	// canonical uniqueness invariant and feed the EMA engine.
	Canonical bool
	// AllowPartial permits partial start and forming windows. Anchored only.
	AllowPartial bool
	SortOrder    int
}

// Validate checks the dimension invariants for a single spec.
func (s Spec) Validate() error {
	if s.Label == "" {
		return fmt.Errorf("%w: empty label", types.ErrInvalidConfig)
	}
	if s.NominalDays < 1 {
		return fmt.Errorf("%w: %s: nominal days must be positive", types.ErrInvalidConfig, s.Label)
	}
	switch s.Alignment {
	case types.AlignFixed:
		if s.Scheme != types.SchemeNone {
			return fmt.Errorf("%w: %s: fixed timeframe must not carry a calendar scheme", types.ErrInvalidConfig, s.Label)
		}
		if s.AllowPartial {
			return fmt.Errorf("%w: %s: partial windows are anchored-only", types.ErrInvalidConfig, s.Label)
		}
	case types.AlignCalendar:
		if s.Scheme == types.SchemeNone {
			return fmt.Errorf("%w: %s: calendar timeframe requires a scheme", types.ErrInvalidConfig, s.Label)
		}
		if s.AllowPartial {
			return fmt.Errorf("%w: %s: partial windows are anchored-only", types.ErrInvalidConfig, s.Label)
		}
	case types.AlignAnchored:
		if s.Scheme == types.SchemeNone {
			return fmt.Errorf("%w: %s: anchored timeframe requires a scheme", types.ErrInvalidConfig, s.Label)
		}
	default:
		return fmt.Errorf("%w: %s: unknown alignment", types.ErrInvalidConfig, s.Label)
	}
	return nil
}

// Catalog is the resolved set of timeframe specs, keyed by label.
type Catalog struct {
	byLabel map[string]Spec
	ordered []Spec
}

// NewCatalog builds a catalog and validates every spec.
func NewCatalog(specs []Spec) (*Catalog, error) {
	c := &Catalog{byLabel: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byLabel[s.Label]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", types.ErrInvalidConfig, s.Label)
		}
		c.byLabel[s.Label] = s
		c.ordered = append(c.ordered, s)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].SortOrder < c.ordered[j].SortOrder
	})
	return c, nil
}

// ByLabel returns the spec for a label.
func (c *Catalog) ByLabel(label string) (Spec, error) {
	s, ok := c.byLabel[label]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", types.ErrUnknownTimeframe, label)
	}
	return s, nil
}

// All returns every spec in sort order.
func (c *Catalog) All() []Spec {
	out := make([]Spec, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ByAlignment returns the specs with the given alignment, in sort order.
func (c *Catalog) ByAlignment(a types.Alignment) []Spec {
	var out []Spec
	for _, s := range c.ordered {
		if s.Alignment == a {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of specs in the catalog.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

// Default returns the built-in timeframe dimension.
func Default() *Catalog {
	c, err := NewCatalog([]Spec{
		// Fixed day-count windows tiled from the global epoch. The 1d row
		// carries the daily series itself and backs the horizon EMAs.
		{Label: "1d", Alignment: types.AlignFixed, Scheme: types.SchemeNone, NominalDays: 1, Canonical: true, SortOrder: 5},
		{Label: "7d", Alignment: types.AlignFixed, Scheme: types.SchemeNone, NominalDays: 7, Canonical: true, SortOrder: 10},
		{Label: "30d", Alignment: types.AlignFixed, Scheme: types.SchemeNone, NominalDays: 30, Canonical: true, SortOrder: 20},
		{Label: "90d", Alignment: types.AlignFixed, Scheme: types.SchemeNone, NominalDays: 90, Canonical: true, SortOrder: 30},
		{Label: "365d", Alignment: types.AlignFixed, Scheme: types.SchemeNone, NominalDays: 365, Canonical: true, SortOrder: 40},

		// Calendar windows: incomplete leading periods are skipped.
		{Label: "1w_us", Alignment: types.AlignCalendar, Scheme: types.SchemeUSWeek, NominalDays: 7, Canonical: true, SortOrder: 50},
		{Label: "1w_iso", Alignment: types.AlignCalendar, Scheme: types.SchemeISOWeek, NominalDays: 7, Canonical: true, SortOrder: 60},
		{Label: "1m", Alignment: types.AlignCalendar, Scheme: types.SchemeMonth, NominalDays: 30, Canonical: true, SortOrder: 70},
		{Label: "3m", Alignment: types.AlignCalendar, Scheme: types.SchemeQuarter, NominalDays: 91, Canonical: true, SortOrder: 80},
		{Label: "1y", Alignment: types.AlignCalendar, Scheme: types.SchemeYear, NominalDays: 365, Canonical: true, SortOrder: 90},

		// Anchored windows: partial start and forming end are emitted.
		{Label: "1w_us_a", Alignment: types.AlignAnchored, Scheme: types.SchemeUSWeek, NominalDays: 7, Canonical: true, AllowPartial: true, SortOrder: 100},
		{Label: "1w_iso_a", Alignment: types.AlignAnchored, Scheme: types.SchemeISOWeek, NominalDays: 7, Canonical: true, AllowPartial: true, SortOrder: 110},
		{Label: "1m_a", Alignment: types.AlignAnchored, Scheme: types.SchemeMonth, NominalDays: 30, Canonical: true, AllowPartial: true, SortOrder: 120},
		{Label: "3m_a", Alignment: types.AlignAnchored, Scheme: types.SchemeQuarter, NominalDays: 91, Canonical: true, AllowPartial: true, SortOrder: 130},
		{Label: "1y_a", Alignment: types.AlignAnchored, Scheme: types.SchemeYear, NominalDays: 365, Canonical: true, AllowPartial: true, SortOrder: 140},
	})
	if err != nil {
		// The built-in catalog is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return c
}
