// Package validation runs the read-only consistency gate over the derived
// tables. Violations are reported loudly and never repaired in place.
package validation

import (
	"context"
	"log/slog"

	"github.com/tathienbao/barsmith/internal/persistence"
	"github.com/tathienbao/barsmith/internal/types"
)

// Report is the outcome of one gate pass.
type Report struct {
	Violations []*types.ConsistencyError
}

// Clean reports whether the pass found no violations.
func (r *Report) Clean() bool {
	return len(r.Violations) == 0
}

// Rows returns the total number of violating rows across all checks.
func (r *Report) Rows() int {
	total := 0
	for _, v := range r.Violations {
		total += v.Count
	}
	return total
}

// Gate checks the canonical subsets of the bars and ema tables.
type Gate struct {
	store  persistence.Store
	logger *slog.Logger
}

// New creates a validation gate.
func New(store persistence.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// Check runs every consistency query and logs each violation at error level.
// The error return is for query failures only; violations live in the report.
func (g *Gate) Check(ctx context.Context) (*Report, error) {
	rep := &Report{}

	barViolations, err := g.store.BarViolations(ctx)
	if err != nil {
		return nil, err
	}
	rep.Violations = append(rep.Violations, barViolations...)

	emaViolations, err := g.store.EmaViolations(ctx)
	if err != nil {
		return nil, err
	}
	rep.Violations = append(rep.Violations, emaViolations...)

	for _, v := range rep.Violations {
		g.logger.Error("consistency violation",
			"table", v.Table, "check", v.Check,
			"rows", v.Count, "example", v.ExampleKey)
	}
	if rep.Clean() {
		g.logger.Debug("consistency gate clean")
	}

	return rep, nil
}
