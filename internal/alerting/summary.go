package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/tathienbao/barsmith/internal/types"
)

// FormatRunSummary renders a run summary as a plain-text report suitable for
// any channel.
func FormatRunSummary(s *types.RunSummary) string {
	success, failed, skipped := s.Counts()
	duration := s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)

	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished in %s\n", s.RunID, duration)
	fmt.Fprintf(&b, "units: %d ok, %d failed, %d skipped\n", success, failed, skipped)
	fmt.Fprintf(&b, "rows written: %d\n", s.RowsWritten())

	if failed > 0 {
		b.WriteString("failures:\n")
		for _, r := range s.Results {
			if r.Status != types.KeyStatusFailed {
				continue
			}
			fmt.Fprintf(&b, "  %s/%s", r.AssetID, r.Timeframe)
			if r.Period > 0 {
				fmt.Fprintf(&b, " p%d", r.Period)
			}
			fmt.Fprintf(&b, " [%s]: %s\n", r.Stage, r.Err)
		}
	}
	if len(s.Warnings) > 0 {
		fmt.Fprintf(&b, "warnings: %d\n", len(s.Warnings))
		for i, w := range s.Warnings {
			if i >= 10 {
				fmt.Fprintf(&b, "  ... and %d more\n", len(s.Warnings)-i)
				break
			}
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// SummarySeverity returns the severity a run summary should be sent at.
func SummarySeverity(s *types.RunSummary) Severity {
	_, failed, _ := s.Counts()
	switch {
	case failed > 0 && failed == len(s.Results):
		return SeverityHigh
	case failed > 0:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
