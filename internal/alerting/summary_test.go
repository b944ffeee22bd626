package alerting

import (
	"strings"
	"testing"
	"time"

	"github.com/tathienbao/barsmith/internal/types"
)

func sampleSummary() *types.RunSummary {
	start := time.Date(2024, 12, 31, 6, 0, 0, 0, time.UTC)
	return &types.RunSummary{
		RunID:      "run-123",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Results: []types.KeyResult{
			{AssetID: "btc", Timeframe: "1m", Stage: "bars", Status: types.KeyStatusSuccess, RowsWritten: 40},
			{AssetID: "btc", Timeframe: "1m", Stage: "ema", Period: 10, Status: types.KeyStatusSuccess, RowsWritten: 1200},
			{AssetID: "eth", Timeframe: "1y", Stage: "ema", Period: 20, Status: types.KeyStatusFailed, Err: "boom"},
			{AssetID: "doge", Timeframe: "7d", Stage: "bars", Status: types.KeyStatusSkipped, Err: "no observations"},
		},
		Warnings: []string{"btc/1m: window 2024-11-01..2024-11-30 has 28/30 days"},
	}
}

func TestFormatRunSummary(t *testing.T) {
	got := FormatRunSummary(sampleSummary())

	for _, want := range []string{
		"run run-123 finished in 1m30s",
		"units: 2 ok, 1 failed, 1 skipped",
		"rows written: 1240",
		"eth/1y p20 [ema]: boom",
		"warnings: 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestFormatRunSummary_NoFailures(t *testing.T) {
	s := sampleSummary()
	s.Results = s.Results[:2]
	s.Warnings = nil

	got := FormatRunSummary(s)
	if strings.Contains(got, "failures:") {
		t.Errorf("clean summary should not list failures:\n%s", got)
	}
	if strings.Contains(got, "warnings:") {
		t.Errorf("clean summary should not list warnings:\n%s", got)
	}
}

func TestSummarySeverity(t *testing.T) {
	s := sampleSummary()
	if got := SummarySeverity(s); got != SeverityWarning {
		t.Errorf("partial failure severity = %v, want %v", got, SeverityWarning)
	}

	s.Results = s.Results[:2]
	if got := SummarySeverity(s); got != SeverityInfo {
		t.Errorf("clean severity = %v, want %v", got, SeverityInfo)
	}

	s.Results = []types.KeyResult{
		{AssetID: "btc", Status: types.KeyStatusFailed, Err: "x"},
		{AssetID: "eth", Status: types.KeyStatusFailed, Err: "y"},
	}
	if got := SummarySeverity(s); got != SeverityHigh {
		t.Errorf("total failure severity = %v, want %v", got, SeverityHigh)
	}
}
