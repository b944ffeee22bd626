package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAlignment_String(t *testing.T) {
	tests := []struct {
		a    Alignment
		want string
	}{
		{AlignFixed, "fixed"},
		{AlignCalendar, "calendar"},
		{AlignAnchored, "anchored"},
		{Alignment(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.a.String(); got != tt.want {
			t.Errorf("Alignment(%d).String() = %s, want %s", tt.a, got, tt.want)
		}
	}
}

func TestScheme_String(t *testing.T) {
	tests := []struct {
		s    Scheme
		want string
	}{
		{SchemeNone, "none"},
		{SchemeUSWeek, "us_week"},
		{SchemeISOWeek, "iso_week"},
		{SchemeMonth, "month"},
		{SchemeQuarter, "quarter"},
		{SchemeYear, "year"},
		{Scheme(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Scheme(%d).String() = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestBar_Canonical(t *testing.T) {
	closed := Bar{IsPartialEnd: false}
	if !closed.Canonical() {
		t.Error("closed bar should be canonical")
	}

	forming := Bar{IsPartialEnd: true}
	if forming.Canonical() {
		t.Error("forming bar should not be canonical")
	}
}

func TestRunMode_String(t *testing.T) {
	if ModeRebuild.String() != "rebuild" {
		t.Errorf("ModeRebuild = %s, want rebuild", ModeRebuild.String())
	}
	if ModeIncremental.String() != "incremental" {
		t.Errorf("ModeIncremental = %s, want incremental", ModeIncremental.String())
	}
}

func TestKeyStatus_String(t *testing.T) {
	tests := []struct {
		s    KeyStatus
		want string
	}{
		{KeyStatusSuccess, "success"},
		{KeyStatusFailed, "failed"},
		{KeyStatusSkipped, "skipped"},
		{KeyStatus(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("KeyStatus(%d).String() = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestRunSummary_Counts(t *testing.T) {
	s := &RunSummary{
		Results: []KeyResult{
			{AssetID: "btc", Status: KeyStatusSuccess, RowsWritten: 10},
			{AssetID: "btc", Status: KeyStatusSuccess, RowsWritten: 5},
			{AssetID: "eth", Status: KeyStatusFailed},
			{AssetID: "doge", Status: KeyStatusSkipped},
		},
	}

	success, failed, skipped := s.Counts()
	if success != 2 || failed != 1 || skipped != 1 {
		t.Errorf("Counts() = (%d, %d, %d), want (2, 1, 1)", success, failed, skipped)
	}

	if rows := s.RowsWritten(); rows != 15 {
		t.Errorf("RowsWritten() = %d, want 15", rows)
	}

	failedAssets := s.FailedAssets()
	if !failedAssets["eth"] {
		t.Error("eth should be in failed assets")
	}
	if failedAssets["btc"] || failedAssets["doge"] {
		t.Error("btc and doge should not be in failed assets")
	}
}

func TestConsistencyError(t *testing.T) {
	err := &ConsistencyError{
		Table:      "bars",
		Check:      "duplicate_canonical_close",
		ExampleKey: "btc/1m/2024-06-30",
		Count:      3,
	}

	msg := err.Error()
	for _, want := range []string{"bars", "duplicate_canonical_close", "3", "btc/1m/2024-06-30"} {
		if !containsStr(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("database is locked")
	err := &TransientError{Op: "upsert bars", Err: inner}

	if !IsTransient(err) {
		t.Error("TransientError should be transient")
	}
	if !errors.Is(err, inner) {
		t.Error("TransientError should unwrap to the inner error")
	}

	wrapped := fmt.Errorf("unit failed: %w", err)
	if !IsTransient(wrapped) {
		t.Error("wrapped TransientError should still be transient")
	}

	if IsTransient(errors.New("plain")) {
		t.Error("plain error should not be transient")
	}
	if IsTransient(ErrNoObservations) {
		t.Error("sentinel error should not be transient")
	}
}

func TestDecimal_Precision(t *testing.T) {
	// Summed volume over many observations must stay exact.
	amount := decimal.RequireFromString("0.01")
	result := decimal.Zero
	for i := 0; i < 1000; i++ {
		result = result.Add(amount)
	}
	if !result.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("1000 * 0.01 = %s, want 10.00", result)
	}

	a := decimal.RequireFromString("0.1")
	b := decimal.RequireFromString("0.2")
	if !a.Add(b).Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("0.1 + 0.2 = %s, want 0.3", a.Add(b))
	}
}

func TestWatermarkState_ZeroPeriodIsBarKey(t *testing.T) {
	wm := WatermarkState{
		AssetID:   "btc",
		Timeframe: "1m",
		UpdatedAt: time.Now(),
	}
	if wm.Period != 0 {
		t.Errorf("bar watermark period = %d, want 0", wm.Period)
	}
}

func containsStr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
