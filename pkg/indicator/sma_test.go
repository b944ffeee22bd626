package indicator

import "testing"

func TestSMA_Basic(t *testing.T) {
	sma := NewSMA(3)

	// Not ready yet
	if sma.Ready() {
		t.Error("SMA should not be ready with no data")
	}

	sma.Update(10)
	sma.Update(20)
	result := sma.Update(30)

	// SMA(3) of [10, 20, 30] = 20
	if result != 20 {
		t.Errorf("SMA = %v, want 20", result)
	}

	if !sma.Ready() {
		t.Error("SMA should be ready after 3 values")
	}
}

func TestSMA_Rolling(t *testing.T) {
	sma := NewSMA(3)

	sma.Update(10)
	sma.Update(20)
	sma.Update(30)
	result := sma.Update(40)

	// SMA(3) of [20, 30, 40] = 30
	if result != 30 {
		t.Errorf("SMA = %v, want 30", result)
	}
}

func TestSMA_NotReady(t *testing.T) {
	sma := NewSMA(5)

	sma.Update(10)
	sma.Update(20)
	result := sma.Update(30)

	// Should return zero when not ready
	if result != 0 {
		t.Errorf("SMA should be zero when not ready, got %v", result)
	}
}

func TestSMA_Reset(t *testing.T) {
	sma := NewSMA(3)

	sma.Update(10)
	sma.Update(20)
	sma.Update(30)

	sma.Reset()

	if sma.Ready() {
		t.Error("SMA should not be ready after reset")
	}

	if sma.Count() != 0 {
		t.Errorf("Count = %d, want 0", sma.Count())
	}
}

func TestSMA_Current(t *testing.T) {
	sma := NewSMA(3)

	sma.Update(10)
	sma.Update(20)
	sma.Update(30)

	// Current should return the same as last Update
	if current := sma.Current(); current != 20 {
		t.Errorf("Current = %v, want 20", current)
	}
}
