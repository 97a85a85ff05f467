package shares

import (
	"testing"
	"time"
)

func newVarDiffWorker(initial, min, max uint64, expectedPerMinute float64) *WorkerStats {
	return NewWorkerStats(
		WorkerIdentity{PayoutAddress: "kaspa:qz1", WorkerName: "rig1"},
		"bitmain-s19", initial, min, max, false, true, expectedPerMinute, time.Unix(0, 0),
	)
}

func TestVarDiffTickFirstCallStartsWindow(t *testing.T) {
	w := newVarDiffWorker(1024, 64, 65536, 10)
	diff, changed := w.varDiffTick(time.Unix(0, 0))
	if changed {
		t.Fatalf("first tick should only start the window, not change difficulty")
	}
	if diff != 1024 {
		t.Errorf("difficulty changed unexpectedly: got %d", diff)
	}
	if w.VarDiffStartTime.IsZero() {
		t.Error("expected VarDiffStartTime to be set")
	}
}

func TestVarDiffTickPromotesWindowWithinTolerance(t *testing.T) {
	w := newVarDiffWorker(1024, 64, 65536, 10)
	start := time.Unix(0, 0)
	w.varDiffTick(start)

	// Window 0 is 1 minute at full tolerance; 10 shares in 90s (~6.7/min
	// against 10 expected) is within it.
	w.VarDiffSharesFound = 10
	diff, changed := w.varDiffTick(start.Add(90 * time.Second))
	if changed {
		t.Errorf("expected no difficulty change on promotion, got new diff %d", diff)
	}
	if w.VarDiffWindow != 1 {
		t.Errorf("expected promotion to window 1, got %d", w.VarDiffWindow)
	}
	if diff != 1024 {
		t.Errorf("difficulty should be unchanged on promotion, got %d", diff)
	}
}

func TestVarDiffTickAdjustsOnBreach(t *testing.T) {
	w := newVarDiffWorker(1024, 64, 65536, 10)
	start := time.Unix(0, 0)
	w.varDiffTick(start)

	// Submitting far more than expected breaches tolerance even in window 0
	// (tolerance 1.0) once elapsed time exceeds the window length.
	w.VarDiffSharesFound = 100
	diff, changed := w.varDiffTick(start.Add(2 * time.Minute))
	if !changed {
		t.Fatal("expected a difficulty change on breach")
	}
	if diff <= 1024 {
		t.Errorf("expected difficulty to increase, got %d", diff)
	}
	if !w.VarDiffStartTime.IsZero() {
		t.Error("expected window state reset after a difficulty change")
	}
	if w.VarDiffWindow != 0 {
		t.Errorf("expected window reset to 0, got %d", w.VarDiffWindow)
	}
}

func TestVarDiffRejectionOverrideTakesPriority(t *testing.T) {
	w := newVarDiffWorker(1024, 64, 65536, 10)
	start := time.Unix(0, 0)
	w.varDiffTick(start)

	w.SharesFound = 25
	w.InvalidShares = 6 // 24% invalid, over the 20% threshold
	w.Hashrate = 5       // MH/s -> rejectionBands picks the 10 MH/s band (256)
	w.VarDiffSharesFound = 10

	diff, changed := w.varDiffTick(start.Add(2 * time.Minute))
	if !changed {
		t.Fatal("expected rejection override to force a change")
	}
	if diff != 256 {
		t.Errorf("expected rejection-band difficulty 256, got %d", diff)
	}
}

func TestVarDiffDisabledNeverChanges(t *testing.T) {
	w := newVarDiffWorker(1024, 64, 65536, 10)
	w.VarDiffEnabled = false
	diff, changed := w.varDiffTick(time.Unix(0, 0))
	if changed || diff != 1024 {
		t.Errorf("disabled VarDiff must never adjust difficulty")
	}
}

func TestClampDifficultyPow2(t *testing.T) {
	got := clampDifficulty(1000, 1, 1<<20, true)
	if got != 512 {
		t.Errorf("clampDifficulty(1000, pow2) = %d, want 512", got)
	}
}

func TestClampDifficultyBounds(t *testing.T) {
	if got := clampDifficulty(10, 64, 65536, false); got != 64 {
		t.Errorf("expected floor clamp to 64, got %d", got)
	}
	if got := clampDifficulty(1_000_000, 64, 65536, false); got != 65536 {
		t.Errorf("expected ceiling clamp to 65536, got %d", got)
	}
}
