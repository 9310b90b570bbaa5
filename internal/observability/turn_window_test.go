package observability

import "testing"

func TestTurnWindowSnapshot(t *testing.T) {
	w := NewTurnWindow(8)
	w.Observe(StageFirstChunk, 400)
	w.Observe(StageFirstChunk, 600)
	w.Observe(StageFirstChunk, 800)
	w.ObserveIndicator("busy_rejection")
	w.ObserveIndicator("busy_rejection")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstChunk {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstChunk)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 800 {
		t.Fatalf("LastMS = %.2f, want 800", s.LastMS)
	}
	if s.P50MS != 600 {
		t.Fatalf("P50MS = %.2f, want 600", s.P50MS)
	}
	if s.P95MS <= 600 || s.P95MS > 800 {
		t.Fatalf("P95MS = %.2f, want (600,800]", s.P95MS)
	}
	if s.TargetP95MS != 2000 {
		t.Fatalf("TargetP95MS = %.2f, want 2000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "busy_rejection" {
		t.Fatalf("Indicators[0].Name = %q", snap.Indicators[0].Name)
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want 2", snap.Indicators[0].Count)
	}
}

func TestTurnWindowRingOverwrite(t *testing.T) {
	w := NewTurnWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe(StageTurnTotal, float64(100*(i+1)))
	}
	snap := w.Snapshot()
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4 (window full)", s.Samples)
	}
	if s.LastMS != 1000 {
		t.Fatalf("LastMS = %.2f, want 1000", s.LastMS)
	}
	// Only the newest four samples (700..1000) survive the overwrite.
	if s.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850", s.AvgMS)
	}
}

func TestTurnWindowReset(t *testing.T) {
	w := NewTurnWindow(4)
	w.Observe(StageCommit, 10)
	w.ObserveIndicator("retry")
	w.Reset()
	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("Reset() left data: %+v", snap)
	}
}
