package monitor

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"
)

func TestSnapshotFits(t *testing.T) {
	t.Parallel()

	s := Snapshot{MemoryAvailable: 6_000_000_000}
	cases := []struct {
		size int64
		want bool
	}{
		{2_100_000_000, true},
		{4_800_000_000, true},
		{5_100_000_000, false},
		{0, true},
	}
	for _, c := range cases {
		if got := s.Fits(c.size); got != c.want {
			t.Fatalf("Fits(%d) = %v, want %v", c.size, got, c.want)
		}
	}
	if !(Snapshot{}).Fits(100_000_000_000) {
		t.Fatal("Fits with unknown memory = false, want true")
	}
}

func TestServiceSnapshotCached(t *testing.T) {
	t.Parallel()

	s := NewService(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), CacheTTL: time.Hour})
	first := s.Snapshot(context.Background())
	if first.Platform != runtime.GOOS {
		t.Fatalf("Platform = %q, want %q", first.Platform, runtime.GOOS)
	}
	if first.CPUCores <= 0 {
		t.Fatalf("CPUCores = %d, want > 0", first.CPUCores)
	}
	if first.TimestampMs == 0 {
		t.Fatal("TimestampMs = 0")
	}
	second := s.Snapshot(context.Background())
	if second.TimestampMs != first.TimestampMs {
		t.Fatalf("cached TimestampMs = %d, want %d", second.TimestampMs, first.TimestampMs)
	}
}

func TestAverage(t *testing.T) {
	t.Parallel()

	if got := average(nil); got != 0 {
		t.Fatalf("average(nil) = %v, want 0", got)
	}
	if got := average([]float64{10, 20, 30}); got != 20 {
		t.Fatalf("average = %v, want 20", got)
	}
}

func TestNilService(t *testing.T) {
	t.Parallel()

	var s *Service
	if got := s.Snapshot(context.Background()); got.Platform != runtime.GOOS {
		t.Fatalf("nil Snapshot().Platform = %q", got.Platform)
	}
}
