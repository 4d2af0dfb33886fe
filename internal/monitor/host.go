// Package monitor samples host CPU and memory so callers can tell whether a
// model fits before loading it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const defaultCacheTTL = 2 * time.Second

// ModelMemoryOverhead scales a model file size into the resident memory
// llama-server needs for it with a 4096-token context.
const ModelMemoryOverhead = 1.2

type Snapshot struct {
	Platform    string    `json:"platform"`
	CPUCores    int       `json:"cpu_cores"`
	CPUUsage    float64   `json:"cpu_usage"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotal     uint64 `json:"memory_total"`
	MemoryAvailable uint64 `json:"memory_available"`

	TimestampMs int64 `json:"timestamp_ms"`
}

// Fits reports whether a model file of size bytes fits in available memory.
// An unknown memory figure never rules a model out.
func (s Snapshot) Fits(size int64) bool {
	if s.MemoryAvailable == 0 || size <= 0 {
		return true
	}
	return float64(size)*ModelMemoryOverhead <= float64(s.MemoryAvailable)
}

type Options struct {
	Logger   *slog.Logger
	CacheTTL time.Duration
}

type Service struct {
	log *slog.Logger
	ttl time.Duration

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	at      time.Time
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{log: logger, ttl: ttl}
}

// Snapshot returns host metrics, reusing a sample younger than the cache TTL.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{Platform: runtime.GOOS}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.at) < s.ttl {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx, now)

	s.mu.Lock()
	s.snap, s.at, s.hasSnap = snap, now, true
	s.mu.Unlock()
	return snap
}

func (s *Service) collect(ctx context.Context, now time.Time) Snapshot {
	out := Snapshot{Platform: runtime.GOOS, TimestampMs: now.UnixMilli()}

	if usage, err := readCPUUsage(ctx); err == nil {
		out.CPUUsage = usage
	} else {
		s.log.Warn("monitor: cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		out.CPUCores = runtime.NumCPU()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out.MemoryTotal = vm.Total
		out.MemoryAvailable = vm.Available
	} else if err != nil {
		s.log.Warn("monitor: virtual memory failed", "error", err)
	}
	return out
}

// readCPUUsage prefers a non-blocking sample against the previous call and
// falls back to a short blocking interval on the first call.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error
	for _, interval := range []time.Duration{0, 250 * time.Millisecond} {
		p, err := cpu.PercentWithContext(ctx, interval, true)
		if err == nil && len(p) > 0 {
			return average(p), nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
