package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultPort            = 8080
	DefaultHealthInterval  = time.Second
	DefaultHealthAttempts  = 30
	DefaultGenerateTimeout = 5 * time.Minute
	DefaultStopTimeout     = 5 * time.Second
)

type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StatePolling
	StateReady
	StateShuttingDown
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	Logger *slog.Logger

	// Port is the llama-server listen port on 127.0.0.1.
	Port int

	// Binary is an explicit llama-server path; empty means discover it.
	Binary string
	// SearchDirs are checked after PATH. Nil means DefaultSearchDirs().
	SearchDirs []string

	HealthInterval  time.Duration
	HealthAttempts  int
	GenerateTimeout time.Duration
	StopTimeout     time.Duration
}

// Supervisor owns one llama-server process: it spawns it, waits for
// /health, forwards completions, and terminates it on Shutdown.
type Supervisor struct {
	log *slog.Logger

	port            int
	binary          string
	searchDirs      []string
	healthInterval  time.Duration
	healthAttempts  int
	generateTimeout time.Duration
	stopTimeout     time.Duration

	client *client

	mu        sync.Mutex
	state     State
	epoch     uint64
	proc      *backendProcess
	modelPath string
	startedAt time.Time

	// genMu keeps a single completion in flight.
	genMu sync.Mutex
}

type backendProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error // valid after done is closed
}

func (p *backendProcess) pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	port := opts.Port
	if port <= 0 || port > 65535 {
		port = DefaultPort
	}
	searchDirs := opts.SearchDirs
	if searchDirs == nil {
		searchDirs = DefaultSearchDirs()
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	attempts := opts.HealthAttempts
	if attempts <= 0 {
		attempts = DefaultHealthAttempts
	}
	genTimeout := opts.GenerateTimeout
	if genTimeout <= 0 {
		genTimeout = DefaultGenerateTimeout
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		log:             logger,
		port:            port,
		binary:          strings.TrimSpace(opts.Binary),
		searchDirs:      searchDirs,
		healthInterval:  interval,
		healthAttempts:  attempts,
		generateTimeout: genTimeout,
		stopTimeout:     stopTimeout,
		client:          newClient(port),
		state:           StateUninitialized,
	}
}

func (s *Supervisor) State() State {
	if s == nil {
		return StateUninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// backendArgs are fixed: CPU-only inference for portability over speed.
func backendArgs(modelPath string, port int) []string {
	return []string{
		"-m", modelPath,
		"--port", strconv.Itoa(port),
		"--host", backendHost,
		"--ctx-size", "4096",
		"--batch-size", "512",
		"--threads", "4",
		"--n-gpu-layers", "0",
	}
}

// Initialize starts llama-server for modelPath and blocks until it is healthy.
//
// On any failure after the process was spawned (startup timeout, early exit,
// ctx cancellation) the process is terminated before returning and the
// supervisor is left in StateFailed.
func (s *Supervisor) Initialize(ctx context.Context, modelPath string) error {
	if s == nil {
		return errors.New("nil supervisor")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	switch s.state {
	case StateUninitialized, StateStopped, StateFailed:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, st)
	}
	s.epoch++
	epoch := s.epoch
	s.state = StateStarting
	s.mu.Unlock()

	modelPath = strings.TrimSpace(modelPath)
	if fi, err := os.Stat(modelPath); modelPath == "" || err != nil || fi.IsDir() {
		s.setFailed(epoch)
		return fmt.Errorf("%w: %q", ErrModelNotFound, modelPath)
	}

	bin, err := ResolveBinary(s.binary, s.searchDirs)
	if err != nil {
		s.setFailed(epoch)
		return err
	}

	cmd := exec.Command(bin, backendArgs(modelPath, s.port)...)
	// Nil stdio is connected to the null device.
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	setCmdProcessGroup(cmd)

	s.log.Info("starting llama-server", "binary", bin, "model", modelPath, "port", s.port)
	if err := cmd.Start(); err != nil {
		s.setFailed(epoch)
		return fmt.Errorf("start llama-server: %w", err)
	}
	p := &backendProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	s.mu.Lock()
	if s.epoch != epoch || s.state != StateStarting {
		// Shutdown ran while we were spawning.
		s.mu.Unlock()
		s.terminate(p)
		return fmt.Errorf("%w: shut down during startup", ErrNotReady)
	}
	s.proc = p
	s.modelPath = modelPath
	s.state = StatePolling
	s.mu.Unlock()

	if err := s.waitHealthy(ctx, p); err != nil {
		s.log.Warn("llama-server failed to become ready", "pid", p.pid(), "error", err)
		s.abandon(epoch, p)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.proc != p {
		return fmt.Errorf("%w: shut down during startup", ErrNotReady)
	}
	s.state = StateReady
	s.startedAt = time.Now()
	s.log.Info("llama-server ready", "pid", p.pid(), "port", s.port)
	return nil
}

func (s *Supervisor) waitHealthy(ctx context.Context, p *backendProcess) error {
	timer := time.NewTimer(s.healthInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= s.healthAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return fmt.Errorf("%w: %v", ErrBackendExited, p.err)
		case <-timer.C:
		}
		if s.client.healthy(ctx) {
			return nil
		}
		s.log.Debug("llama-server not healthy yet", "attempt", attempt, "max_attempts", s.healthAttempts)
		timer.Reset(s.healthInterval)
	}
	return fmt.Errorf("%w: no healthy response after %d attempts", ErrStartupTimeout, s.healthAttempts)
}

func (s *Supervisor) setFailed(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch && s.state == StateStarting {
		s.state = StateFailed
	}
}

// abandon releases a process that never became ready.
func (s *Supervisor) abandon(epoch uint64, p *backendProcess) {
	s.mu.Lock()
	owned := s.epoch == epoch && s.proc == p
	if owned {
		s.proc = nil
		s.modelPath = ""
	}
	s.mu.Unlock()

	if !owned {
		// Shutdown already took the handle and is stopping it.
		return
	}
	s.terminate(p)

	s.mu.Lock()
	if s.epoch == epoch {
		s.state = StateFailed
	}
	s.mu.Unlock()
}

// Generate sends prompt to llama-server's /completion endpoint.
func (s *Supervisor) Generate(ctx context.Context, prompt string) (string, error) {
	if s == nil {
		return "", ErrNotReady
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	s.mu.Lock()
	ready := s.state == StateReady
	s.mu.Unlock()
	if !ready {
		return "", ErrNotReady
	}

	return s.client.complete(ctx, prompt, s.generateTimeout)
}

// Shutdown stops the backend process if one is held. It is idempotent and
// safe from any state.
func (s *Supervisor) Shutdown() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.modelPath = ""
	s.startedAt = time.Time{}
	if p != nil {
		s.state = StateShuttingDown
	} else {
		s.state = StateStopped
	}
	epoch := s.epoch
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	s.log.Info("stopping llama-server", "pid", p.pid())
	s.terminate(p)

	s.mu.Lock()
	if s.epoch == epoch {
		s.state = StateStopped
	}
	s.mu.Unlock()
	return nil
}

// Close is Shutdown, for defer-scoped ownership.
func (s *Supervisor) Close() error {
	return s.Shutdown()
}

// terminate asks the process group to exit, escalating to SIGKILL after
// stopTimeout, and reaps the process.
func (s *Supervisor) terminate(p *backendProcess) {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	if err := terminateCmdProcessGroup(p.cmd); err != nil {
		s.log.Warn("terminate llama-server failed", "pid", p.pid(), "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(s.stopTimeout):
	}

	s.log.Warn("llama-server did not exit, killing", "pid", p.pid())
	if err := killCmdProcessGroup(p.cmd); err != nil {
		s.log.Warn("kill llama-server failed", "pid", p.pid(), "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(s.stopTimeout):
		s.log.Error("llama-server still running after kill", "pid", p.pid())
	}
}

type Status struct {
	State           string        `json:"state"`
	Port            int           `json:"port"`
	ModelPath       string        `json:"model_path,omitempty"`
	PID             int           `json:"pid,omitempty"`
	StartedAtUnixMs int64         `json:"started_at_unix_ms,omitempty"`
	Process         *ProcessStats `json:"process,omitempty"`
}

type ProcessStats struct {
	Name       string  `json:"name"`
	Running    bool    `json:"running"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Status reports the supervisor state and, when a process is held, its
// resource usage.
func (s *Supervisor) Status(ctx context.Context) Status {
	if s == nil {
		return Status{State: StateUninitialized.String()}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	st := Status{
		State:     s.state.String(),
		Port:      s.port,
		ModelPath: s.modelPath,
		PID:       s.proc.pid(),
	}
	if !s.startedAt.IsZero() {
		st.StartedAtUnixMs = s.startedAt.UnixMilli()
	}
	s.mu.Unlock()

	if st.PID > 0 {
		st.Process = collectProcessStats(ctx, int32(st.PID))
	}
	return st
}

func collectProcessStats(ctx context.Context, pid int32) *ProcessStats {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return &ProcessStats{Running: false}
	}
	out := &ProcessStats{}
	if running, err := p.IsRunningWithContext(ctx); err == nil {
		out.Running = running
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		out.Name = name
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	return out
}
