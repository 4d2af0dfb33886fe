// Package auditlog records engine lifecycle and destructive data actions as
// JSON lines under <data_dir>/audit.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	ActionEngineStarted       = "engine_started"
	ActionEngineFailed        = "engine_failed"
	ActionEngineStopped       = "engine_stopped"
	ActionConversationDeleted = "conversation_deleted"
	ActionDataCleared         = "data_cleared"
	ActionModelDeleted        = "model_deleted"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	defaultMaxBytes   = int64(4 << 20)
	defaultMaxBackups = 3
	defaultListLimit  = 200
	maxListLimit      = 1000

	activeName    = "events.jsonl"
	rotatedPrefix = "events-"
	rotatedSuffix = ".jsonl"
)

type Entry struct {
	CreatedAt      string `json:"created_at"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Result fills Status and Error from err.
func (e Entry) Result(err error) Entry {
	if err != nil {
		e.Status = StatusFailure
		e.Error = err.Error()
	} else {
		e.Status = StatusSuccess
	}
	return e
}

type Options struct {
	Logger  *slog.Logger
	DataDir string

	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups is how many rotated files are kept besides the active one.
	MaxBackups int
}

type Log struct {
	log *slog.Logger

	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu      sync.Mutex
	lastRot int64
}

func New(opts Options) (*Log, error) {
	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		return nil, errors.New("missing DataDir")
	}
	dir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, activeName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	_ = f.Close()

	return &Log{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Append writes e to the active file. Failures are logged, never returned:
// auditing must not fail the action it records.
func (l *Log) Append(e Entry) {
	if l == nil {
		return
	}
	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = StatusSuccess
	}

	b, err := json.Marshal(&e)
	if err != nil {
		l.log.Warn("auditlog encode failed", "action", e.Action, "error", err)
		return
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		l.log.Warn("auditlog append failed", "action", e.Action, "error", err)
		return
	}
	_, werr := f.Write(b)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		l.log.Warn("auditlog write failed", "action", e.Action, "error", errors.Join(werr, cerr))
		return
	}
	l.rotateIfNeededLocked()
}

// List returns up to limit entries, newest first, across the active and
// rotated files.
func (l *Log) List(limit int) ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	files := append([]string{l.activePath}, l.rotatedLocked(true)...)
	out := make([]Entry, 0, limit)
	for _, p := range files {
		if len(out) >= limit {
			break
		}
		entries, err := tailEntries(p, limit-len(out))
		if err != nil {
			l.log.Warn("auditlog read failed", "path", p, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated file paths, newest first when newestFirst.
func (l *Log) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, rotatedPrefix) && strings.HasSuffix(name, rotatedSuffix) {
			names = append(names, name)
		}
	}
	// Fixed-width timestamps sort lexically in time order.
	sort.Strings(names)
	if newestFirst {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(l.dir, n)
	}
	return paths
}

func (l *Log) rotateIfNeededLocked() {
	st, err := os.Stat(l.activePath)
	if err != nil || st.Size() <= l.maxBytes {
		return
	}

	ts := time.Now().UnixNano()
	if ts <= l.lastRot {
		ts = l.lastRot + 1
	}
	l.lastRot = ts
	dst := filepath.Join(l.dir, fmt.Sprintf("%s%020d%s", rotatedPrefix, ts, rotatedSuffix))
	if err := os.Rename(l.activePath, dst); err != nil {
		l.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(l.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := l.rotatedLocked(false)
	if len(rotated) <= l.maxBackups {
		return
	}
	for _, p := range rotated[:len(rotated)-l.maxBackups] {
		if err := os.Remove(p); err != nil {
			l.log.Warn("auditlog prune failed", "path", p, "error", err)
		}
	}
}

// tailEntries returns the last limit decodable entries of path, newest first.
func tailEntries(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
