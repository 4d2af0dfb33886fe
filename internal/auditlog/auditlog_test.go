package auditlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLog(t *testing.T, opts Options) *Log {
	t.Helper()
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestAppendAndListNewestFirst(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	l := newTestLog(t, Options{DataDir: dataDir})

	l.Append(Entry{Action: ActionEngineStarted, Model: "a.gguf"})
	l.Append(Entry{Action: ActionConversationDeleted, ConversationID: "c1"}.Result(nil))
	l.Append(Entry{Action: ActionEngineFailed, Model: "b.gguf"}.Result(errors.New("startup timed out")))

	if _, err := os.Stat(filepath.Join(dataDir, "audit", "events.jsonl")); err != nil {
		t.Fatalf("active file missing: %v", err)
	}

	got, err := l.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(List())=%d, want 3", len(got))
	}
	if got[0].Action != ActionEngineFailed || got[0].Status != StatusFailure || got[0].Error != "startup timed out" {
		t.Fatalf("List()[0]=%+v", got[0])
	}
	if got[1].ConversationID != "c1" || got[1].Status != StatusSuccess {
		t.Fatalf("List()[1]=%+v", got[1])
	}
	if got[2].Action != ActionEngineStarted || got[2].Status != StatusSuccess || got[2].CreatedAt == "" {
		t.Fatalf("List()[2]=%+v", got[2])
	}

	limited, err := l.List(2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 || limited[0].Action != ActionEngineFailed {
		t.Fatalf("List(2)=%+v", limited)
	}
}

func TestRotationKeepsBackupsAndOrder(t *testing.T) {
	t.Parallel()

	l := newTestLog(t, Options{MaxBytes: 200, MaxBackups: 2})
	for i := 0; i < 40; i++ {
		l.Append(Entry{Action: ActionModelDeleted, Detail: fmt.Sprintf("n=%03d", i)})
	}

	ents, err := os.ReadDir(l.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), "events-") {
			rotated++
		}
	}
	if rotated != 2 {
		t.Fatalf("rotated files=%d, want 2", rotated)
	}

	got, err := l.List(1000)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) == 0 || got[0].Detail != "n=039" {
		t.Fatalf("newest entry=%+v, want n=039", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Detail <= got[i].Detail {
			t.Fatalf("entries not newest first at %d: %q then %q", i, got[i-1].Detail, got[i].Detail)
		}
	}
}

func TestListSkipsCorruptLines(t *testing.T) {
	t.Parallel()

	l := newTestLog(t, Options{})
	l.Append(Entry{Action: ActionDataCleared})
	f, err := os.OpenFile(l.activePath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()
	l.Append(Entry{Action: ActionEngineStopped})

	got, err := l.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Action != ActionEngineStopped || got[1].Action != ActionDataCleared {
		t.Fatalf("List()=%+v", got)
	}
}

func TestNilLogIsNoop(t *testing.T) {
	t.Parallel()

	var l *Log
	l.Append(Entry{Action: ActionDataCleared})
	got, err := l.List(10)
	if err != nil || got != nil {
		t.Fatalf("nil List()=(%v, %v)", got, err)
	}
	if _, err := New(Options{}); err == nil {
		t.Fatal("New without DataDir succeeded")
	}
}
