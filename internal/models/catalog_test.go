package models

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCreatesModelsDir(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	c, err := New(dataDir, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := filepath.Join(dataDir, "models")
	if c.Dir() != want {
		t.Fatalf("Dir()=%q, want %q", c.Dir(), want)
	}
	if fi, err := os.Stat(want); err != nil || !fi.IsDir() {
		t.Fatalf("models dir missing: %v", err)
	}
	if _, err := New(" ", Options{}); err == nil {
		t.Fatal("New with empty data dir succeeded")
	}
}

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	models := c.Available()
	if len(models) != 3 {
		t.Fatalf("len(Available())=%d, want 3", len(models))
	}
	wantFiles := []string{
		"llama-3.2-3b-instruct-q4.gguf",
		"llama-3.1-8b-instruct-q4.gguf",
		"openbiollm-llama3-8b-q4.gguf",
	}
	for i, m := range models {
		if m.Filename != wantFiles[i] {
			t.Fatalf("Available()[%d].Filename=%q, want %q", i, m.Filename, wantFiles[i])
		}
		if m.IsDownloaded {
			t.Fatalf("%s reported downloaded in an empty dir", m.Filename)
		}
		if !strings.HasPrefix(m.DownloadURL, "https://huggingface.co/") {
			t.Fatalf("%s url=%q", m.Filename, m.DownloadURL)
		}
	}
	if got := c.Downloaded(); len(got) != 0 {
		t.Fatalf("Downloaded()=%v, want empty", got)
	}
	if p, ok := c.DefaultModelPath(); ok || p != "" {
		t.Fatalf("DefaultModelPath()=(%q, %v), want none", p, ok)
	}
}

func TestDefaultModelPathFollowsCatalogOrder(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"openbiollm-llama3-8b-q4.gguf", "llama-3.1-8b-instruct-q4.gguf"} {
		if err := os.WriteFile(filepath.Join(c.Dir(), name), []byte("gguf"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	p, ok := c.DefaultModelPath()
	want := filepath.Join(c.Dir(), "llama-3.1-8b-instruct-q4.gguf")
	if !ok || p != want {
		t.Fatalf("DefaultModelPath()=(%q, %v), want %q", p, ok, want)
	}
	if got := c.Downloaded(); len(got) != 2 || got[0].Filename != "llama-3.1-8b-instruct-q4.gguf" {
		t.Fatalf("Downloaded()=%+v", got)
	}
}

func TestFilenameValidation(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"", ".", "..", "../x.gguf", "a/b.gguf", `a\b.gguf`, "/etc/passwd"} {
		if _, err := c.Path(name); !errors.Is(err, ErrInvalidFilename) {
			t.Fatalf("Path(%q) err=%v, want ErrInvalidFilename", name, err)
		}
		if err := c.Delete(name); !errors.Is(err, ErrInvalidFilename) {
			t.Fatalf("Delete(%q) err=%v, want ErrInvalidFilename", name, err)
		}
		if c.IsDownloaded(name) {
			t.Fatalf("IsDownloaded(%q)=true", name)
		}
	}
	if _, err := c.Lookup("nope.gguf"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("Lookup unknown err=%v, want ErrUnknownModel", err)
	}
	if _, err := c.Download(context.Background(), "nope.gguf", nil); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("Download unknown err=%v, want ErrUnknownModel", err)
	}
}

func TestDownloadWritesFileAndReportsProgress(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("g", 64*1024)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), Options{
		Logger: quietLogger(),
		Entries: []Model{{
			Name:        "Tiny",
			DownloadURL: srv.URL + "/tiny.gguf",
			Filename:    "tiny.gguf",
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var lastDone, lastTotal int64
	calls := 0
	p, err := c.Download(context.Background(), "tiny.gguf", func(done, total int64) {
		calls++
		if done < lastDone {
			t.Errorf("progress went backwards: %d < %d", done, lastDone)
		}
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if p != filepath.Join(c.Dir(), "tiny.gguf") {
		t.Fatalf("Download()=%q", p)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != payload {
		t.Fatalf("downloaded content mismatch (err=%v, len=%d)", err, len(b))
	}
	if calls == 0 || lastDone != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Fatalf("progress calls=%d done=%d total=%d", calls, lastDone, lastTotal)
	}
	if _, err := os.Stat(p + ".part"); !os.IsNotExist(err) {
		t.Fatalf(".part file left behind: %v", err)
	}

	if _, err := c.Download(context.Background(), "tiny.gguf", nil); err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits=%d, want 1", hits.Load())
	}

	if err := c.Delete("tiny.gguf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c.IsDownloaded("tiny.gguf") {
		t.Fatal("IsDownloaded after Delete = true")
	}
	if err := c.Delete("tiny.gguf"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestDownloadUnknownLengthReportsZeroTotal(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("h", 32*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the body is complete forces a chunked response.
		_, _ = io.WriteString(w, payload[:1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = io.WriteString(w, payload[1024:])
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), Options{
		Logger: quietLogger(),
		Entries: []Model{{
			Name:        "Chunked",
			DownloadURL: srv.URL + "/chunked.gguf",
			Filename:    "chunked.gguf",
		}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var lastDone int64
	totals := map[int64]bool{}
	p, err := c.Download(context.Background(), "chunked.gguf", func(done, total int64) {
		lastDone = done
		totals[total] = true
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != payload {
		t.Fatalf("downloaded content mismatch (err=%v, len=%d)", err, len(b))
	}
	if lastDone != int64(len(payload)) {
		t.Fatalf("done=%d, want %d", lastDone, len(payload))
	}
	if len(totals) != 1 || !totals[0] {
		t.Fatalf("totals=%v, want only 0", totals)
	}
}

func TestDownloadHTTPErrorLeavesNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), Options{
		Logger:  quietLogger(),
		Entries: []Model{{Name: "Gone", DownloadURL: srv.URL, Filename: "gone.gguf"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Download(context.Background(), "gone.gguf", nil)
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("Download err=%v, want HTTP 404", err)
	}
	entries, _ := os.ReadDir(c.Dir())
	if len(entries) != 0 {
		t.Fatalf("models dir not empty after failed download: %v", entries)
	}
}

func TestNewRejectsBadCatalogEntry(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), Options{Entries: []Model{{Name: "bad", Filename: "../bad.gguf"}}})
	if !errors.Is(err, ErrInvalidFilename) {
		t.Fatalf("New err=%v, want ErrInvalidFilename", err)
	}
}
