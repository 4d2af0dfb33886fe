// Package models manages the GGUF model files the backend can load.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidFilename = errors.New("invalid model filename")
	ErrUnknownModel    = errors.New("unknown model")
)

// Model is a catalog entry. IsDownloaded reflects the models directory at
// the time the entry was returned.
type Model struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Description  string `json:"description"`
	DownloadURL  string `json:"download_url"`
	Filename     string `json:"filename"`
	IsDownloaded bool   `json:"is_downloaded"`
}

// DefaultEntries is the built-in catalog, smallest first.
func DefaultEntries() []Model {
	return []Model{
		{
			Name:        "Llama 3.2 3B Instruct (Q4)",
			Size:        2_100_000_000,
			Description: "Compact model suitable for general medical queries",
			DownloadURL: "https://huggingface.co/bartowski/Llama-3.2-3B-Instruct-GGUF/resolve/main/Llama-3.2-3B-Instruct-Q4_K_M.gguf",
			Filename:    "llama-3.2-3b-instruct-q4.gguf",
		},
		{
			Name:        "Llama 3.1 8B Instruct (Q4)",
			Size:        4_700_000_000,
			Description: "Higher quality model for complex medical reasoning",
			DownloadURL: "https://huggingface.co/bartowski/Meta-Llama-3.1-8B-Instruct-GGUF/resolve/main/Meta-Llama-3.1-8B-Instruct-Q4_K_M.gguf",
			Filename:    "llama-3.1-8b-instruct-q4.gguf",
		},
		{
			Name:        "OpenBioLLM 8B (Q4)",
			Size:        4_800_000_000,
			Description: "Medical-specific model trained on biomedical literature",
			DownloadURL: "https://huggingface.co/aaditya/OpenBioLLM-Llama3-8B-GGUF/resolve/main/openbiollm-llama3-8b.Q4_K_M.gguf",
			Filename:    "openbiollm-llama3-8b-q4.gguf",
		},
	}
}

type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Entries replaces the built-in catalog when non-nil.
	Entries []Model
}

type Catalog struct {
	dir     string
	entries []Model
	http    *http.Client
	log     *slog.Logger
}

// New prepares <dataDir>/models and returns a catalog rooted there.
func New(dataDir string, opts Options) (*Catalog, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("missing data dir")
	}
	dir := filepath.Join(dataDir, "models")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	entries := opts.Entries
	if entries == nil {
		entries = DefaultEntries()
	}
	for _, m := range entries {
		if err := validFilename(m.Filename); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", m.Name, err)
		}
	}
	hc := opts.HTTPClient
	if hc == nil {
		// No overall timeout: downloads run for minutes and are bounded by ctx.
		hc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Catalog{
		dir:     dir,
		entries: append([]Model(nil), entries...),
		http:    hc,
		log:     logger,
	}, nil
}

func (c *Catalog) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

func validFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

// Path returns where filename lives in the models directory, whether or not
// it exists.
func (c *Catalog) Path(filename string) (string, error) {
	if c == nil {
		return "", errors.New("model catalog not initialized")
	}
	if err := validFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(c.dir, filename), nil
}

func (c *Catalog) IsDownloaded(filename string) bool {
	p, err := c.Path(filename)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Available lists every catalog entry with its download state.
func (c *Catalog) Available() []Model {
	if c == nil {
		return nil
	}
	out := make([]Model, 0, len(c.entries))
	for _, m := range c.entries {
		m.IsDownloaded = c.IsDownloaded(m.Filename)
		out = append(out, m)
	}
	return out
}

func (c *Catalog) Downloaded() []Model {
	var out []Model
	for _, m := range c.Available() {
		if m.IsDownloaded {
			out = append(out, m)
		}
	}
	return out
}

// DefaultModelPath is the first downloaded entry in catalog order.
func (c *Catalog) DefaultModelPath() (string, bool) {
	if c == nil {
		return "", false
	}
	for _, m := range c.entries {
		if c.IsDownloaded(m.Filename) {
			p, _ := c.Path(m.Filename)
			return p, true
		}
	}
	return "", false
}

func (c *Catalog) Lookup(filename string) (Model, error) {
	if _, err := c.Path(filename); err != nil {
		return Model{}, err
	}
	for _, m := range c.entries {
		if m.Filename == filename {
			m.IsDownloaded = c.IsDownloaded(m.Filename)
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, filename)
}

// Download fetches a catalog entry into the models directory. An already
// present file is returned as is. The body is written to <file>.part and
// renamed into place only after the transfer completes.
func (c *Catalog) Download(ctx context.Context, filename string, progress func(done, total int64)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := c.Lookup(filename)
	if err != nil {
		return "", err
	}
	dst, _ := c.Path(m.Filename)
	if m.IsDownloaded {
		return dst, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	c.log.Info("downloading model", "model", m.Name, "url", m.DownloadURL)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download %s: HTTP %d", m.Filename, resp.StatusCode)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	part := dst + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(part)
		}
	}()

	w := &progressWriter{w: f, total: total, fn: progress}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		ok = true
		return "", fmt.Errorf("download %s: %w", m.Filename, err)
	}
	ok = true
	c.log.Info("model downloaded", "model", m.Name, "path", dst, "bytes", w.done)
	return dst, nil
}

// Delete removes a model file. A missing file is not an error.
func (c *Catalog) Delete(filename string) error {
	p, err := c.Path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete model %s: %w", filename, err)
	}
	return nil
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}
