// Package app wires the store, model catalog, backend supervisor, and chat
// orchestrator into one owned application state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/floegence/offline-doctor/internal/auditlog"
	"github.com/floegence/offline-doctor/internal/backend"
	"github.com/floegence/offline-doctor/internal/chat"
	"github.com/floegence/offline-doctor/internal/config"
	"github.com/floegence/offline-doctor/internal/convstore"
	"github.com/floegence/offline-doctor/internal/kvstore"
	"github.com/floegence/offline-doctor/internal/lockfile"
	"github.com/floegence/offline-doctor/internal/models"
	"github.com/floegence/offline-doctor/internal/monitor"
)

// DBFileName is the conversation database inside the data dir.
const DBFileName = "offline_doctor.db"

type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// ModelEntries replaces the built-in model catalog when non-nil.
	ModelEntries []models.Model
	// Engine overrides supervisor tuning; Port, Binary, SearchDirs and
	// GenerateTimeout always come from Config.
	Engine backend.Options
}

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	version string

	lock    *lockfile.Lock
	kv      *kvstore.Store
	store   *convstore.Store
	catalog *models.Catalog
	audit   *auditlog.Log
	engine  *backend.Supervisor
	chat    *chat.Orchestrator
	host    *monitor.Service

	// engineMu serializes engine start/stop and model deletion.
	engineMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, opts Options) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	dataDir := filepath.Clean(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &App{cfg: cfg, log: logger, version: opts.Version}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if a.lock, err = lockfile.AcquireDir(dataDir); err != nil {
		return nil, err
	}
	if a.kv, err = kvstore.Open(filepath.Join(dataDir, DBFileName)); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if a.store, err = convstore.New(a.kv, convstore.Options{}); err != nil {
		return nil, err
	}
	if a.catalog, err = models.New(dataDir, models.Options{Logger: logger, Entries: opts.ModelEntries}); err != nil {
		return nil, err
	}
	if a.audit, err = auditlog.New(auditlog.Options{Logger: logger, DataDir: dataDir}); err != nil {
		return nil, err
	}

	engOpts := opts.Engine
	engOpts.Logger = logger
	engOpts.Port = cfg.Backend.Port
	engOpts.Binary = cfg.Backend.Binary
	engOpts.GenerateTimeout = cfg.Backend.GenerateTimeout
	if len(cfg.Backend.SearchDirs) > 0 {
		engOpts.SearchDirs = cfg.Backend.SearchDirs
	}
	a.engine = backend.New(engOpts)
	a.chat = chat.New(a.store, a.engine, logger)
	a.host = monitor.NewService(monitor.Options{Logger: logger})

	logger.Info("offline-doctor ready", "data_dir", dataDir, "version", opts.Version)
	return a, nil
}

func (a *App) Version() string {
	if a == nil {
		return ""
	}
	return a.version
}

func (a *App) Config() *config.Config {
	if a == nil {
		return nil
	}
	return a.cfg
}

// resolveModel maps a catalog filename to a model path. Empty means the
// configured default model, then the first downloaded catalog entry.
func (a *App) resolveModel(filename string) (string, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = strings.TrimSpace(a.cfg.DefaultModel)
	}
	if filename != "" {
		return a.catalog.Path(filename)
	}
	if p, ok := a.catalog.DefaultModelPath(); ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: no model downloaded", backend.ErrModelNotFound)
}

func engineHoldsProcess(st backend.State) bool {
	switch st {
	case backend.StateStarting, backend.StatePolling, backend.StateReady, backend.StateShuttingDown:
		return true
	default:
		return false
	}
}

// InitializeEngine (re)starts the backend on the given model, stopping a
// running engine first.
func (a *App) InitializeEngine(ctx context.Context, modelFilename string) (string, error) {
	if a == nil || a.engine == nil {
		return "", errors.New("app not initialized")
	}
	a.engineMu.Lock()
	defer a.engineMu.Unlock()

	path, err := a.resolveModel(modelFilename)
	if err != nil {
		a.audit.Append(auditlog.Entry{Action: auditlog.ActionEngineFailed, Model: modelFilename}.Result(err))
		return "", err
	}
	model := filepath.Base(path)
	if fi, err := os.Stat(path); err == nil {
		if host := a.host.Snapshot(ctx); !host.Fits(fi.Size()) {
			a.log.Warn("model may not fit in available memory",
				"model", model, "size_bytes", fi.Size(), "memory_available", host.MemoryAvailable)
		}
	}

	if engineHoldsProcess(a.engine.State()) {
		a.stopEngineLocked("restart")
	}

	if err := a.engine.Initialize(ctx, path); err != nil {
		a.audit.Append(auditlog.Entry{Action: auditlog.ActionEngineFailed, Model: model}.Result(err))
		return "", err
	}
	a.audit.Append(auditlog.Entry{Action: auditlog.ActionEngineStarted, Model: model}.Result(nil))
	return path, nil
}

func (a *App) ShutdownEngine() error {
	if a == nil || a.engine == nil {
		return nil
	}
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if !engineHoldsProcess(a.engine.State()) {
		return a.engine.Shutdown()
	}
	return a.stopEngineLocked("requested")
}

func (a *App) stopEngineLocked(reason string) error {
	model := filepath.Base(a.engine.Status(context.Background()).ModelPath)
	err := a.engine.Shutdown()
	a.audit.Append(auditlog.Entry{Action: auditlog.ActionEngineStopped, Model: model, Detail: reason}.Result(err))
	return err
}

func (a *App) EngineStatus(ctx context.Context) backend.Status {
	if a == nil {
		return backend.Status{State: backend.StateUninitialized.String()}
	}
	return a.engine.Status(ctx)
}

// HostStatus reports host CPU and memory.
func (a *App) HostStatus(ctx context.Context) monitor.Snapshot {
	if a == nil {
		return monitor.Snapshot{}
	}
	return a.host.Snapshot(ctx)
}

func (a *App) SendMessage(ctx context.Context, req chat.Request) (*chat.Response, error) {
	if a == nil || a.chat == nil {
		return nil, errors.New("app not initialized")
	}
	return a.chat.Send(ctx, req)
}

func (a *App) CreateConversation(ctx context.Context, title string) (string, error) {
	return a.store.CreateConversation(ctx, title)
}

func (a *App) GetConversation(ctx context.Context, id string) (*convstore.Conversation, error) {
	return a.store.GetConversation(ctx, id)
}

func (a *App) ListConversations(ctx context.Context) ([]convstore.Conversation, error) {
	return a.store.ListConversations(ctx)
}

func (a *App) ListMessages(ctx context.Context, conversationID string) ([]convstore.Message, error) {
	return a.store.ListMessages(ctx, conversationID)
}

func (a *App) UpdateTitle(ctx context.Context, conversationID string, title string) error {
	return a.store.UpdateTitle(ctx, conversationID, title)
}

func (a *App) DeleteConversation(ctx context.Context, conversationID string) error {
	err := a.store.DeleteConversation(ctx, conversationID)
	a.audit.Append(auditlog.Entry{Action: auditlog.ActionConversationDeleted, ConversationID: conversationID}.Result(err))
	return err
}

func (a *App) ClearAll(ctx context.Context) error {
	err := a.store.ClearAll(ctx)
	a.audit.Append(auditlog.Entry{Action: auditlog.ActionDataCleared}.Result(err))
	if err == nil {
		a.log.Info("all conversations cleared")
	}
	return err
}

func (a *App) Models() []models.Model {
	return a.catalog.Available()
}

func (a *App) DownloadModel(ctx context.Context, filename string, progress func(done, total int64)) (string, error) {
	return a.catalog.Download(ctx, filename, progress)
}

// DeleteModel removes a model file, stopping the engine first when it is
// serving that file.
func (a *App) DeleteModel(filename string) error {
	p, err := a.catalog.Path(filename)
	if err != nil {
		return err
	}

	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if engineHoldsProcess(a.engine.State()) && a.engine.Status(context.Background()).ModelPath == p {
		_ = a.stopEngineLocked("model deleted")
	}

	err = a.catalog.Delete(filename)
	a.audit.Append(auditlog.Entry{Action: auditlog.ActionModelDeleted, Model: filename}.Result(err))
	return err
}

func (a *App) AuditEntries(limit int) ([]auditlog.Entry, error) {
	return a.audit.List(limit)
}

// Close stops the engine, closes the database, and releases the data-dir
// lock. Later calls return the first result.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		a.engineMu.Lock()
		if a.engine != nil && engineHoldsProcess(a.engine.State()) {
			_ = a.stopEngineLocked("shutdown")
		}
		a.engineMu.Unlock()
		a.closeErr = a.release()
	})
	return a.closeErr
}

func (a *App) release() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}
