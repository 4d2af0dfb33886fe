// Package api exposes the application over a local JSON HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/floegence/offline-doctor/internal/auditlog"
	"github.com/floegence/offline-doctor/internal/backend"
	"github.com/floegence/offline-doctor/internal/chat"
	"github.com/floegence/offline-doctor/internal/convstore"
	"github.com/floegence/offline-doctor/internal/models"
	"github.com/floegence/offline-doctor/internal/monitor"
)

// Service is implemented by *app.App.
type Service interface {
	InitializeEngine(ctx context.Context, modelFilename string) (string, error)
	ShutdownEngine() error
	EngineStatus(ctx context.Context) backend.Status
	HostStatus(ctx context.Context) monitor.Snapshot

	SendMessage(ctx context.Context, req chat.Request) (*chat.Response, error)

	CreateConversation(ctx context.Context, title string) (string, error)
	GetConversation(ctx context.Context, id string) (*convstore.Conversation, error)
	ListConversations(ctx context.Context) ([]convstore.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]convstore.Message, error)
	UpdateTitle(ctx context.Context, conversationID string, title string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	ClearAll(ctx context.Context) error

	Models() []models.Model
	DownloadModel(ctx context.Context, filename string, progress func(done, total int64)) (string, error)
	DeleteModel(filename string) error

	AuditEntries(limit int) ([]auditlog.Entry, error)
}

type Options struct {
	Logger  *slog.Logger
	Version string
}

type Server struct {
	svc     Service
	log     *slog.Logger
	version string
	engine  *gin.Engine
}

func New(svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{svc: svc, log: logger, version: opts.Version}

	r := gin.New()
	r.Use(recovery(logger))
	r.Use(requestLogger(logger))
	s.routes(r)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)

	api := r.Group("/api")
	{
		api.GET("/engine", s.engineStatus)
		api.POST("/engine", s.startEngine)
		api.DELETE("/engine", s.stopEngine)

		api.POST("/chat", s.sendMessage)

		api.GET("/conversations", s.listConversations)
		api.POST("/conversations", s.createConversation)
		api.GET("/conversations/:id", s.getConversation)
		api.PATCH("/conversations/:id", s.updateTitle)
		api.DELETE("/conversations/:id", s.deleteConversation)
		api.GET("/conversations/:id/messages", s.listMessages)

		api.DELETE("/data", s.clearAll)

		api.GET("/models", s.listModels)
		api.POST("/models/download", s.downloadModel)
		api.DELETE("/models/:filename", s.deleteModel)

		api.GET("/audit", s.listAudit)
		api.GET("/system", s.hostStatus)
	}
}

// Serve runs the HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}

func (s *Server) engineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.EngineStatus(c.Request.Context()))
}

type startEngineRequest struct {
	ModelFilename string `json:"model_filename"`
}

func (s *Server) hostStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.HostStatus(c.Request.Context()))
}

func (s *Server) startEngine(c *gin.Context) {
	var req startEngineRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	path, err := s.svc.InitializeEngine(c.Request.Context(), req.ModelFilename)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model_path": path, "status": s.svc.EngineStatus(c.Request.Context())})
}

func (s *Server) stopEngine(c *gin.Context) {
	if err := s.svc.ShutdownEngine(); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	resp, err := s.svc.SendMessage(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.svc.ListConversations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if convs == nil {
		convs = []convstore.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

type titleRequest struct {
	Title string `json:"title"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req titleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	id, err := s.svc.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		s.fail(c, err)
		return
	}
	conv, err := s.svc.GetConversation(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.svc.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if conv == nil {
		s.fail(c, convstore.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) updateTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	id := c.Param("id")
	if err := s.svc.UpdateTitle(c.Request.Context(), id, req.Title); err != nil {
		s.fail(c, err)
		return
	}
	conv, err := s.svc.GetConversation(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.svc.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.svc.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []convstore.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) clearAll(c *gin.Context) {
	if ok, _ := strconv.ParseBool(c.Query("confirm")); !ok {
		badRequest(c, "confirm=true is required")
		return
	}
	if err := s.svc.ClearAll(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.svc.Models()})
}

type downloadRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) downloadModel(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Filename) == "" {
		badRequest(c, "filename is required")
		return
	}
	ctx := c.Request.Context()
	lastPct := int64(-1)
	path, err := s.svc.DownloadModel(ctx, req.Filename, func(done, total int64) {
		if total <= 0 {
			return
		}
		if pct := done * 100 / total; pct/10 != lastPct/10 {
			lastPct = pct
			s.log.Info("model download progress", "model", req.Filename, "percent", pct)
		}
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (s *Server) deleteModel(c *gin.Context) {
	if err := s.svc.DeleteModel(c.Param("filename")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAudit(c *gin.Context) {
	limit := 0
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.svc.AuditEntries(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
