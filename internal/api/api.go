// Package api provides the operator HTTP API of GarageDesk.
//
// It exposes the attendance queue, customer sessions and conversation history to the shop's
// operator panel, and mounts the Twilio webhook when that transport is active.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/conversation"
	"github.com/BTreeMap/GarageDesk/internal/messaging"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// TwilioWebhookPath receives Twilio inbound messages.
	TwilioWebhookPath = "/webhooks/twilio"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	orch   *orchestrator.Orchestrator
	log    *conversation.Log
	out    *messaging.Outbound
	twilio http.HandlerFunc
	ai     Summarizer
}

// Option configures a Server.
type Option func(*Server)

// WithTwilioWebhook mounts h at TwilioWebhookPath.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(s *Server) { s.twilio = h }
}

// WithSummarizer enables GET /conversations/:identity/summary.
func WithSummarizer(sm Summarizer) Option {
	return func(s *Server) { s.ai = sm }
}

// NewServer creates a Server.
func NewServer(orch *orchestrator.Orchestrator, log *conversation.Log, out *messaging.Outbound, opts ...Option) *Server {
	s := &Server{orch: orch, log: log, out: out}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with every route.
func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.healthHandler)

	q := r.Group("/queue")
	{
		q.GET("/waiting", s.listWaitingHandler)
		q.GET("/in-service", s.listInServiceHandler)
		q.GET("/next", s.peekNextHandler)
		q.GET("/stats", s.statsHandler)
		q.POST("/claim-next", s.claimNextHandler)
		q.GET("/:identity/position", s.positionHandler)
		q.POST("/:identity", s.enqueueHandler)
		q.POST("/:identity/claim", s.claimHandler)
		q.POST("/:identity/finish", s.finishHandler)
		q.POST("/:identity/cancel", s.cancelHandler)
	}

	r.GET("/sessions/:identity", s.getSessionHandler)
	r.DELETE("/sessions/:identity", s.resetSessionHandler)

	c := r.Group("/conversations")
	{
		c.GET("/unread", s.unreadHandler)
		c.GET("/:identity/messages", s.historyHandler)
		c.GET("/:identity/summary", s.summaryHandler)
		c.POST("/:identity/read", s.markReadHandler)
		c.POST("/:identity/reply", s.replyHandler)
	}

	if s.twilio != nil {
		r.POST(TwilioWebhookPath, gin.WrapF(s.twilio))
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: readHeaderTimeout}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("GarageDesk API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("GarageDesk API stopped")
	return nil
}

// requestLogger logs each request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "API request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	respond(c, http.StatusOK, models.Success(gin.H{"time": time.Now().UTC()}))
}
