// Package httpapi is the edge worker's gin-based HTTP surface (SPEC_FULL.md
// §6): liveness/readiness probes, the Linear webhook ingress, and a
// dashboard-only WebSocket activity feed. None of this is on the
// orchestrator's authoritative path except the webhook route itself.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/config"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/httpmw"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/activityfeed"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/webhook"
)

// Server wraps the edge worker's HTTP surface.
type Server struct {
	cfg        config.ServerConfig
	log        *logger.Logger
	httpServer *http.Server
	startedAt  time.Time
	stopCh     chan struct{}
}

// New builds the gin engine and wraps it in an http.Server, wiring the
// dispatcher and activity hub into their respective routes. notify is called
// after every successfully dispatched webhook, so the caller can enqueue a
// persistence snapshot (spec.md §4.7: "mutation is always followed by a
// persistence enqueue"). debug controls gin's verbose request logging mode.
func New(cfg config.ServerConfig, debug bool, dispatcher *webhook.Dispatcher, hub *activityfeed.Hub, repoCount func() int, ping func(context.Context) error, log *logger.Logger, notify func()) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "edge-worker"))
	router.Use(httpmw.OtelTracing("edge-worker"))

	s := &Server{cfg: cfg, log: log, startedAt: time.Now(), stopCh: make(chan struct{})}

	router.GET("/healthz", s.healthz)
	router.GET("/statusz", s.statusz(repoCount, ping))
	router.POST("/webhooks/linear", newWebhookHandler(dispatcher, notify, s.stopCh, log))
	router.GET("/ws/activity", newActivityHandler(hub, log))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Start listens in the background; call errCh to observe a fatal listen error.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown drains in-flight requests within ctx's deadline, then cancels any
// detached webhook dispatches still running (appctx.Detached's stopCh).
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	close(s.stopCh)
	return err
}
