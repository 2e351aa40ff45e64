// Package mcpserver implements spec.md's §4.9 embedded tool callback server:
// a minimal MCP server exposing exactly one tool, report_subagent_progress,
// so a runner can push an ephemeral status update for a child session
// without a full tool-result round trip. Additive sugar, never required.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
)

// ProgressReporter is the subset of the lifecycle the tool handler needs: a
// way to post an ephemeral thought activity for a session without going
// through the runner event pipeline.
type ProgressReporter interface {
	ReportEphemeral(ctx context.Context, sessionID, body string) error
}

// Config holds the embedded MCP server's listen settings.
type Config struct {
	Host string
	Port int
}

// Server wraps a Streamable HTTP MCP server exposing report_subagent_progress.
type Server struct {
	cfg        Config
	reporter   ProgressReporter
	log        *logger.Logger
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	addr    string
}

// New builds the embedded MCP server.
func New(cfg Config, reporter ProgressReporter, log *logger.Logger) *Server {
	return &Server{cfg: cfg, reporter: reporter, log: log}
}

// Start listens and serves in the background, returning once it is ready to
// accept connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("cyrus-edge-worker-mcp", "1.0.0", server.WithToolCapabilities(false))
	mcpServer.AddTool(
		mcp.NewTool("report_subagent_progress",
			mcp.WithDescription("Report an ephemeral progress update for a running sub-agent session, without waiting for a full tool-result round trip."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The agent session id this progress update belongs to"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("A short, human-readable progress message"),
			),
		),
		s.reportProgressHandler(),
	)

	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.mu.Lock()
		s.addr = fmt.Sprintf("%s:%d", s.cfg.Host, tcpAddr.Port)
		s.mu.Unlock()
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("mcp server listening", zap.String("addr", addr))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	srv := s.httpServer
	s.mu.Unlock()
	if !running || srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Endpoint returns the URL runners should be given for their MCP server
// config, once Start has completed.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://%s/mcp", s.addr)
}

func (s *Server) reportProgressHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := s.reporter.ReportEphemeral(ctx, sessionID, message); err != nil {
			s.log.Warn("report_subagent_progress failed", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to record progress: %v", err)), nil
		}
		return mcp.NewToolResultText("ok"), nil
	}
}
