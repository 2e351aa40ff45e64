package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
)

type fakeReporter struct {
	calls []struct{ sessionID, body string }
	err   error
}

func (f *fakeReporter) ReportEphemeral(ctx context.Context, sessionID, body string) error {
	f.calls = append(f.calls, struct{ sessionID, body string }{sessionID, body})
	return f.err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "report_subagent_progress",
			Arguments: args,
		},
	}
}

func TestReportProgressHandler_ForwardsToReporter(t *testing.T) {
	reporter := &fakeReporter{}
	s := New(Config{}, reporter, newTestLogger(t))

	result, err := s.reportProgressHandler()(context.Background(), toolRequest(map[string]any{
		"session_id": "s1",
		"message":    "halfway done",
	}))

	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, reporter.calls, 1)
	require.Equal(t, "s1", reporter.calls[0].sessionID)
	require.Equal(t, "halfway done", reporter.calls[0].body)
}

func TestReportProgressHandler_MissingSessionIDReturnsToolError(t *testing.T) {
	reporter := &fakeReporter{}
	s := New(Config{}, reporter, newTestLogger(t))

	result, err := s.reportProgressHandler()(context.Background(), toolRequest(map[string]any{
		"message": "no session id",
	}))

	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Empty(t, reporter.calls)
}

func TestReportProgressHandler_MissingMessageReturnsToolError(t *testing.T) {
	reporter := &fakeReporter{}
	s := New(Config{}, reporter, newTestLogger(t))

	result, err := s.reportProgressHandler()(context.Background(), toolRequest(map[string]any{
		"session_id": "s1",
	}))

	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestReportProgressHandler_ReporterErrorReturnsToolError(t *testing.T) {
	reporter := &fakeReporter{err: errors.New("store unavailable")}
	s := New(Config{}, reporter, newTestLogger(t))

	result, err := s.reportProgressHandler()(context.Background(), toolRequest(map[string]any{
		"session_id": "s1",
		"message":    "progress",
	}))

	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestStartStop_ListensOnEphemeralPortAndServesEndpoint(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, &fakeReporter{}, newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		require.NoError(t, s.Stop(shutdownCtx))
	}()

	endpoint := s.Endpoint()
	require.True(t, strings.HasPrefix(endpoint, "http://127.0.0.1:"))
	require.True(t, strings.HasSuffix(endpoint, "/mcp"))

	resp, err := http.Get(endpoint)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, 0, resp.StatusCode)
}

func TestStart_SecondCallWhileRunningErrors(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, &fakeReporter{}, newTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = s.Stop(shutdownCtx)
	}()

	require.Error(t, s.Start(ctx))
}
