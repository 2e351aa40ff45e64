// Package claudetransport implements runner.Runner over the Claude Code CLI's
// stream-json protocol, spawned in a pty per SPEC_FULL.md §4.4a. It adapts
// pkg/claudecode's control-request/response client over a creack/pty-backed
// subprocess, normalizing every CLIMessage into a runner.Event.
package claudetransport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/claudecode"
)

// defaultCols/defaultRows size the pty. Claude Code CLI doesn't render a TUI
// in stream-json mode, but a pty still needs workable dimensions for any
// terminal escape probes the CLI issues on startup.
const (
	defaultCols = 120
	defaultRows = 40
)

// Config carries the knobs a Transport needs beyond the per-session selection.
type Config struct {
	Binary         string
	WorkingDir     string
	InitTimeout    time.Duration
	MCPServerURL   string // empty when the embedded MCP server is disabled
	PermissionMode string
}

// Transport implements runner.Runner for one Claude Code CLI subprocess.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	client  *claudecode.Client
	running bool

	sessionID string
}

// New builds a claudetransport.Transport for one runner lifetime.
func New(cfg Config, log *logger.Logger) *Transport {
	return &Transport{cfg: cfg, log: log}
}

// SupportsStreamingInput reports that Claude Code CLI accepts additional
// stream-json user messages on an already-running subprocess.
func (t *Transport) SupportsStreamingInput() bool { return true }

// IsRunning reports whether the subprocess is alive.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start spawns the Claude Code CLI in a pty, sends the initialize control
// request, then the first user prompt, forwarding every CLIMessage as a
// runner.Event until Stop is called.
func (t *Transport) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) (string, error) {
	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}
	if t.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", t.cfg.PermissionMode)
	}
	if t.cfg.MCPServerURL != "" {
		args = append(args, "--mcp-config", mcpConfigJSON(t.cfg.MCPServerURL))
	}

	cmd := exec.Command(t.cfg.Binary, args...)
	if t.cfg.WorkingDir != "" {
		cmd.Dir = t.cfg.WorkingDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return "", fmt.Errorf("start claude code cli: %w", err)
	}

	client := claudecode.NewClient(ptmx, ptmx, t.log)

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.client = client
	t.running = true
	t.mu.Unlock()

	var sessionID string
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		ev := TranslateMessage(msg)
		if ev.Kind == runner.KindSession && ev.RunnerSessionID != "" {
			t.mu.Lock()
			t.sessionID = ev.RunnerSessionID
			t.mu.Unlock()
		}
		if ev.Kind != "" {
			onEvent(ev)
		}
	})

	ready := client.Start(ctx)
	select {
	case <-ready:
	case <-ctx.Done():
		_ = ptmx.Close()
		return "", ctx.Err()
	}

	initTimeout := t.cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 30 * time.Second
	}
	if _, err := client.Initialize(ctx, initTimeout); err != nil {
		t.log.Warn("claude code cli initialize failed, proceeding without slash-command metadata")
	}

	go t.wait(cmd)

	if err := client.SendUserMessage(prompt); err != nil {
		return "", fmt.Errorf("send initial prompt: %w", err)
	}

	t.mu.Lock()
	sessionID = t.sessionID
	t.mu.Unlock()
	return sessionID, nil
}

// AddStreamMessage sends a follow-up user message to the already-running CLI.
func (t *Transport) AddStreamMessage(text string) error {
	t.mu.Lock()
	client := t.client
	running := t.running
	t.mu.Unlock()
	if !running || client == nil {
		return fmt.Errorf("claude code cli not running")
	}
	return client.SendUserMessage(text)
}

// Stop sends SIGTERM to the subprocess and waits for it to exit, closing the
// pty either way.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	ptmx := t.ptmx
	client := t.client
	t.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if cmd == nil || cmd.Process == nil {
		if ptmx != nil {
			_ = ptmx.Close()
		}
		return nil
	}

	return t.terminate(ctx, cmd, ptmx)
}

func (t *Transport) terminate(ctx context.Context, cmd *exec.Cmd, ptmx *os.File) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		if ptmx != nil {
			_ = ptmx.Close()
		}
		return ctx.Err()
	case err := <-done:
		if ptmx != nil {
			_ = ptmx.Close()
		}
		return err
	}
}

func (t *Transport) wait(cmd *exec.Cmd) {
	_ = cmd.Wait()
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

func mcpConfigJSON(url string) string {
	return `{"mcpServers":{"cyrus-edge-worker":{"type":"http","url":"` + url + `"}}}`
}

// TranslateMessage maps one pkg/claudecode CLIMessage into the normalized
// runner.Event sum type (SPEC_FULL.md §4.4a). Exported so dockertransport can
// reuse the same normalization when a Claude Code CLI runs inside a
// container instead of a local pty subprocess.
func TranslateMessage(msg *claudecode.CLIMessage) runner.Event {
	now := time.Now()
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			return runner.Event{Kind: runner.KindSession, At: now, RunnerSessionID: msg.SessionID}
		}
		return runner.Event{}
	case claudecode.MessageTypeAssistant:
		return translateAssistant(msg, now)
	case claudecode.MessageTypeResult:
		return translateResult(msg, now)
	default:
		return runner.Event{}
	}
}

func translateAssistant(msg *claudecode.CLIMessage, now time.Time) runner.Event {
	if msg.Message == nil {
		return runner.Event{}
	}
	blocks := msg.Message.GetContentBlocks()
	if blocks == nil {
		if text := msg.Message.GetContentString(); text != "" {
			return runner.Event{Kind: runner.KindAssistant, At: now, Text: text, ParentToolUseID: msg.ParentToolUseID}
		}
		return runner.Event{}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				return runner.Event{Kind: runner.KindAssistant, At: now, Text: b.Text, ParentToolUseID: msg.ParentToolUseID}
			}
		case "tool_use":
			return runner.Event{
				Kind:            runner.KindAssistant,
				At:              now,
				IsToolUse:       true,
				ToolUseID:       b.ID,
				ToolName:        b.Name,
				ToolInput:       b.Input,
				ParentToolUseID: msg.ParentToolUseID,
			}
		case "tool_result":
			return runner.Event{
				Kind:            runner.KindToolResult,
				At:              now,
				ResultToolUseID: b.ToolUseID,
				ResultContent:   b.Content,
				ResultIsError:   b.IsError,
			}
		}
	}
	return runner.Event{}
}

func translateResult(msg *claudecode.CLIMessage, now time.Time) runner.Event {
	ev := runner.Event{Kind: runner.KindTerminal, At: now, TerminalSubtype: msg.Subtype}
	if data := msg.GetResultData(); data != nil {
		ev.ResultText = data.Text
	} else {
		ev.ResultText = msg.GetResultString()
	}
	if msg.IsError && ev.TerminalSubtype == "" {
		ev.TerminalSubtype = "error"
	}
	return ev
}

var _ runner.Runner = (*Transport)(nil)
