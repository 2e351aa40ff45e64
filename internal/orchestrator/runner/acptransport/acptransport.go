// Package acptransport implements runner.Runner over the Agent Client
// Protocol (JSON-RPC 2.0 framed over stdio, per SPEC_FULL.md §4.4a) for
// Gemini CLI and any other ACP-speaking agent, using the acp-go-sdk
// client-side connection directly rather than hand-rolling the wire
// protocol.
package acptransport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"go.uber.org/zap"
)

// Config carries the knobs a Transport needs to spawn an ACP agent.
type Config struct {
	Binary          string
	Args            []string
	WorkingDir      string
	McpServers      []acp.McpServer
	ResumeSessionID string
}

// Transport implements runner.Runner for one ACP agent subprocess.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      *acp.ClientSideConnection
	running   bool
	sessionID string
}

// New builds an acptransport.Transport for one runner lifetime.
func New(cfg Config, log *logger.Logger) *Transport {
	return &Transport{cfg: cfg, log: log}
}

// SupportsStreamingInput reports that an ACP session accepts further prompts
// on an already-loaded session.
func (t *Transport) SupportsStreamingInput() bool { return true }

// IsRunning reports whether the agent subprocess is alive.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start spawns the ACP agent over plain pipes, performs the initialize
// handshake, creates (or loads) a session, and sends the first prompt.
func (t *Transport) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) (string, error) {
	cmd := exec.Command(t.cfg.Binary, t.cfg.Args...)
	if t.cfg.WorkingDir != "" {
		cmd.Dir = t.cfg.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("acp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("acp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start acp agent: %w", err)
	}

	client := newClientHandler(t.cfg.WorkingDir, t.log, onEvent)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default())

	t.mu.Lock()
	t.cmd = cmd
	t.conn = conn
	t.running = true
	t.mu.Unlock()

	go t.wait(cmd)

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "cyrus-edge-worker", Version: "1.0.0"},
	})
	if err != nil {
		return "", fmt.Errorf("acp initialize: %w", err)
	}

	sessionID, err := t.startOrLoadSession(ctx, conn, resp.AgentCapabilities)
	if err != nil {
		return "", err
	}

	if _, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	}); err != nil {
		return "", fmt.Errorf("acp prompt: %w", err)
	}

	return sessionID, nil
}

func (t *Transport) startOrLoadSession(ctx context.Context, conn *acp.ClientSideConnection, caps acp.AgentCapabilities) (string, error) {
	if t.cfg.ResumeSessionID != "" {
		if !caps.LoadSession {
			return "", fmt.Errorf("acp agent does not support session/load")
		}
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(t.cfg.ResumeSessionID)}); err != nil {
			return "", fmt.Errorf("acp session/load: %w", err)
		}
		t.setSessionID(t.cfg.ResumeSessionID)
		return t.cfg.ResumeSessionID, nil
	}

	servers := t.cfg.McpServers
	if servers == nil {
		servers = []acp.McpServer{}
	}
	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: t.cfg.WorkingDir, McpServers: servers})
	if err != nil {
		return "", fmt.Errorf("acp session/new: %w", err)
	}
	sessionID := string(resp.SessionId)
	t.setSessionID(sessionID)
	return sessionID, nil
}

func (t *Transport) setSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// AddStreamMessage sends a follow-up prompt on the existing session.
func (t *Transport) AddStreamMessage(text string) error {
	t.mu.Lock()
	conn := t.conn
	sessionID := t.sessionID
	running := t.running
	t.mu.Unlock()
	if !running || conn == nil {
		return fmt.Errorf("acp agent not running")
	}
	_, err := conn.Prompt(context.Background(), acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	return err
}

// Stop cancels the session then terminates the subprocess.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	conn := t.conn
	sessionID := t.sessionID
	t.mu.Unlock()

	if conn != nil && sessionID != "" {
		_ = conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (t *Transport) wait(cmd *exec.Cmd) {
	_ = cmd.Wait()
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

var _ runner.Runner = (*Transport)(nil)

// clientHandler implements acp.Client, the agent->client side of the
// protocol: session updates, permission requests, and the file/terminal
// operations an agent may issue against the workspace.
type clientHandler struct {
	log           *logger.Logger
	workspaceRoot string
	onEvent       func(runner.Event)
}

func newClientHandler(workspaceRoot string, log *logger.Logger, onEvent func(runner.Event)) *clientHandler {
	return &clientHandler{log: log, workspaceRoot: workspaceRoot, onEvent: onEvent}
}

// NewClient builds the acp.Client implementing this transport's agent->client
// handlers (session updates, permission auto-approval, file I/O scoped to
// workspaceRoot). Exported so dockertransport can drive the same handlers
// over a container's attached stdio instead of a local subprocess pipe.
func NewClient(workspaceRoot string, log *logger.Logger, onEvent func(runner.Event)) acp.Client {
	return newClientHandler(workspaceRoot, log, onEvent)
}

// SessionUpdate forwards every agent session/update notification as a
// normalized runner.Event.
func (c *clientHandler) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	ev, ok := TranslateUpdate(n.Update)
	if ok {
		c.onEvent(ev)
	}
	return nil
}

// RequestPermission auto-approves the first allow option offered, since the
// edge worker runs with the same trust boundary as the tracker's role
// configuration already enforces (ToolPolicy, spec.md §4.6).
func (c *clientHandler) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}, nil
	}

	selected := &p.Options[0]
	for i := range p.Options {
		if p.Options[i].Kind == acp.PermissionOptionKindAllowOnce || p.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &p.Options[i]
			break
		}
	}

	c.log.Debug("acp: auto-approving permission request", zap.String("option_id", string(selected.OptionId)))
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId}},
	}, nil
}

func (c *clientHandler) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

func (c *clientHandler) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *clientHandler) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(path, []byte(p.Content), 0o644)
}

// CreateTerminal, KillTerminalCommand, TerminalOutput, ReleaseTerminal, and
// WaitForTerminalExit are unsupported here: the edge worker's runners use
// the file-edit and stream-json/turn tool surfaces exclusively, never an
// agent-managed interactive terminal.
func (c *clientHandler) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("acp: terminal operations not supported")
}

func (c *clientHandler) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("acp: terminal operations not supported")
}

func (c *clientHandler) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("acp: terminal operations not supported")
}

func (c *clientHandler) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("acp: terminal operations not supported")
}

func (c *clientHandler) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("acp: terminal operations not supported")
}

var _ acp.Client = (*clientHandler)(nil)

// TranslateUpdate maps one ACP SessionUpdate into the normalized
// runner.Event sum type (SPEC_FULL.md §4.4a). Plan and available-commands
// updates carry no meaning in the normalized event model and are dropped.
// Exported so dockertransport can reuse the same normalization for a
// containerized ACP agent.
func TranslateUpdate(u acp.SessionUpdate) (runner.Event, bool) {
	now := time.Now()

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return runner.Event{}, false
		}
		return runner.Event{Kind: runner.KindAssistant, At: now, Text: u.AgentMessageChunk.Content.Text.Text}, true

	case u.AgentThoughtChunk != nil:
		return runner.Event{}, false

	case u.ToolCall != nil:
		args := map[string]any{}
		if u.ToolCall.RawInput != nil {
			args["raw_input"] = u.ToolCall.RawInput
		}
		return runner.Event{
			Kind:      runner.KindAssistant,
			At:        now,
			IsToolUse: true,
			ToolUseID: string(u.ToolCall.ToolCallId),
			ToolName:  string(u.ToolCall.Kind),
			ToolInput: args,
		}, true

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status != "completed" && status != "failed" {
			return runner.Event{}, false
		}
		content := ""
		if u.ToolCallUpdate.RawOutput != nil {
			content = fmt.Sprintf("%v", u.ToolCallUpdate.RawOutput)
		}
		return runner.Event{
			Kind:            runner.KindToolResult,
			At:              now,
			ResultToolUseID: string(u.ToolCallUpdate.ToolCallId),
			ResultContent:   content,
			ResultIsError:   status == "failed",
		}, true

	default:
		return runner.Event{}, false
	}
}
