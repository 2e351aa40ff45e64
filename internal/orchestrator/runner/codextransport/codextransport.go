// Package codextransport implements runner.Runner over the Codex app-server
// JSON-RPC protocol, spawned over plain stdio pipes (no pty) per SPEC_FULL.md
// §4.4a. It adapts pkg/codex's Client, driving a thread/turn lifecycle and
// normalizing notifications into runner.Event.
package codextransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/codex"
)

// Config carries the knobs a Transport needs to spawn the Codex app server.
type Config struct {
	Binary         string
	WorkingDir     string
	Model          string
	ApprovalPolicy string
	ResumeThreadID string // set when resuming an existing thread
}

// Transport implements runner.Runner for one Codex app-server subprocess.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	client   *codex.Client
	running  bool
	threadID string
}

// New builds a codextransport.Transport for one runner lifetime.
func New(cfg Config, log *logger.Logger) *Transport {
	return &Transport{cfg: cfg, log: log}
}

// SupportsStreamingInput reports that Codex threads accept further turns on
// an already-running app server.
func (t *Transport) SupportsStreamingInput() bool { return true }

// IsRunning reports whether the app-server subprocess is alive.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start spawns the Codex app server over plain pipes, initializes it, starts
// (or resumes) a thread, and begins the first turn.
func (t *Transport) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) (string, error) {
	cmd := exec.Command(t.cfg.Binary, "app-server")
	if t.cfg.WorkingDir != "" {
		cmd.Dir = t.cfg.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("codex stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("codex stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start codex app-server: %w", err)
	}

	client := codex.NewClient(stdin, stdout, t.log)
	client.SetNotificationHandler(t.notificationHandler(onEvent))
	client.Start(ctx)

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.client = client
	t.running = true
	t.mu.Unlock()

	go t.wait(cmd)

	if _, err := client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "cyrus-edge-worker", Version: "1.0.0"},
	}); err != nil {
		return "", fmt.Errorf("codex initialize: %w", err)
	}
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		return "", fmt.Errorf("codex initialized notify: %w", err)
	}

	threadID, err := t.startOrResumeThread(ctx, client)
	if err != nil {
		return "", err
	}

	if _, err := client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: prompt}},
	}); err != nil {
		return "", fmt.Errorf("codex turn/start: %w", err)
	}

	return threadID, nil
}

func (t *Transport) startOrResumeThread(ctx context.Context, client *codex.Client) (string, error) {
	if t.cfg.ResumeThreadID != "" {
		resp, err := client.Call(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{ThreadID: t.cfg.ResumeThreadID})
		if err != nil {
			return "", fmt.Errorf("codex thread/resume: %w", err)
		}
		var result codex.ThreadResumeResult
		if err := decodeResult(resp, &result); err != nil || result.Thread == nil {
			return "", fmt.Errorf("codex thread/resume: malformed response: %w", err)
		}
		t.setThreadID(result.Thread.ID)
		return result.Thread.ID, nil
	}

	resp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:          t.cfg.Model,
		Cwd:            t.cfg.WorkingDir,
		ApprovalPolicy: t.cfg.ApprovalPolicy,
	})
	if err != nil {
		return "", fmt.Errorf("codex thread/start: %w", err)
	}
	var result codex.ThreadStartResult
	if err := decodeResult(resp, &result); err != nil || result.Thread == nil {
		return "", fmt.Errorf("codex thread/start: malformed response: %w", err)
	}
	t.setThreadID(result.Thread.ID)
	return result.Thread.ID, nil
}

func (t *Transport) setThreadID(id string) {
	t.mu.Lock()
	t.threadID = id
	t.mu.Unlock()
}

// AddStreamMessage starts a new turn on the existing thread.
func (t *Transport) AddStreamMessage(text string) error {
	t.mu.Lock()
	client := t.client
	threadID := t.threadID
	running := t.running
	t.mu.Unlock()
	if !running || client == nil {
		return fmt.Errorf("codex app server not running")
	}
	_, err := client.Call(context.Background(), codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: text}},
	})
	return err
}

// Stop terminates the app-server subprocess.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	client := t.client
	t.mu.Unlock()

	if client != nil {
		client.Stop()
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

// notificationHandler maps Codex's item/turn notifications into runner.Event
// (SPEC_FULL.md §4.4a).
func (t *Transport) notificationHandler(onEvent func(runner.Event)) func(method string, params json.RawMessage) {
	return func(method string, params json.RawMessage) {
		ev, ok := TranslateNotification(method, params)
		if ok {
			onEvent(ev)
		}
	}
}

func decodeResult(resp *codex.Response, out any) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if resp.Error != nil {
		return fmt.Errorf("codex error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return json.Unmarshal(resp.Result, out)
}

// TranslateNotification maps one Codex notification into the normalized
// runner.Event sum type. Unrecognized methods (delta streaming, approval
// requests not yet supported) are dropped; they carry no terminal/activity
// meaning for the orchestrator. Exported so dockertransport can reuse the
// same normalization for a containerized Codex app server.
func TranslateNotification(method string, params json.RawMessage) (runner.Event, bool) {
	now := time.Now()
	switch method {
	case codex.NotifyThreadStarted:
		var p struct {
			Thread *codex.Thread `json:"thread"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Thread == nil {
			return runner.Event{}, false
		}
		return runner.Event{Kind: runner.KindSession, At: now, RunnerSessionID: p.Thread.ID}, true

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return runner.Event{}, false
		}
		return translateItem(p.Item, now)

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return runner.Event{}, false
		}
		subtype := "success"
		if !p.Success {
			subtype = "error"
		}
		return runner.Event{Kind: runner.KindTerminal, At: now, TerminalSubtype: subtype, ResultText: p.Error}, true

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil {
			return runner.Event{}, false
		}
		return runner.Event{Kind: runner.KindError, At: now, ErrorMessage: p.Message}, true

	default:
		return runner.Event{}, false
	}
}

// translateItem maps a completed Codex item (agent message, command
// execution, file change) into an assistant or tool-result event.
func translateItem(item *codex.Item, now time.Time) (runner.Event, bool) {
	switch item.Type {
	case "agentMessage":
		text := joinContentParts(item.Content)
		if text == "" {
			return runner.Event{}, false
		}
		return runner.Event{Kind: runner.KindAssistant, At: now, Text: text}, true

	case "commandExecution":
		return runner.Event{
			Kind:            runner.KindAssistant,
			At:              now,
			IsToolUse:       true,
			ToolUseID:       item.ID,
			ToolName:        "Bash",
			ToolInput:       map[string]any{"command": item.Command},
			ResultToolUseID: "",
		}, true

	case "fileChange":
		paths := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		return runner.Event{
			Kind:      runner.KindAssistant,
			At:        now,
			IsToolUse: true,
			ToolUseID: item.ID,
			ToolName:  "Edit",
			ToolInput: map[string]any{"paths": paths},
		}, true

	default:
		return runner.Event{}, false
	}
}

func joinContentParts(parts []codex.ContentPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

var _ runner.Runner = (*Transport)(nil)
