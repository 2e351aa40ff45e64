package dockertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/config"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/acptransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/claudetransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/codextransport"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/claudecode"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/codex"
)

// Protocol selects which runner wire protocol the container's attached
// stdio speaks. The same three protocols as the subprocess transports
// (SPEC_FULL.md §4.4a), just carried over a Docker attach instead of a pty
// or plain pipe.
type Protocol string

const (
	ProtocolClaude Protocol = "claude"
	ProtocolCodex  Protocol = "codex"
	ProtocolACP    Protocol = "acp"
)

// Config carries the knobs a Transport needs to run a runner in a container.
// CLI flags specific to a protocol (e.g. Claude's --permission-mode) belong
// in Cmd; only knobs the transport itself reads to drive the wire protocol
// live here.
type Config struct {
	Docker           config.DockerConfig
	Protocol         Protocol
	Image            string
	Cmd              []string
	Env              []string
	HostWorkspace    string // bind-mounted into ContainerWorkDir
	ContainerWorkDir string
	Labels           map[string]string
	StopTimeout      time.Duration

	Model           string // codex thread/start
	ApprovalPolicy  string // codex thread/start
	ResumeSessionID string // codex ResumeThreadID / acp session/load
}

// Transport implements runner.Runner for a runner launched inside a Docker
// container.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	docker      *dockerClient
	containerID string
	running     bool

	claudeClient *claudecode.Client
	codexClient  *codex.Client
	acpConn      *acp.ClientSideConnection
	sessionID    string
}

// New builds a dockertransport.Transport for one runner lifetime.
func New(cfg Config, log *logger.Logger) *Transport {
	return &Transport{cfg: cfg, log: log}
}

// SupportsStreamingInput mirrors the subprocess transports: every protocol
// this package speaks accepts a follow-up prompt on an already-running
// session.
func (t *Transport) SupportsStreamingInput() bool { return true }

// IsRunning reports whether the container is up.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start creates and starts the runner container, attaches its stdio, and
// drives the configured protocol to send the first prompt.
func (t *Transport) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) (string, error) {
	docker, err := newDockerClient(t.cfg.Docker, t.log)
	if err != nil {
		return "", err
	}

	if err := docker.pullImage(ctx, t.cfg.Image); err != nil {
		t.log.Warn("dockertransport: image pull failed, attempting to run with local copy if present")
	}

	containerID, err := docker.createInteractive(ctx, ContainerConfig{
		Name:       fmt.Sprintf("cyrus-runner-%d", time.Now().UnixNano()),
		Image:      t.cfg.Image,
		Cmd:        t.cfg.Cmd,
		Env:        t.cfg.Env,
		WorkingDir: t.cfg.ContainerWorkDir,
		Labels:     t.cfg.Labels,
		Mounts: []MountConfig{
			{Source: t.cfg.HostWorkspace, Target: t.cfg.ContainerWorkDir},
		},
		AutoRemove: true,
	})
	if err != nil {
		return "", err
	}

	if err := docker.start(ctx, containerID); err != nil {
		return "", err
	}

	attached, err := docker.attach(ctx, containerID)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.docker = docker
	t.containerID = containerID
	t.running = true
	t.mu.Unlock()

	var sessionID string
	switch t.cfg.Protocol {
	case ProtocolClaude:
		sessionID, err = t.startClaude(ctx, attached.Stdin, attached.Stdout, prompt, onEvent)
	case ProtocolCodex:
		sessionID, err = t.startCodex(ctx, attached.Stdin, attached.Stdout, prompt, onEvent)
	case ProtocolACP:
		sessionID, err = t.startACP(ctx, attached.Stdin, attached.Stdout, prompt, onEvent)
	default:
		err = fmt.Errorf("dockertransport: unsupported protocol %q", t.cfg.Protocol)
	}
	if err != nil {
		_ = docker.stop(ctx, containerID, 0)
		return "", err
	}

	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
	return sessionID, nil
}

func (t *Transport) startClaude(ctx context.Context, stdin io.Writer, stdout io.Reader, prompt string, onEvent func(runner.Event)) (string, error) {
	client := claudecode.NewClient(stdin, stdout, t.log)
	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		ev := claudetransport.TranslateMessage(msg)
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
		return "", ctx.Err()
	}

	if _, err := client.Initialize(ctx, 30*time.Second); err != nil {
		t.log.Warn("dockertransport: claude initialize failed, proceeding without slash-command metadata")
	}

	t.mu.Lock()
	t.claudeClient = client
	t.mu.Unlock()

	if err := client.SendUserMessage(prompt); err != nil {
		return "", fmt.Errorf("send initial prompt: %w", err)
	}

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	return sessionID, nil
}

func (t *Transport) startCodex(ctx context.Context, stdin io.Writer, stdout io.Reader, prompt string, onEvent func(runner.Event)) (string, error) {
	client := codex.NewClient(stdin, stdout, t.log)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		ev, ok := codextransport.TranslateNotification(method, params)
		if ok {
			onEvent(ev)
		}
	})
	client.Start(ctx)

	t.mu.Lock()
	t.codexClient = client
	t.mu.Unlock()

	if _, err := client.Call(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "cyrus-edge-worker", Version: "1.0.0"},
	}); err != nil {
		return "", fmt.Errorf("codex initialize: %w", err)
	}
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		return "", fmt.Errorf("codex initialized notify: %w", err)
	}

	resp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:          t.cfg.Model,
		Cwd:            t.cfg.ContainerWorkDir,
		ApprovalPolicy: t.cfg.ApprovalPolicy,
	})
	if err != nil {
		return "", fmt.Errorf("codex thread/start: %w", err)
	}
	var result codex.ThreadStartResult
	if err := decodeCodexResult(resp, &result); err != nil || result.Thread == nil {
		return "", fmt.Errorf("codex thread/start: malformed response: %w", err)
	}

	if _, err := client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: result.Thread.ID,
		Input:    []codex.UserInput{{Type: "text", Text: prompt}},
	}); err != nil {
		return "", fmt.Errorf("codex turn/start: %w", err)
	}

	return result.Thread.ID, nil
}

func decodeCodexResult(resp *codex.Response, out any) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if resp.Error != nil {
		return fmt.Errorf("codex error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return json.Unmarshal(resp.Result, out)
}

func (t *Transport) startACP(ctx context.Context, stdin io.Writer, stdout io.Reader, prompt string, onEvent func(runner.Event)) (string, error) {
	client := acptransport.NewClient(t.cfg.ContainerWorkDir, t.log, onEvent)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default())

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "cyrus-edge-worker", Version: "1.0.0"},
	})
	if err != nil {
		return "", fmt.Errorf("acp initialize: %w", err)
	}

	t.mu.Lock()
	t.acpConn = conn
	t.mu.Unlock()

	var sessionID string
	if t.cfg.ResumeSessionID != "" && resp.AgentCapabilities.LoadSession {
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(t.cfg.ResumeSessionID)}); err != nil {
			return "", fmt.Errorf("acp session/load: %w", err)
		}
		sessionID = t.cfg.ResumeSessionID
	} else {
		newResp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: t.cfg.ContainerWorkDir, McpServers: []acp.McpServer{}})
		if err != nil {
			return "", fmt.Errorf("acp session/new: %w", err)
		}
		sessionID = string(newResp.SessionId)
	}

	if _, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	}); err != nil {
		return "", fmt.Errorf("acp prompt: %w", err)
	}

	return sessionID, nil
}

// AddStreamMessage sends a follow-up prompt to the running container using
// whichever protocol client Start wired up.
func (t *Transport) AddStreamMessage(text string) error {
	t.mu.Lock()
	claudeClient := t.claudeClient
	codexClient := t.codexClient
	acpConn := t.acpConn
	sessionID := t.sessionID
	running := t.running
	t.mu.Unlock()

	if !running {
		return fmt.Errorf("dockertransport: container not running")
	}

	switch {
	case claudeClient != nil:
		return claudeClient.SendUserMessage(text)
	case codexClient != nil:
		_, err := codexClient.Call(context.Background(), codex.MethodTurnStart, codex.TurnStartParams{
			ThreadID: sessionID,
			Input:    []codex.UserInput{{Type: "text", Text: text}},
		})
		return err
	case acpConn != nil:
		_, err := acpConn.Prompt(context.Background(), acp.PromptRequest{
			SessionId: acp.SessionId(sessionID),
			Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
		})
		return err
	default:
		return fmt.Errorf("dockertransport: no protocol client wired")
	}
}

// Stop stops and removes the container.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	docker := t.docker
	containerID := t.containerID
	claudeClient := t.claudeClient
	codexClient := t.codexClient
	t.mu.Unlock()

	if claudeClient != nil {
		claudeClient.Stop()
	}
	if codexClient != nil {
		codexClient.Stop()
	}
	if docker == nil || containerID == "" {
		return nil
	}

	timeout := t.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	err := docker.stop(ctx, containerID, timeout)

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	_ = docker.Close()
	return err
}

var _ runner.Runner = (*Transport)(nil)
