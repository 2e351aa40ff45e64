// Package runnerfactory implements runner.Factory, choosing and constructing
// the right transport (claudetransport/codextransport/acptransport, or each
// one's dockertransport-wrapped equivalent) for a session's
// domain.RunnerSelection and the workspace.isolation config (SPEC_FULL.md
// §4.4a/§4.4b). It lives outside package runner to avoid an import cycle:
// it depends on every transport package, and the transport packages depend
// on runner for Runner/Event.
package runnerfactory

import (
	"fmt"

	acp "github.com/coder/acp-go-sdk"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/config"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/acptransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/claudetransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/codextransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/dockertransport"
)

// Factory is the composite runner.Factory wired up in cmd/edge-worker.
type Factory struct {
	Runner       config.RunnerConfig
	Docker       config.DockerConfig
	ContainerOn  bool   // cfg.Workspace.Isolation == "container" && Docker.Enabled
	McpServerURL string // empty when the embedded MCP server is disabled
	Log          *logger.Logger
}

// New builds a Factory from the process config. mcpServerURL is the embedded
// progress-reporting MCP server's endpoint (empty string disables it).
func New(cfg *config.Config, mcpServerURL string, log *logger.Logger) *Factory {
	return &Factory{
		Runner:       cfg.Runner,
		Docker:       cfg.Docker,
		ContainerOn:  cfg.Workspace.Isolation == "container" && cfg.Docker.Enabled,
		McpServerURL: mcpServerURL,
		Log:          log,
	}
}

// Create implements runner.Factory.
func (f *Factory) Create(selection domain.RunnerSelection, workspace domain.Workspace) (runner.Runner, error) {
	if f.ContainerOn {
		return f.createContainer(selection, workspace)
	}
	return f.createSubprocess(selection, workspace)
}

func (f *Factory) createSubprocess(selection domain.RunnerSelection, workspace domain.Workspace) (runner.Runner, error) {
	switch selection.RunnerType {
	case domain.RunnerClaude:
		return claudetransport.New(claudetransport.Config{
			Binary:       f.Runner.ClaudeBinary,
			WorkingDir:   workspace.Path,
			InitTimeout:  f.Runner.InitTimeoutDuration(),
			MCPServerURL: f.McpServerURL,
		}, f.Log), nil

	case domain.RunnerCodex:
		return codextransport.New(codextransport.Config{
			Binary:         f.Runner.CodexBinary,
			WorkingDir:     workspace.Path,
			Model:          selection.Model,
			ApprovalPolicy: approvalPolicy(selection.Permissions),
			ResumeThreadID: selection.ResumeSessionID,
		}, f.Log), nil

	case domain.RunnerGemini:
		return acptransport.New(acptransport.Config{
			Binary:          f.Runner.GeminiBinary,
			Args:            []string{"--experimental-acp"},
			WorkingDir:      workspace.Path,
			McpServers:      mcpServers(f.McpServerURL),
			ResumeSessionID: selection.ResumeSessionID,
		}, f.Log), nil

	default:
		return nil, fmt.Errorf("%w: %q", runner.ErrUnsupportedRunnerType, selection.RunnerType)
	}
}

func (f *Factory) createContainer(selection domain.RunnerSelection, workspace domain.Workspace) (runner.Runner, error) {
	const containerWorkDir = "/workspace"

	base := dockertransport.Config{
		Docker:           f.Docker,
		HostWorkspace:    workspace.Path,
		ContainerWorkDir: containerWorkDir,
		StopTimeout:      f.Runner.StopDrainDuration(),
		Labels:           map[string]string{"app": "cyrus-edge-worker"},
		Model:            selection.Model,
		ResumeSessionID:  selection.ResumeSessionID,
	}

	switch selection.RunnerType {
	case domain.RunnerClaude:
		base.Protocol = dockertransport.ProtocolClaude
		base.Image = "cyrus-runner-claude:latest"
		base.Cmd = []string{f.Runner.ClaudeBinary, "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}
		return dockertransport.New(base, f.Log), nil

	case domain.RunnerCodex:
		base.Protocol = dockertransport.ProtocolCodex
		base.Image = "cyrus-runner-codex:latest"
		base.Cmd = []string{f.Runner.CodexBinary, "app-server"}
		base.ApprovalPolicy = approvalPolicy(selection.Permissions)
		return dockertransport.New(base, f.Log), nil

	case domain.RunnerGemini:
		base.Protocol = dockertransport.ProtocolACP
		base.Image = "cyrus-runner-gemini:latest"
		base.Cmd = []string{f.Runner.GeminiBinary, "--acp"}
		return dockertransport.New(base, f.Log), nil

	default:
		return nil, fmt.Errorf("%w: %q", runner.ErrUnsupportedRunnerType, selection.RunnerType)
	}
}

// approvalPolicy maps a ToolPolicy onto Codex's approval-policy vocabulary.
func approvalPolicy(p domain.ToolPolicy) string {
	switch p.Mode {
	case "all":
		return "never" // never ask for approval, every tool already allowed
	case "readOnly":
		return "untrusted"
	default:
		return "on-request"
	}
}

// mcpServers builds the single cyrus-edge-worker MCP server entry ACP agents
// get told about, mirroring claudetransport's --mcp-config wiring.
func mcpServers(url string) []acp.McpServer {
	if url == "" {
		return []acp.McpServer{}
	}
	return []acp.McpServer{{
		Sse: &acp.McpServerSse{
			Name:    "cyrus-edge-worker",
			Url:     url,
			Type:    "sse",
			Headers: []acp.HttpHeader{},
		},
	}}
}

var _ runner.Factory = (*Factory)(nil)
