package claudetransport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/claudecode"
)

func rawContent(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTranslateMessage_SystemYieldsSessionEvent(t *testing.T) {
	msg := &claudecode.CLIMessage{Type: claudecode.MessageTypeSystem, SessionID: "sess-1"}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindSession, ev.Kind)
	require.Equal(t, "sess-1", ev.RunnerSessionID)
}

func TestTranslateMessage_SystemWithoutSessionIDYieldsZeroEvent(t *testing.T) {
	ev := TranslateMessage(&claudecode.CLIMessage{Type: claudecode.MessageTypeSystem})
	require.Empty(t, ev.Kind)
}

func TestTranslateMessage_AssistantTextBlock(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Content: rawContent(t, []claudecode.ContentBlock{{Type: "text", Text: "hello"}}),
		},
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindAssistant, ev.Kind)
	require.Equal(t, "hello", ev.Text)
	require.False(t, ev.IsToolUse)
}

func TestTranslateMessage_AssistantPlainStringContent(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Content: rawContent(t, "plain text"),
		},
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindAssistant, ev.Kind)
	require.Equal(t, "plain text", ev.Text)
}

func TestTranslateMessage_AssistantToolUseBlock(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type:            claudecode.MessageTypeAssistant,
		ParentToolUseID: "parent-1",
		Message: &claudecode.AssistantMessage{
			Content: rawContent(t, []claudecode.ContentBlock{
				{Type: "tool_use", ID: "tool-1", Name: "Read", Input: map[string]any{"path": "a.go"}},
			}),
		},
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindAssistant, ev.Kind)
	require.True(t, ev.IsToolUse)
	require.Equal(t, "tool-1", ev.ToolUseID)
	require.Equal(t, "Read", ev.ToolName)
	require.Equal(t, "parent-1", ev.ParentToolUseID)
}

func TestTranslateMessage_AssistantToolResultBlock(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Content: rawContent(t, []claudecode.ContentBlock{
				{Type: "tool_result", ToolUseID: "tool-1", Content: "output", IsError: true},
			}),
		},
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindToolResult, ev.Kind)
	require.Equal(t, "tool-1", ev.ResultToolUseID)
	require.True(t, ev.ResultIsError)
}

func TestTranslateMessage_ResultWithStructuredData(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type:    claudecode.MessageTypeResult,
		Subtype: "success",
		Result:  rawContent(t, claudecode.ResultData{Text: "done"}),
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindTerminal, ev.Kind)
	require.Equal(t, "success", ev.TerminalSubtype)
	require.Equal(t, "done", ev.ResultText)
}

func TestTranslateMessage_ResultErrorStringFallsBackToErrorSubtype(t *testing.T) {
	msg := &claudecode.CLIMessage{
		Type:    claudecode.MessageTypeResult,
		IsError: true,
		Result:  rawContent(t, "boom"),
	}
	ev := TranslateMessage(msg)
	require.Equal(t, runner.KindTerminal, ev.Kind)
	require.Equal(t, "error", ev.TerminalSubtype)
	require.Equal(t, "boom", ev.ResultText)
}

func TestTranslateMessage_UnknownTypeYieldsZeroEvent(t *testing.T) {
	ev := TranslateMessage(&claudecode.CLIMessage{Type: "unknown"})
	require.Empty(t, ev.Kind)
}
