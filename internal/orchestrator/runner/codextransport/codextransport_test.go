package codextransport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/pkg/codex"
)

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTranslateNotification_ThreadStartedYieldsSessionEvent(t *testing.T) {
	params := marshal(t, struct {
		Thread *codex.Thread `json:"thread"`
	}{Thread: &codex.Thread{ID: "thread-1"}})

	ev, ok := TranslateNotification(codex.NotifyThreadStarted, params)
	require.True(t, ok)
	require.Equal(t, runner.KindSession, ev.Kind)
	require.Equal(t, "thread-1", ev.RunnerSessionID)
}

func TestTranslateNotification_ThreadStartedMissingThreadIsDropped(t *testing.T) {
	_, ok := TranslateNotification(codex.NotifyThreadStarted, marshal(t, struct{}{}))
	require.False(t, ok)
}

func TestTranslateNotification_ItemCompletedAgentMessage(t *testing.T) {
	params := marshal(t, codex.ItemCompletedParams{
		Item: &codex.Item{Type: "agentMessage", Content: []codex.ContentPart{{Type: "text", Text: "hi there"}}},
	})
	ev, ok := TranslateNotification(codex.NotifyItemCompleted, params)
	require.True(t, ok)
	require.Equal(t, runner.KindAssistant, ev.Kind)
	require.Equal(t, "hi there", ev.Text)
}

func TestTranslateNotification_ItemCompletedEmptyAgentMessageDropped(t *testing.T) {
	params := marshal(t, codex.ItemCompletedParams{Item: &codex.Item{Type: "agentMessage"}})
	_, ok := TranslateNotification(codex.NotifyItemCompleted, params)
	require.False(t, ok)
}

func TestTranslateNotification_ItemCompletedCommandExecution(t *testing.T) {
	params := marshal(t, codex.ItemCompletedParams{
		Item: &codex.Item{ID: "item-1", Type: "commandExecution", Command: "go test ./..."},
	})
	ev, ok := TranslateNotification(codex.NotifyItemCompleted, params)
	require.True(t, ok)
	require.True(t, ev.IsToolUse)
	require.Equal(t, "Bash", ev.ToolName)
	require.Equal(t, "go test ./...", ev.ToolInput["command"])
}

func TestTranslateNotification_ItemCompletedFileChange(t *testing.T) {
	params := marshal(t, codex.ItemCompletedParams{
		Item: &codex.Item{ID: "item-2", Type: "fileChange", Changes: []codex.FileChange{{Path: "a.go"}, {Path: "b.go"}}},
	})
	ev, ok := TranslateNotification(codex.NotifyItemCompleted, params)
	require.True(t, ok)
	require.Equal(t, "Edit", ev.ToolName)
	require.Equal(t, []string{"a.go", "b.go"}, ev.ToolInput["paths"])
}

func TestTranslateNotification_ItemCompletedUnknownItemTypeDropped(t *testing.T) {
	params := marshal(t, codex.ItemCompletedParams{Item: &codex.Item{Type: "reasoning"}})
	_, ok := TranslateNotification(codex.NotifyItemCompleted, params)
	require.False(t, ok)
}

func TestTranslateNotification_TurnCompletedSuccess(t *testing.T) {
	ev, ok := TranslateNotification(codex.NotifyTurnCompleted, marshal(t, codex.TurnCompletedParams{Success: true}))
	require.True(t, ok)
	require.Equal(t, runner.KindTerminal, ev.Kind)
	require.Equal(t, "success", ev.TerminalSubtype)
}

func TestTranslateNotification_TurnCompletedFailure(t *testing.T) {
	ev, ok := TranslateNotification(codex.NotifyTurnCompleted, marshal(t, codex.TurnCompletedParams{Success: false, Error: "boom"}))
	require.True(t, ok)
	require.Equal(t, "error", ev.TerminalSubtype)
	require.Equal(t, "boom", ev.ResultText)
}

func TestTranslateNotification_ErrorNotification(t *testing.T) {
	ev, ok := TranslateNotification(codex.NotifyError, marshal(t, codex.ErrorParams{Message: "oops"}))
	require.True(t, ok)
	require.Equal(t, runner.KindError, ev.Kind)
	require.Equal(t, "oops", ev.ErrorMessage)
}

func TestTranslateNotification_UnknownMethodDropped(t *testing.T) {
	_, ok := TranslateNotification("thread/diff/updated", marshal(t, struct{}{}))
	require.False(t, ok)
}
