package translate

import (
	"strings"
	"sync"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
)

// pendingAction is a buffered Action activity awaiting its paired tool-result
// before it is emitted (spec.md §4.5: the result is filled in on the same
// activity, not posted standalone).
type pendingAction struct {
	ToolName  string
	FilePath  string
	Action    string
	Parameter string
}

// sessionState is the translator's per-session memory: which tool-use id is
// the active Task, pending actions awaiting a result, whether the model-name
// thought has already been posted, and the marker-stripped text stashed in
// case the terminal result arrives with no body.
type sessionState struct {
	mu               sync.Mutex
	seenInit         bool
	activeTaskToolID string
	pending          map[string]pendingAction
	lastMarkedText   string
}

// Translator holds per-session state for the pure event→activity mapping.
// Each session gets its own state so concurrent sessions never interleave.
type Translator struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New builds an empty Translator.
func New() *Translator {
	return &Translator{sessions: make(map[string]*sessionState)}
}

func (t *Translator) state(sessionID string) *sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		st = &sessionState{pending: make(map[string]pendingAction)}
		t.sessions[sessionID] = st
	}
	return st
}

// Forget discards a session's translator state, called when the session
// reaches a terminal status.
func (t *Translator) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Translate maps one runner event for a session to zero or one Activity.
// The platform gate (spec.md §4.5) is applied by the caller: non-tracker
// platforms never call Translate, since their terminal text is surfaced
// through the webhook intake layer's own channel instead.
func (t *Translator) Translate(sessionID string, ev runner.Event) *Activity {
	st := t.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch ev.Kind {
	case runner.KindInit:
		if st.seenInit || ev.Model == "" {
			return nil
		}
		st.seenInit = true
		return &Activity{Type: TypeThought, Body: "Using model: " + ev.Model}

	case runner.KindAssistant:
		if ev.IsToolUse {
			return t.translateToolUse(st, ev)
		}
		return t.translateAssistantText(st, ev)

	case runner.KindToolResult:
		return t.translateToolResult(st, ev)

	case runner.KindStatus:
		if ev.Status == runner.StatusCompacting {
			return &Activity{Type: TypeThought, Body: "Compacting conversation history…", Ephemeral: true}
		}
		return &Activity{Type: TypeThought, Body: "Conversation history compacted"}

	case runner.KindTerminal:
		return t.translateTerminal(st, ev)

	case runner.KindError:
		return &Activity{Type: TypeThought, Body: "❌ " + ev.ErrorMessage}

	default:
		return nil
	}
}

func (t *Translator) translateAssistantText(st *sessionState, ev runner.Event) *Activity {
	if strings.Contains(ev.Text, FinalMessageMarker) {
		st.lastMarkedText = strings.ReplaceAll(ev.Text, FinalMessageMarker, "")
		return nil
	}
	return &Activity{Type: TypeThought, Body: ev.Text}
}

func (t *Translator) translateToolUse(st *sessionState, ev runner.Event) *Activity {
	if ev.ToolName == "TodoWrite" {
		todos, _ := ev.ToolInput["todos"].([]map[string]any)
		return &Activity{Type: TypeThought, Body: renderTodos(todos)}
	}

	if ev.ToolName == "Task" {
		st.activeTaskToolID = ev.ToolUseID
		_, param := formatAction(ev.ToolName, ev.ToolInput)
		st.pending[ev.ToolUseID] = pendingAction{ToolName: ev.ToolName}
		return &Activity{Type: TypeAction, Action: "Task", Parameter: param, ToolUseID: ev.ToolUseID}
	}

	action, param := formatAction(ev.ToolName, ev.ToolInput)
	if st.activeTaskToolID != "" && ev.ParentToolUseID == st.activeTaskToolID {
		action = "↪ " + action
	}

	filePath, _ := ev.ToolInput["file_path"].(string)
	st.pending[ev.ToolUseID] = pendingAction{ToolName: ev.ToolName, FilePath: filePath, Action: action, Parameter: param}

	// The activity is emitted once, with its result filled in, when the
	// matching tool-result arrives; nothing is posted standalone here.
	return nil
}

func (t *Translator) translateToolResult(st *sessionState, ev runner.Event) *Activity {
	if ev.ResultToolUseID == st.activeTaskToolID && st.activeTaskToolID != "" {
		st.activeTaskToolID = ""
		delete(st.pending, ev.ResultToolUseID)
		return &Activity{Type: TypeThought, Body: taskCompletedBody(ev.ResultContent)}
	}

	pend, ok := st.pending[ev.ResultToolUseID]
	if !ok {
		return nil
	}
	delete(st.pending, ev.ResultToolUseID)

	return &Activity{
		Type:      TypeAction,
		ToolUseID: ev.ResultToolUseID,
		Action:    pend.Action,
		Parameter: pend.Parameter,
		Result:    formatToolResult(pend.ToolName, pend.FilePath, ev.ResultContent),
	}
}

func (t *Translator) translateTerminal(st *sessionState, ev runner.Event) *Activity {
	if ev.IsTerminalSuccess() {
		body := strings.ReplaceAll(ev.ResultText, FinalMessageMarker, "")
		if body == "" {
			body = st.lastMarkedText
		}
		return &Activity{Type: TypeResponse, Body: body}
	}

	msg := ev.ErrorMessage
	if msg == "" {
		msg = ev.ResultText
	}
	return &Activity{Type: TypeError, Body: msg}
}

// PlatformGated reports whether activities for this platform are posted to
// the tracker at all (spec.md §4.5's platform gate).
func PlatformGated(platform domain.Platform) bool {
	return platform != domain.PlatformTracker
}
