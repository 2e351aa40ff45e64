// Package translate implements EventTranslator (spec.md §4.5): a pure mapping
// from a per-session sequence of normalized runner events to tracker
// activities, including tool-call enrichment and final-message dedup.
package translate

// Type is the tracker activity kind.
type Type string

const (
	TypeThought     Type = "thought"
	TypeAction      Type = "action"
	TypeResponse    Type = "response"
	TypeError       Type = "error"
	TypeElicitation Type = "elicitation"
)

// Activity is one post to the issue tracker (spec.md glossary).
type Activity struct {
	Type      Type
	Body      string
	Action    string
	Parameter string
	Result    string
	Ephemeral bool

	// ToolUseID correlates an Action activity with the pending tool-result
	// that will later fill in its Result field (internal bookkeeping, not
	// posted).
	ToolUseID string
}

// FinalMessageMarker prevents a runner's final answer from being posted
// twice: once as a plain assistant event, once inside its terminal result.
const FinalMessageMarker = "___LAST_MESSAGE_MARKER___"
