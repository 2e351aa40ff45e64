// Package prompt implements PromptAssembler (spec.md §4.6): a pure builder
// that produces the text sent to a runner on first turn vs continuation vs
// streaming, plus observational metadata about how it was assembled.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
)

// Type is one of the five prompt shapes; observational only.
type Type string

const (
	TypeMention            Type = "mention"
	TypeLabelPromptCommand Type = "label-based-prompt-command"
	TypeLabelBased         Type = "label-based"
	TypeFallback           Type = "fallback"
	TypeContinuation       Type = "continuation"
)

// Metadata records how a Bundle was assembled.
type Metadata struct {
	Components   []string
	PromptType   Type
	IsNewSession bool
	IsStreaming  bool
}

// Bundle is the text actually sent to a runner, plus its assembly metadata.
type Bundle struct {
	SystemPrompt string
	UserPrompt   string
	Metadata     Metadata
}

// ContinuationInput is the subset of state needed to assemble a continuation
// (streaming or not) prompt.
type ContinuationInput struct {
	UserComment            string
	AttachmentManifest     string
	IsStreaming            bool
	IsSubroutineTransition bool
	Now                    time.Time
}

// Continuation implements spec.md §4.6's "streaming continuation" and
// "non-streaming continuation" rules, which are identical except for the
// subroutine-transition wrapper variant.
func Continuation(in ContinuationInput) Bundle {
	components := []string{"user-comment"}
	body := in.UserComment
	if in.AttachmentManifest != "" {
		body = body + "\n\n" + in.AttachmentManifest
		components = append(components, "attachment-manifest")
	}

	if in.IsSubroutineTransition {
		body = wrapSubroutineDirective(body, in.Now)
	} else {
		body = wrapNewComment(body)
	}

	return Bundle{
		UserPrompt: body,
		Metadata: Metadata{
			Components:  components,
			PromptType:  TypeContinuation,
			IsStreaming: in.IsStreaming,
		},
	}
}

func wrapNewComment(body string) string {
	return fmt.Sprintf("<new_comment>%s</new_comment>", body)
}

func wrapSubroutineDirective(body string, now time.Time) string {
	return fmt.Sprintf(
		`<subroutine_directive priority="override"><instruction>STOP your current work. This is a mandatory subroutine transition.</instruction><timestamp>%s</timestamp><content>%s</content></subroutine_directive>`,
		now.UTC().Format(time.RFC3339), body,
	)
}

// NewSessionInput is the subset of state needed to assemble a new-session prompt.
type NewSessionInput struct {
	Repository                  domain.Repository
	Issue                       domain.Issue
	UserComment                 string
	IsMentionTriggered          bool
	IsLabelBasedPromptRequested bool
	SubroutinePrompt            string // loaded from the current procedure, if any
}

// roleOrderDefault is the precedence used when a repository does not declare
// its own RoleConfigOrder (DESIGN.md open question 1 picks config order;
// this is the fallback config order when none is configured).
var roleOrderDefault = []string{"debugger", "builder", "scoper", "orchestrator"}

// selectRole returns the first role (by config order) whose label set
// intersects the issue's labels.
func selectRole(repo domain.Repository, labels []string) (string, domain.RoleConfig, bool) {
	order := repo.RoleConfigOrder
	if len(order) == 0 {
		order = roleOrderDefault
	}

	labelSet := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		labelSet[l] = struct{}{}
	}

	for _, role := range order {
		cfg, ok := repo.RoleConfig[role]
		if !ok {
			continue
		}
		for _, roleLabel := range cfg.Labels {
			if _, hit := labelSet[roleLabel]; hit {
				return role, cfg, true
			}
		}
	}
	return "", domain.RoleConfig{}, false
}

// NewSession implements spec.md §4.6's "new session" rule.
func NewSession(in NewSessionInput) Bundle {
	role, roleCfg, hasRole := selectRole(in.Repository, in.Issue.Labels)

	var components []string
	var promptType Type
	var contextBlock string

	switch {
	case in.IsMentionTriggered:
		promptType = TypeMention
		components = append(components, "mention")
		contextBlock = issueContextBlock(in.Issue)
	case in.IsLabelBasedPromptRequested && hasRole:
		promptType = TypeLabelPromptCommand
		components = append(components, "label-based-prompt-command")
		contextBlock = issueContextBlock(in.Issue)
	case hasRole:
		promptType = TypeLabelBased
		components = append(components, "label-based")
		contextBlock = issueContextBlock(in.Issue)
	default:
		promptType = TypeFallback
		components = append(components, "fallback")
		contextBlock = issueContextBlock(in.Issue)
	}

	var systemPrompt string
	if hasRole {
		systemPrompt = fmt.Sprintf("role:%s promptPath:%s", role, roleCfg.PromptPath)
	}

	var parts []string
	parts = append(parts, contextBlock)
	if in.SubroutinePrompt != "" {
		parts = append(parts, in.SubroutinePrompt)
		components = append(components, "subroutine-prompt")
	}
	if in.UserComment != "" {
		parts = append(parts, in.UserComment)
		components = append(components, "user-comment")
	}

	return Bundle{
		SystemPrompt: systemPrompt,
		UserPrompt:   strings.Join(parts, "\n\n"),
		Metadata: Metadata{
			Components:   components,
			PromptType:   promptType,
			IsNewSession: true,
		},
	}
}

func issueContextBlock(issue domain.Issue) string {
	return fmt.Sprintf("<issue id=%q identifier=%q url=%q>\n%s\n\n%s\n</issue>",
		issue.ID, issue.Identifier, issue.URL, issue.Title, issue.Description)
}
