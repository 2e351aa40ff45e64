package prompt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/prompt"
)

func TestContinuation_WrapsUserCommentInNewCommentTag(t *testing.T) {
	b := prompt.Continuation(prompt.ContinuationInput{UserComment: "please retry"})

	require.Equal(t, prompt.TypeContinuation, b.Metadata.PromptType)
	require.Contains(t, b.UserPrompt, "<new_comment>please retry</new_comment>")
	require.Equal(t, []string{"user-comment"}, b.Metadata.Components)
}

func TestContinuation_AppendsAttachmentManifestWhenPresent(t *testing.T) {
	b := prompt.Continuation(prompt.ContinuationInput{UserComment: "see attached", AttachmentManifest: "file.png"})

	require.Contains(t, b.UserPrompt, "file.png")
	require.Contains(t, b.Metadata.Components, "attachment-manifest")
}

func TestContinuation_SubroutineTransitionUsesDirectiveWrapper(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := prompt.Continuation(prompt.ContinuationInput{UserComment: "switch roles", IsSubroutineTransition: true, Now: now})

	require.Contains(t, b.UserPrompt, `<subroutine_directive priority="override">`)
	require.Contains(t, b.UserPrompt, "STOP your current work")
	require.Contains(t, b.UserPrompt, "2026-01-01T00:00:00Z")
	require.Contains(t, b.UserPrompt, "switch roles")
}

func TestContinuation_CarriesIsStreamingThrough(t *testing.T) {
	b := prompt.Continuation(prompt.ContinuationInput{UserComment: "x", IsStreaming: true})
	require.True(t, b.Metadata.IsStreaming)
}

func TestNewSession_MentionTriggeredTakesPrecedenceOverRole(t *testing.T) {
	repo := domain.Repository{
		RoleConfig: map[string]domain.RoleConfig{"builder": {Labels: []string{"build"}}},
	}
	issue := domain.Issue{ID: "i1", Identifier: "ENG-1", Title: "t", Labels: []string{"build"}}

	b := prompt.NewSession(prompt.NewSessionInput{Repository: repo, Issue: issue, IsMentionTriggered: true})

	require.Equal(t, prompt.TypeMention, b.Metadata.PromptType)
	require.Empty(t, b.SystemPrompt, "mention-triggered prompts bypass role selection")
}

func TestNewSession_LabelBasedSelectsFirstRoleByConfigOrder(t *testing.T) {
	repo := domain.Repository{
		RoleConfigOrder: []string{"debugger", "builder"},
		RoleConfig: map[string]domain.RoleConfig{
			"debugger": {Labels: []string{"bug"}, PromptPath: "debugger.md"},
			"builder":  {Labels: []string{"bug"}, PromptPath: "builder.md"},
		},
	}
	issue := domain.Issue{ID: "i1", Identifier: "ENG-1", Title: "t", Labels: []string{"bug"}}

	b := prompt.NewSession(prompt.NewSessionInput{Repository: repo, Issue: issue})

	require.Equal(t, prompt.TypeLabelBased, b.Metadata.PromptType)
	require.Contains(t, b.SystemPrompt, "role:debugger")
	require.Contains(t, b.SystemPrompt, "debugger.md")
}

func TestNewSession_LabelBasedPromptCommandRequiresMatchingRole(t *testing.T) {
	repo := domain.Repository{
		RoleConfig: map[string]domain.RoleConfig{"builder": {Labels: []string{"feature"}}},
	}
	issue := domain.Issue{ID: "i1", Labels: []string{"feature"}}

	b := prompt.NewSession(prompt.NewSessionInput{Repository: repo, Issue: issue, IsLabelBasedPromptRequested: true})
	require.Equal(t, prompt.TypeLabelPromptCommand, b.Metadata.PromptType)
}

func TestNewSession_NoMatchingRoleFallsBack(t *testing.T) {
	repo := domain.Repository{RoleConfig: map[string]domain.RoleConfig{"builder": {Labels: []string{"feature"}}}}
	issue := domain.Issue{ID: "i1", Labels: []string{"unrelated"}}

	b := prompt.NewSession(prompt.NewSessionInput{Repository: repo, Issue: issue})
	require.Equal(t, prompt.TypeFallback, b.Metadata.PromptType)
	require.Empty(t, b.SystemPrompt)
}

func TestNewSession_IncludesIssueContextUserCommentAndSubroutinePrompt(t *testing.T) {
	issue := domain.Issue{ID: "i1", Identifier: "ENG-1", Title: "fix bug", Description: "details", URL: "https://example.com/ENG-1"}

	b := prompt.NewSession(prompt.NewSessionInput{
		Issue:            issue,
		UserComment:      "please look at this",
		SubroutinePrompt: "run the debugger procedure",
	})

	require.Contains(t, b.UserPrompt, "ENG-1")
	require.Contains(t, b.UserPrompt, "fix bug")
	require.Contains(t, b.UserPrompt, "details")
	require.Contains(t, b.UserPrompt, "run the debugger procedure")
	require.Contains(t, b.UserPrompt, "please look at this")
	require.Contains(t, b.Metadata.Components, "subroutine-prompt")
	require.Contains(t, b.Metadata.Components, "user-comment")
	require.True(t, b.Metadata.IsNewSession)
}

func TestNewSession_RoleConfigOrderDefaultsWhenUnset(t *testing.T) {
	repo := domain.Repository{
		RoleConfig: map[string]domain.RoleConfig{"orchestrator": {Labels: []string{"coordination"}}},
	}
	issue := domain.Issue{ID: "i1", Labels: []string{"coordination"}}

	b := prompt.NewSession(prompt.NewSessionInput{Repository: repo, Issue: issue})
	require.Contains(t, b.SystemPrompt, "role:orchestrator")
}
