package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/appctx"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/constants"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/webhook"
)

// inboundEvent is the wire shape POST /webhooks/linear decodes, a flat
// superset of the five event kinds from spec.md §6's inbound table. No
// signature verification or OAuth here (SPEC_FULL.md §6): a reverse proxy or
// the tracker's own verification is assumed upstream.
type inboundEvent struct {
	Type            string            `json:"type"`
	WorkspaceID     string            `json:"workspaceId"`
	AgentSessionID  string            `json:"agentSessionId"`
	Issue           *inboundIssue     `json:"issue"`
	IssueID         string            `json:"issueId"`
	Labels          []string          `json:"labels"`
	Guidance        string            `json:"guidance"`
	Selection       *inboundSelection `json:"selection"`
	Body            string            `json:"body"`
	SourceCommentID string            `json:"sourceCommentId"`
	Signal          string            `json:"signal"`
	ToState         string            `json:"toState"`
}

type inboundIssue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	BranchName  string   `json:"branchName"`
	Labels      []string `json:"labels"`
	TeamKey     string   `json:"teamKey"`
	ProjectName string   `json:"projectName"`
	ParentID    string   `json:"parentId"`
}

func (i *inboundIssue) toDomain() domain.Issue {
	if i == nil {
		return domain.Issue{}
	}
	return domain.Issue{
		ID:          i.ID,
		Identifier:  i.Identifier,
		Title:       i.Title,
		Description: i.Description,
		URL:         i.URL,
		BranchName:  i.BranchName,
		Labels:      i.Labels,
		TeamKey:     i.TeamKey,
		ProjectName: i.ProjectName,
		ParentID:    i.ParentID,
	}
}

type inboundSelection struct {
	RunnerType      string            `json:"runnerType"`
	Model           string            `json:"model"`
	ResumeSessionID string            `json:"resumeSessionId"`
	Permissions     inboundToolPolicy `json:"permissions"`
	PromptType      string            `json:"promptType"`
}

type inboundToolPolicy struct {
	Mode  string   `json:"mode"`
	Tools []string `json:"tools"`
}

func (s *inboundSelection) toDomain() domain.RunnerSelection {
	if s == nil {
		return domain.RunnerSelection{RunnerType: domain.RunnerClaude}
	}
	runnerType := domain.RunnerType(s.RunnerType)
	if runnerType == "" {
		runnerType = domain.RunnerClaude
	}
	return domain.RunnerSelection{
		RunnerType:      runnerType,
		Model:           s.Model,
		ResumeSessionID: s.ResumeSessionID,
		Permissions:     domain.ToolPolicy{Mode: s.Permissions.Mode, Tools: s.Permissions.Tools},
		PromptType:      s.PromptType,
	}
}

// newWebhookHandler decodes the five-kind event union and calls the matching
// Dispatcher.Handle* method (SPEC_FULL.md §6: "thin decode-and-dispatch").
// notify runs after every successful dispatch, regardless of kind. Dispatch
// runs on a context detached from the request (appctx.DetachedWithValues):
// session-created spawns a runner subprocess, and a tracker client that
// closes its connection early must not abort that launch mid-flight.
// stopCh ties the detached context to server shutdown instead of leaking it.
func newWebhookHandler(dispatcher *webhook.Dispatcher, notify func(), stopCh <-chan struct{}, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev inboundEvent
		if err := json.NewDecoder(c.Request.Body).Decode(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
			return
		}

		ctx, cancel := appctx.DetachedWithValues(c.Request.Context(), stopCh, constants.AgentLaunchTimeout)
		defer cancel()
		var err error

		switch ev.Type {
		case "session-created":
			err = dispatcher.HandleSessionCreated(ctx, webhook.SessionCreated{
				WorkspaceID:    ev.WorkspaceID,
				AgentSessionID: ev.AgentSessionID,
				Issue:          ev.Issue.toDomain(),
				Labels:         ev.Labels,
				Guidance:       ev.Guidance,
				Selection:      ev.Selection.toDomain(),
			})
		case "session-prompted":
			err = dispatcher.HandleSessionPrompted(ctx, webhook.SessionPrompted{
				WorkspaceID:     ev.WorkspaceID,
				AgentSessionID:  ev.AgentSessionID,
				IssueID:         ev.IssueID,
				Body:            ev.Body,
				SourceCommentID: ev.SourceCommentID,
				Signal:          ev.Signal,
			})
		case "issue-assigned":
			err = dispatcher.HandleIssueAssigned(ctx, webhook.IssueAssigned{
				WorkspaceID: ev.WorkspaceID,
				Issue:       ev.Issue.toDomain(),
			})
		case "issue-unassigned":
			err = dispatcher.HandleIssueUnassigned(ctx, webhook.IssueUnassigned{
				WorkspaceID: ev.WorkspaceID,
				IssueID:     ev.IssueID,
			})
		case "issue-status-changed":
			err = dispatcher.HandleIssueStatusChanged(ctx, webhook.IssueStatusChanged{
				WorkspaceID: ev.WorkspaceID,
				IssueID:     ev.IssueID,
				ToState:     ev.ToState,
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
			return
		}

		if err != nil {
			log.Error("webhook dispatch failed", zap.String("type", ev.Type), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
			return
		}

		notify()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}
