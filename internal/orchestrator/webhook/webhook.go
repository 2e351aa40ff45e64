// Package webhook dispatches the five inbound event kinds (spec.md §6) to
// the RepositoryRouter and SessionLifecycle.
package webhook

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/lifecycle"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/prompt"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/router"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
	"github.com/ceedaragents/cyrus-edge-worker/internal/workspace"
)

// SessionCreated is the session-created event payload (spec.md §6).
type SessionCreated struct {
	WorkspaceID    string
	AgentSessionID string
	Issue          domain.Issue
	Labels         []string
	Guidance       string
	Selection      domain.RunnerSelection
}

// SessionPrompted is the session-prompted event payload.
type SessionPrompted struct {
	WorkspaceID     string
	AgentSessionID  string
	IssueID         string
	Body            string
	SourceCommentID string
	Signal          string // "stop" or ""
}

// IssueAssigned is the issue-assigned event payload.
type IssueAssigned struct {
	WorkspaceID string
	Issue       domain.Issue
}

// IssueUnassigned is the issue-unassigned event payload.
type IssueUnassigned struct {
	WorkspaceID string
	IssueID     string
}

// IssueStatusChanged is the issue-status-changed event payload.
type IssueStatusChanged struct {
	WorkspaceID string
	IssueID     string
	ToState     string
}

const terminalStateCompleted = "completed"

// orchestratorRoleLabel marks an issue whose parent should receive a
// re-evaluation comment when a child issue reaches a terminal state
// (spec.md §6, issue-status-changed effect).
const orchestratorRoleLabel = "orchestrator"

// Dispatcher wires inbound events into Router + Lifecycle (spec.md §6).
type Dispatcher struct {
	store      *store.Store
	router     *router.Router
	lifecycle  *lifecycle.Lifecycle
	tracker    tracker.Service
	workspaces workspace.Provider
	log        *logger.Logger
}

// New builds a Dispatcher.
func New(st *store.Store, rt *router.Router, lc *lifecycle.Lifecycle, trk tracker.Service, ws workspace.Provider, log *logger.Logger) *Dispatcher {
	return &Dispatcher{store: st, router: rt, lifecycle: lc, tracker: trk, workspaces: ws, log: log}
}

// HandleSessionCreated: "Route → create session → ensureRunner with
// new-session prompt."
func (d *Dispatcher) HandleSessionCreated(ctx context.Context, ev SessionCreated) error {
	issue := ev.Issue
	issue.Labels = mergeLabels(issue.Labels, ev.Labels)

	decision, err := d.router.Route(ev.AgentSessionID, issue)
	if err != nil {
		return fmt.Errorf("route session-created: %w", err)
	}
	if decision.NeedsSelection {
		d.lifecycle.PostElicitation(ctx, ev.AgentSessionID, routerCandidates(d.router, decision.PendingID))
		return nil
	}

	repo := *decision.Repository
	ws, err := d.workspaces.CreateWorkspace(ctx, repo, issue)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	bundle := prompt.NewSession(prompt.NewSessionInput{
		Repository: repo,
		Issue:      issue,
	})
	if ev.Guidance != "" {
		bundle.UserPrompt = bundle.UserPrompt + "\n\n" + ev.Guidance
	}

	return d.lifecycle.CreateSession(ctx, ev.AgentSessionID, issue, ws, repo, domain.PlatformTracker, ev.Selection, bundle)
}

// HandleSessionPrompted: "If signal==stop → stop-propagation; else →
// ensureRunner as continuation."
func (d *Dispatcher) HandleSessionPrompted(ctx context.Context, ev SessionPrompted) error {
	sess, repoID, ok := d.store.GetAnyRepo(ev.AgentSessionID)
	if !ok {
		if _, resolved := d.router.Resolve(ev.AgentSessionID, ev.IssueID, ev.Body); resolved {
			issue, err := d.tracker.FetchIssue(ctx, ev.IssueID)
			if err != nil {
				return fmt.Errorf("fetch issue for resolved selection: %w", err)
			}
			return d.HandleSessionCreated(ctx, SessionCreated{
				WorkspaceID:    ev.WorkspaceID,
				AgentSessionID: ev.AgentSessionID,
				Issue:          issue,
				Selection:      domain.RunnerSelection{RunnerType: domain.RunnerClaude},
			})
		}
		return fmt.Errorf("session-prompted for unknown session %s: %w", ev.AgentSessionID, errSessionMissing)
	}

	if ev.Signal == "stop" {
		return d.lifecycle.Stop(ctx, repoID, ev.AgentSessionID)
	}

	bundle := prompt.Continuation(prompt.ContinuationInput{UserComment: ev.Body, Now: time.Now()})
	selection := domain.RunnerSelection{ResumeSessionID: sess.RunnerSessionID}
	return d.lifecycle.Continue(ctx, repoID, ev.AgentSessionID, selection, bundle)
}

// HandleIssueAssigned: "Equivalent to a prompted with synthetic body carrying
// the assignment notification."
func (d *Dispatcher) HandleIssueAssigned(ctx context.Context, ev IssueAssigned) error {
	sessionID, ok := d.activeSessionForIssue(ev.Issue.ID)
	if !ok {
		return d.HandleSessionCreated(ctx, SessionCreated{
			WorkspaceID:    ev.WorkspaceID,
			AgentSessionID: syntheticSessionID(ev.Issue.ID),
			Issue:          ev.Issue,
			Selection:      domain.RunnerSelection{RunnerType: domain.RunnerClaude},
		})
	}

	body := fmt.Sprintf("You have been assigned issue %s: %s", ev.Issue.Identifier, ev.Issue.Title)
	return d.HandleSessionPrompted(ctx, SessionPrompted{
		WorkspaceID:    ev.WorkspaceID,
		AgentSessionID: sessionID,
		IssueID:        ev.Issue.ID,
		Body:           body,
	})
}

// HandleIssueUnassigned: "Stop all active sessions in all managers matching
// issueId; no feedback posted."
func (d *Dispatcher) HandleIssueUnassigned(ctx context.Context, ev IssueUnassigned) error {
	for _, sess := range d.store.ListAllActiveByIssue(ev.IssueID) {
		if err := d.lifecycle.Stop(ctx, sess.RepositoryID, sess.SessionID); err != nil {
			d.log.Warn("failed to stop session on unassign", zap.String("session_id", sess.SessionID), zap.Error(err))
		}
	}
	return nil
}

// HandleIssueStatusChanged: "When toState is terminal (completed), if a
// parent issue exists and the parent issue carries the orchestrator role
// label, post a re-evaluation comment to the parent issue."
func (d *Dispatcher) HandleIssueStatusChanged(ctx context.Context, ev IssueStatusChanged) error {
	if ev.ToState != terminalStateCompleted {
		return nil
	}

	issue, err := d.tracker.FetchIssue(ctx, ev.IssueID)
	if err != nil {
		return fmt.Errorf("fetch issue for status change: %w", err)
	}
	if issue.ParentID == "" {
		return nil
	}

	parent, err := d.tracker.FetchIssue(ctx, issue.ParentID)
	if err != nil {
		return fmt.Errorf("fetch parent issue: %w", err)
	}
	if !hasLabel(parent.Labels, orchestratorRoleLabel) {
		return nil
	}

	sessionID, ok := d.activeSessionForIssue(parent.ID)
	if !ok {
		return nil
	}
	body := fmt.Sprintf("Child issue %s reached status %q. Please re-evaluate.", issue.Identifier, ev.ToState)
	return d.HandleSessionPrompted(ctx, SessionPrompted{WorkspaceID: ev.WorkspaceID, AgentSessionID: sessionID, IssueID: parent.ID, Body: body})
}

func (d *Dispatcher) activeSessionForIssue(issueID string) (string, bool) {
	for _, sess := range d.store.ListAllActiveByIssue(issueID) {
		return sess.SessionID, true
	}
	return "", false
}

func mergeLabels(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, l := range append(append([]string{}, a...), b...) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}

func routerCandidates(r *router.Router, agentSessionID string) []domain.Repository {
	sel, ok := r.Pending(agentSessionID)
	if !ok {
		return nil
	}
	return sel.Candidates
}

func syntheticSessionID(issueID string) string {
	return "issue-assigned:" + issueID
}

type sessionMissingError struct{}

func (sessionMissingError) Error() string { return "session not found" }

var errSessionMissing error = sessionMissingError{}
