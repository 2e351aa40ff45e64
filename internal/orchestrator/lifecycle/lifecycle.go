// Package lifecycle implements SessionLifecycle (spec.md §4.3): session
// state transitions, the parent↔child session tree, and stop propagation.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/stringutil"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/events"
	"github.com/ceedaragents/cyrus-edge-worker/internal/events/bus"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/orcherr"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/prompt"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
)

// ActivityPoster is the subset of IssueTrackerService the lifecycle calls
// directly (spec.md §6).
type ActivityPoster interface {
	CreateAgentActivity(ctx context.Context, sessionID string, act translate.Activity, opts tracker.ActivityOptions) (activityID string, err error)
}

// ParentLinks tracks the child→parent forest (spec.md §3/§9: two maps, never
// bidirectional pointers — children-of is derived, not stored).
type ParentLinks struct {
	mu            sync.RWMutex
	childToParent map[string]string
	parentToKids  map[string][]string
	resumedOnce   map[string]bool // child session id -> parent already resumed
}

// NewParentLinks builds an empty forest.
func NewParentLinks() *ParentLinks {
	return &ParentLinks{
		childToParent: make(map[string]string),
		parentToKids:  make(map[string][]string),
		resumedOnce:   make(map[string]bool),
	}
}

// Link records that child is delegated work from parent.
func (p *ParentLinks) Link(parentID, childID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childToParent[childID] = parentID
	p.parentToKids[parentID] = append(p.parentToKids[parentID], childID)
}

// ParentOf returns the parent of a child session, if any.
func (p *ParentLinks) ParentOf(childID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parentID, ok := p.childToParent[childID]
	return parentID, ok
}

// Descendants returns every session transitively delegated from root, via
// breadth-first traversal of the parent→children map (spec.md §4.3 step 3).
func (p *ParentLinks) Descendants(root string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range p.parentToKids[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Export returns a copy of the child→parent map for persist.Snapshot
// (spec.md §4.7's ChildToParentLinks).
func (p *ParentLinks) Export() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.childToParent))
	for child, parent := range p.childToParent {
		out[child] = parent
	}
	return out
}

// MarkResumed records that the parent of child has been re-prompted, so a
// later duplicate child-completion event cannot trigger it twice (spec.md
// invariant 8). Returns true if this call is the first to mark it.
func (p *ParentLinks) MarkResumed(childID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resumedOnce[childID] {
		return false
	}
	p.resumedOnce[childID] = true
	return true
}

// PruneOrphans drops child links whose child no longer exists in exists
// (invariant 4: orphaned child links are discarded on restart).
func (p *ParentLinks) PruneOrphans(exists func(sessionID string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for child, parent := range p.childToParent {
		if !exists(child) {
			delete(p.childToParent, child)
			kids := p.parentToKids[parent]
			for i, k := range kids {
				if k == child {
					p.parentToKids[parent] = append(kids[:i], kids[i+1:]...)
					break
				}
			}
		}
	}
}

// Lifecycle composes SessionStore + RunnerSupervisor + PromptAssembler into
// the session state machine.
type Lifecycle struct {
	store      *store.Store
	supervisor *runner.Supervisor
	translator *translate.Translator
	tracker    ActivityPoster
	links      *ParentLinks
	log        *logger.Logger

	// bus publishes session state transitions for observers outside the
	// tracker relationship (the dashboard activity feed, in particular).
	// Nil is valid: a lifecycle under test need not wire one up.
	bus bus.EventBus

	// stopRequested records sessions a stop webhook has targeted, surviving
	// restart per spec.md §4.7's serializable projection.
	mu            sync.Mutex
	stopRequested map[string]bool
}

// New wires the components SessionLifecycle depends on. eventBus may be nil,
// in which case session transitions are simply never published.
func New(st *store.Store, sup *runner.Supervisor, tr *translate.Translator, tracker ActivityPoster, links *ParentLinks, eventBus bus.EventBus, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		store:         st,
		supervisor:    sup,
		translator:    tr,
		tracker:       tracker,
		links:         links,
		bus:           eventBus,
		log:           log,
		stopRequested: make(map[string]bool),
	}
}

// publish fires a session lifecycle event onto the bus, best-effort: a
// publish failure never affects the caller's outcome, since the bus only
// feeds observers (spec.md names no consumer that depends on it).
func (l *Lifecycle) publish(ctx context.Context, eventType, sessionID string) {
	if l.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "lifecycle", map[string]interface{}{"sessionId": sessionID})
	if err := l.bus.Publish(ctx, eventType, ev); err != nil {
		l.log.Warn("lifecycle: event publish failed", zap.String("session_id", sessionID), zap.String("event_type", eventType), zap.Error(err))
	}
}

// CreateSession implements spec.md §4.3's entry into `active`: insert the
// session, post the acknowledgement thought (platform-gated), then
// ensureRunner with the new-session prompt.
func (l *Lifecycle) CreateSession(ctx context.Context, sessionID string, issue domain.Issue, ws domain.Workspace, repo domain.Repository, platform domain.Platform, selection domain.RunnerSelection, bundle prompt.Bundle) error {
	now := time.Now()
	sess := &domain.AgentSession{
		SessionID:    sessionID,
		RepositoryID: repo.ID,
		IssueID:      issue.ID,
		Issue:        issue,
		Workspace:    ws,
		Status:       domain.StatusActive,
		Platform:     platform,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.store.Put(repo.ID, sess)

	if !translate.PlatformGated(platform) {
		l.postThought(ctx, repo.ID, sessionID, "Session started.")
	}

	if err := l.supervisor.EnsureRunner(ctx, sess, selection, bundle.UserPrompt, runner.EnsureOpts{}); err != nil {
		l.store.Update(repo.ID, sessionID, func(s *domain.AgentSession) { s.Status = domain.StatusError })
		l.postErrorSanitized(ctx, repo.ID, sessionID, "failed to start runner", err)
		return orcherr.RunnerSpawn("ensureRunner failed for new session", err)
	}
	l.publish(ctx, events.SessionCreated, sessionID)
	return nil
}

// Continue implements spec.md §4.3's continuation path: ensureRunner with a
// streaming-or-not continuation prompt, subject to invariant 6 (terminal
// sessions never mutate).
func (l *Lifecycle) Continue(ctx context.Context, repoID, sessionID string, selection domain.RunnerSelection, bundle prompt.Bundle) error {
	sess, ok := l.store.Get(repoID, sessionID)
	if !ok {
		return orcherr.SessionMissing("session not found for continuation", nil)
	}
	if sess.Status.Terminal() {
		l.log.Info("ignoring continuation for terminal session", zap.String("session_id", sessionID), zap.String("status", string(sess.Status)))
		return nil
	}

	streaming := l.supervisor.IsRunning(sessionID)
	if err := l.supervisor.EnsureRunner(ctx, sess, selection, bundle.UserPrompt, runner.EnsureOpts{IsStreamingContinuation: streaming}); err != nil {
		return orcherr.RunnerRuntime("ensureRunner failed for continuation", err)
	}
	return nil
}

// HandleRunnerEvent is the RunnerSupervisor's per-session consumer callback:
// translate the event, post any resulting activity, and apply lifecycle
// transitions (session id recording, terminal status, parent-resume).
func (l *Lifecycle) HandleRunnerEvent(ctx context.Context, repoID, sessionID string, ev runner.Event) {
	sess, ok := l.store.Get(repoID, sessionID)
	if !ok {
		return
	}

	if ev.Kind == runner.KindSession && ev.RunnerSessionID != "" && sess.RunnerSessionID == "" {
		l.store.Update(repoID, sessionID, func(s *domain.AgentSession) { s.RunnerSessionID = ev.RunnerSessionID })
	}

	var act *translate.Activity
	if !translate.PlatformGated(sess.Platform) {
		act = l.translator.Translate(sessionID, ev)
	}
	if act != nil {
		l.post(ctx, repoID, sessionID, *act)
	}

	switch {
	case ev.IsTerminalSuccess():
		l.transitionTerminal(ctx, repoID, sessionID, domain.StatusComplete)
		l.resumeParentIfAny(ctx, sessionID, act)
	case ev.IsTerminalFailure():
		l.transitionTerminal(ctx, repoID, sessionID, domain.StatusError)
	}
}

func (l *Lifecycle) transitionTerminal(ctx context.Context, repoID, sessionID string, status domain.SessionStatus) {
	changed := l.store.Update(repoID, sessionID, func(s *domain.AgentSession) {
		if s.Status.Terminal() {
			return // invariant 6: terminal is final
		}
		s.Status = status
	})
	if changed {
		l.translator.Forget(sessionID)
		_ = l.supervisor.Stop(ctx, sessionID)
		if status == domain.StatusComplete {
			l.publish(ctx, events.SessionCompleted, sessionID)
		} else {
			l.publish(ctx, events.SessionErrored, sessionID)
		}
	}
}

// maxParentResumeResultLen bounds the child-result text folded into a
// parent's resume prompt; agent output has no natural upper bound.
const maxParentResumeResultLen = 8000

// resumeParentIfAny implements the parent/child protocol (spec.md §4.3): a
// child's terminal success enqueues exactly one re-prompt of its parent.
func (l *Lifecycle) resumeParentIfAny(ctx context.Context, childSessionID string, finalAct *translate.Activity) {
	parentID, ok := l.links.ParentOf(childSessionID)
	if !ok {
		return
	}
	if !l.links.MarkResumed(childSessionID) {
		return // invariant 8: at most once per child terminal success
	}

	result := ""
	if finalAct != nil {
		result = finalAct.Body
	}
	// bound unbounded child output before it rejoins the parent's prompt.
	result = stringutil.TruncateStringWithEllipsis(result, maxParentResumeResultLen)
	synthesized := fmt.Sprintf("Child agent session, with ID %s completed with result:\n\n%s", childSessionID, result)

	parentSess, parentRepoID, ok := l.store.GetAnyRepo(parentID)
	if !ok {
		l.log.Warn("parent session missing for resume", zap.String("parent_id", parentID), zap.String("child_id", childSessionID))
		return
	}

	bundle := prompt.Continuation(prompt.ContinuationInput{UserComment: synthesized, Now: time.Now()})
	selection, _ := selectionForResume(parentSess)
	if err := l.Continue(ctx, parentRepoID, parentID, selection, bundle); err != nil {
		l.log.Warn("failed to resume parent session", zap.String("parent_id", parentID), zap.Error(err))
	}
}

// selectionForResume rebuilds a RunnerSelection to resume with, using the
// parent's own runner session id so the subprocess continues the same thread.
func selectionForResume(sess *domain.AgentSession) (domain.RunnerSelection, bool) {
	return domain.RunnerSelection{ResumeSessionID: sess.RunnerSessionID}, sess.RunnerSessionID != ""
}

// Stop implements spec.md §4.3's stop transition: mark stopped, stop the
// runner, propagate to every descendant (BFS, each stopped at most once),
// post a single visible response for the initially targeted session only.
func (l *Lifecycle) Stop(ctx context.Context, repoID, sessionID string) error {
	sess, ok := l.store.Get(repoID, sessionID)
	if !ok {
		return orcherr.SessionMissing("session not found for stop", nil)
	}

	l.mu.Lock()
	l.stopRequested[sessionID] = true
	l.mu.Unlock()

	l.stopOne(ctx, repoID, sessionID)
	l.publish(ctx, events.SessionStopped, sessionID)

	for _, descendantID := range l.links.Descendants(sessionID) {
		_, descRepoID, ok := l.store.GetAnyRepo(descendantID)
		if !ok {
			continue
		}
		l.mu.Lock()
		already := l.stopRequested[descendantID]
		l.stopRequested[descendantID] = true
		l.mu.Unlock()
		if !already {
			l.stopOne(ctx, descRepoID, descendantID)
		}
	}

	if !translate.PlatformGated(sess.Platform) {
		l.postThought(ctx, repoID, sessionID, "Session stopped.")
	}
	return nil
}

func (l *Lifecycle) stopOne(ctx context.Context, repoID, sessionID string) {
	l.store.Update(repoID, sessionID, func(s *domain.AgentSession) {
		if s.Status.Terminal() {
			return
		}
		s.Status = domain.StatusStopped
	})
	l.translator.Forget(sessionID)
	if err := l.supervisor.Stop(ctx, sessionID); err != nil {
		l.log.Warn("stop did not complete cleanly", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// StopRequested reports whether a stop has ever been issued for a session,
// surviving restart (spec.md §4.7 projection key stopRequestedSessions).
func (l *Lifecycle) StopRequested(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested[sessionID]
}

// ExportStopRequested returns a copy of the stop-requested set for
// persist.Snapshot's StopRequestedSessions.
func (l *Lifecycle) ExportStopRequested() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.stopRequested))
	for id, v := range l.stopRequested {
		out[id] = v
	}
	return out
}

// RestoreStopRequested seeds the stop-requested set from a persisted
// snapshot on startup.
func (l *Lifecycle) RestoreStopRequested(snap map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, v := range snap {
		l.stopRequested[id] = v
	}
}

// SynthesizeReplacement creates a replacement session for SessionMissing
// recovery (spec.md §7): status=active, no runner attached yet.
func (l *Lifecycle) SynthesizeReplacement(repoID string, issue domain.Issue, ws domain.Workspace, platform domain.Platform) *domain.AgentSession {
	now := time.Now()
	sess := &domain.AgentSession{
		SessionID:    uuid.New().String(),
		RepositoryID: repoID,
		IssueID:      issue.ID,
		Issue:        issue,
		Workspace:    ws,
		Status:       domain.StatusActive,
		Platform:     platform,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.store.Put(repoID, sess)
	return sess
}

func (l *Lifecycle) post(ctx context.Context, repoID, sessionID string, act translate.Activity) {
	if l.tracker == nil {
		return
	}
	activityID, err := l.tracker.CreateAgentActivity(ctx, sessionID, act, tracker.ActivityOptions{Ephemeral: act.Ephemeral})
	if err != nil {
		l.log.Warn("tracker post failed, entry not stored", zap.String("session_id", sessionID), zap.Error(err))
		return // invariant 3: not stored unless posted
	}
	l.store.AppendEntryIfPosted(repoID, sessionID, domain.SessionEntry{
		Type:              entryTypeFor(act.Type),
		Content:           act.Body,
		Metadata:          domain.EntryMetadata{Timestamp: time.Now(), ToolUseID: act.ToolUseID},
		TrackerActivityID: activityID,
	})
}

func entryTypeFor(t translate.Type) domain.EntryType {
	switch t {
	case translate.TypeResponse:
		return domain.EntryAssistant
	case translate.TypeError:
		return domain.EntryResult
	default:
		return domain.EntrySystem
	}
}

// ReportEphemeral implements mcpserver.ProgressReporter: posts an ephemeral
// thought activity for a session, used by the report_subagent_progress tool
// (spec.md §4.9).
func (l *Lifecycle) ReportEphemeral(ctx context.Context, sessionID, body string) error {
	_, repoID, ok := l.store.GetAnyRepo(sessionID)
	if !ok {
		return orcherr.SessionMissing("session not found for progress report", nil)
	}
	l.post(ctx, repoID, sessionID, translate.Activity{Type: translate.TypeThought, Body: body, Ephemeral: true})
	return nil
}

// PostElicitation posts a repository-selection prompt carrying signal=select
// (spec.md §6, outbound collaborator 1), used when the router cannot
// uniquely resolve a candidate repository. It is posted directly to the
// tracker since no session exists yet to own the entry.
func (l *Lifecycle) PostElicitation(ctx context.Context, agentSessionID string, candidates []domain.Repository) {
	if l.tracker == nil {
		return
	}
	opts := tracker.ActivityOptions{Signal: tracker.SignalSelect}
	for _, repo := range candidates {
		opts.Options = append(opts.Options, tracker.SelectOption{Value: repo.ID, Label: repo.DisplayLabel()})
	}
	act := translate.Activity{Type: translate.TypeElicitation, Body: "Multiple repositories match this issue. Which one should handle it?"}
	if _, err := l.tracker.CreateAgentActivity(ctx, agentSessionID, act, opts); err != nil {
		l.log.Warn("failed to post repository elicitation", zap.String("agent_session_id", agentSessionID), zap.Error(err))
	}
}

func (l *Lifecycle) postThought(ctx context.Context, repoID, sessionID, body string) {
	l.post(ctx, repoID, sessionID, translate.Activity{Type: translate.TypeThought, Body: body})
}

func (l *Lifecycle) postErrorSanitized(ctx context.Context, repoID, sessionID, msg string, cause error) {
	full := msg
	if cause != nil {
		full = msg + ": " + cause.Error()
	}
	l.post(ctx, repoID, sessionID, translate.Activity{Type: translate.TypeError, Body: orcherr.Sanitize(full, "")})
}
