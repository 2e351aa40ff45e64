package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/events/bus"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/lifecycle"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/prompt"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner/faketransport"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/store"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker/fake"
)

const repoID = "repo-1"

type harness struct {
	store   *store.Store
	lc      *lifecycle.Lifecycle
	links   *lifecycle.ParentLinks
	tracker *fake.Tracker
	factory *faketransport.Factory
}

func newHarness(t *testing.T, eventBus bus.EventBus) *harness {
	t.Helper()

	st := store.New()
	tr := translate.New()
	trk := fake.New()
	links := lifecycle.NewParentLinks()
	factory := &faketransport.Factory{Transports: map[domain.RunnerType]*faketransport.Transport{}}

	var lc *lifecycle.Lifecycle
	sup := runner.New(factory, nil, time.Second, func(sessionID string, ev runner.Event) {
		if lc == nil {
			return
		}
		_, rid, ok := st.GetAnyRepo(sessionID)
		if !ok {
			return
		}
		lc.HandleRunnerEvent(context.Background(), rid, sessionID, ev)
	})
	lc = lifecycle.New(st, sup, tr, trk, links, eventBus, nil)

	return &harness{store: st, lc: lc, links: links, tracker: trk, factory: factory}
}

func (h *harness) createSession(t *testing.T, sessionID string, events ...runner.Event) {
	t.Helper()
	h.factory.Transports[domain.RunnerClaude] = faketransport.New("rs-"+sessionID, events...)
	issue := domain.Issue{ID: "iss-" + sessionID, Identifier: "ENG-1", Title: "fix"}
	repo := domain.Repository{ID: repoID, Name: repoID}
	err := h.lc.CreateSession(context.Background(), sessionID, issue, domain.Workspace{}, repo, domain.PlatformTracker, domain.RunnerSelection{RunnerType: domain.RunnerClaude}, prompt.Bundle{UserPrompt: "go"})
	require.NoError(t, err)
}

func TestCreateSession_TerminalSuccessTransitionsToComplete(t *testing.T) {
	h := newHarness(t, nil)
	h.createSession(t, "s1", runner.Event{Kind: runner.KindTerminal, TerminalSubtype: "success", ResultText: "done"})

	require.Eventually(t, func() bool {
		sess, ok := h.store.Get(repoID, "s1")
		return ok && sess.Status == domain.StatusComplete
	}, time.Second, time.Millisecond)
}

func TestHandleRunnerEvent_TerminalFailureTransitionsToError(t *testing.T) {
	// S7: a terminal event whose subtype is not "success" moves the session
	// to the error status, a final state it never leaves.
	h := newHarness(t, nil)
	h.createSession(t, "s1", runner.Event{Kind: runner.KindTerminal, TerminalSubtype: "error_max_turns", ErrorMessage: "ran out of turns"})

	require.Eventually(t, func() bool {
		sess, ok := h.store.Get(repoID, "s1")
		return ok && sess.Status == domain.StatusError
	}, time.Second, time.Millisecond)

	// invariant 6: once terminal, status never moves again.
	h.lc.HandleRunnerEvent(context.Background(), repoID, "s1", runner.Event{Kind: runner.KindTerminal, TerminalSubtype: "success"})
	time.Sleep(10 * time.Millisecond)
	sess, _ := h.store.Get(repoID, "s1")
	require.Equal(t, domain.StatusError, sess.Status, "terminal status must not change once set")
}

func TestStop_PropagatesToDescendantsViaBFS(t *testing.T) {
	// S5: stopping a parent stops every transitively delegated descendant,
	// each exactly once.
	h := newHarness(t, nil)
	h.createSession(t, "parent")
	h.createSession(t, "child")
	h.createSession(t, "grandchild")
	h.links.Link("parent", "child")
	h.links.Link("child", "grandchild")

	require.NoError(t, h.lc.Stop(context.Background(), repoID, "parent"))

	for _, id := range []string{"parent", "child", "grandchild"} {
		sess, ok := h.store.Get(repoID, id)
		require.True(t, ok)
		require.Equal(t, domain.StatusStopped, sess.Status, "session %s should be stopped", id)
	}
}

func TestStop_IsIdempotentAndStopRequestedSurvivesAcrossCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.createSession(t, "s1")

	require.False(t, h.lc.StopRequested("s1"))
	require.NoError(t, h.lc.Stop(context.Background(), repoID, "s1"))
	require.True(t, h.lc.StopRequested("s1"))

	// a second stop is a no-op, not an error.
	require.NoError(t, h.lc.Stop(context.Background(), repoID, "s1"))
}

func TestStop_UnknownSessionIsError(t *testing.T) {
	h := newHarness(t, nil)
	err := h.lc.Stop(context.Background(), repoID, "missing")
	require.Error(t, err)
}

func TestResumeParentIfAny_ResumesAtMostOnce(t *testing.T) {
	// S8: a child's terminal success triggers exactly one re-prompt of its
	// parent, even if the runner event were somehow delivered twice.
	h := newHarness(t, nil)
	h.createSession(t, "parent")
	h.createSession(t, "child")
	h.links.Link("parent", "child")

	h.lc.HandleRunnerEvent(context.Background(), repoID, "child", runner.Event{Kind: runner.KindTerminal, TerminalSubtype: "success", ResultText: "child result"})

	sentBefore := h.factory.Transports[domain.RunnerClaude].Sent
	require.NotEmpty(t, sentBefore)

	// a duplicate terminal-success delivery for the same child must not
	// enqueue a second parent resume.
	h.lc.HandleRunnerEvent(context.Background(), repoID, "child", runner.Event{Kind: runner.KindTerminal, TerminalSubtype: "success", ResultText: "child result"})
	require.Len(t, h.factory.Transports[domain.RunnerClaude].Sent, len(sentBefore))
}

func TestPublish_BestEffortWhenBusConfigured(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)
	received := make(chan *bus.Event, 8)
	_, subErr := b.Subscribe("session.created", func(ctx context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, subErr)

	h := newHarness(t, b)
	h.createSession(t, "s1")

	select {
	case ev := <-received:
		require.Equal(t, "session.created", ev.Type)
		require.Equal(t, "s1", ev.Data["sessionId"])
	case <-time.After(time.Second):
		t.Fatal("expected session.created event on the bus")
	}
}
