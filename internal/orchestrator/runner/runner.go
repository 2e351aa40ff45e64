package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/orcherr"
)

// ErrUnsupportedRunnerType is returned by a Factory when a session's
// RunnerSelection.RunnerType has no corresponding transport (DESIGN.md open
// question 4): ensureRunner surfaces this without starting anything, leaving
// the session's persisted status untouched for router retry.
var ErrUnsupportedRunnerType = errors.New("runner: unsupported runner type")

// Runner is one running (or resumable) agent subprocess, implemented by a
// per-runner-type transport (claudetransport, codextransport, acptransport,
// dockertransport) and, in tests, by faketransport.
type Runner interface {
	Start(ctx context.Context, prompt string, onEvent func(Event)) (runnerSessionID string, err error)
	AddStreamMessage(text string) error
	Stop(ctx context.Context) error
	SupportsStreamingInput() bool
	IsRunning() bool
}

// Factory creates a Runner for a given selection (spec.md §6's RunnerFactory).
// workspace carries the on-disk (or, for workspace.isolation: container, the
// to-be-bind-mounted) directory the runner executes in.
type Factory interface {
	Create(selection domain.RunnerSelection, workspace domain.Workspace) (Runner, error)
}

// EnsureOpts carries the knobs ensureRunner needs beyond the prompt text.
type EnsureOpts struct {
	IsStreamingContinuation bool
}

// handle is the supervisor's bookkeeping for one session's runner.
type handle struct {
	mu            sync.Mutex
	runner        Runner
	sessionID     string
	stopRequested bool
	events        chan Event // single outstanding forwarder, ordering preserved
	done          chan struct{}
}

// Supervisor owns the set of running runner subprocesses keyed by session id
// (spec.md §4.4).
type Supervisor struct {
	factory     Factory
	log         *logger.Logger
	drainWindow time.Duration

	mu      sync.Mutex
	handles map[string]*handle

	// onEvent is invoked once per forwarded Event, serialized per session by
	// the handle's single consumer goroutine (spec.md §5 ordering guarantee).
	onEvent func(sessionID string, ev Event)
}

// New builds a Supervisor. onEvent is the single place RunnerSupervisor hands
// a normalized Event to the rest of the orchestrator (translator + lifecycle).
func New(factory Factory, log *logger.Logger, drainWindow time.Duration, onEvent func(sessionID string, ev Event)) *Supervisor {
	if drainWindow <= 0 {
		drainWindow = 5 * time.Second
	}
	return &Supervisor{
		factory:     factory,
		log:         log,
		drainWindow: drainWindow,
		handles:     make(map[string]*handle),
		onEvent:     onEvent,
	}
}

// IsRunning reports whether a session currently has an attached runner.
func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runner != nil && h.runner.IsRunning()
}

// EnsureRunner implements spec.md §4.4's ensureRunner: append to an existing
// streaming runner, or spawn a new one registering a single event forwarder.
func (s *Supervisor) EnsureRunner(ctx context.Context, sess *domain.AgentSession, selection domain.RunnerSelection, prompt string, opts EnsureOpts) error {
	s.mu.Lock()
	h, exists := s.handles[sess.SessionID]
	s.mu.Unlock()

	if exists {
		h.mu.Lock()
		running := h.runner != nil && h.runner.IsRunning()
		h.mu.Unlock()
		if running && h.runner.SupportsStreamingInput() {
			if err := h.runner.AddStreamMessage(prompt); err != nil {
				return orcherr.RunnerRuntime("failed to append stream message", err)
			}
			return nil
		}
	}

	r, err := s.factory.Create(selection, sess.Workspace)
	if err != nil {
		return orcherr.RunnerSpawn("failed to create runner", err)
	}

	h = &handle{
		runner: r,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[sess.SessionID] = h
	s.mu.Unlock()

	go s.forward(sess.SessionID, h)

	runnerSessionID, err := r.Start(ctx, prompt, func(ev Event) {
		select {
		case h.events <- ev:
		case <-h.done:
		}
	})
	if err != nil {
		s.mu.Lock()
		delete(s.handles, sess.SessionID)
		s.mu.Unlock()
		close(h.done)
		return orcherr.RunnerSpawn("failed to start runner", err)
	}
	_ = runnerSessionID

	return nil
}

// forward is the single consumer goroutine per session (spec.md §5): it
// drains h.events in arrival order, suppressing any error after stop has been
// requested (spec.md §4.4 / StopPending taxonomy).
func (s *Supervisor) forward(sessionID string, h *handle) {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.mu.Lock()
			suppressed := h.stopRequested && ev.Kind == KindError
			h.mu.Unlock()
			if suppressed {
				continue
			}
			if s.onEvent != nil {
				s.onEvent(sessionID, ev)
			}
		case <-h.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev, ok := <-h.events:
					if !ok {
						return
					}
					h.mu.Lock()
					suppressed := h.stopRequested && ev.Kind == KindError
					h.mu.Unlock()
					if !suppressed && s.onEvent != nil {
						s.onEvent(sessionID, ev)
					}
				default:
					return
				}
			}
		}
	}
}

// Stop requests a graceful stop, idempotent, with a bounded drain window
// (spec.md §4.4/§5).
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil // nothing running; stop of a non-running session is a no-op
	}

	h.mu.Lock()
	if h.stopRequested {
		h.mu.Unlock()
		return nil
	}
	h.stopRequested = true
	r := h.runner
	h.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainWindow)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Stop(drainCtx) }()

	var stopErr error
	select {
	case stopErr = <-errCh:
	case <-drainCtx.Done():
		stopErr = fmt.Errorf("runner stop drain window elapsed")
	}

	close(h.done)
	s.mu.Lock()
	delete(s.handles, sessionID)
	s.mu.Unlock()

	if stopErr != nil && s.log != nil {
		s.log.Warn("runner stop did not complete cleanly", zap.String("session_id", sessionID), zap.Error(stopErr))
	}
	return nil
}
