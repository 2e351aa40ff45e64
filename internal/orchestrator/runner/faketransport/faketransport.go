// Package faketransport is an in-memory runner.Runner double for tests: it
// emits a scripted event sequence instead of driving a real subprocess or
// container, so orchestrator tests can assert on Supervisor/lifecycle
// behavior without a Claude/Codex/Gemini binary present.
package faketransport

import (
	"context"
	"sync"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/runner"
)

// Transport is a scriptable runner.Runner. Events set in Events are delivered
// to onEvent, in order, synchronously within Start; AddStreamMessage appends
// to Sent for assertions.
type Transport struct {
	Events    []runner.Event
	SessionID string
	StartErr  error
	StopErr   error
	Streaming bool

	mu      sync.Mutex
	running bool
	Sent    []string
	Stopped bool
}

// New builds a Transport that will emit events on Start.
func New(sessionID string, events ...runner.Event) *Transport {
	return &Transport{SessionID: sessionID, Events: events}
}

func (t *Transport) Start(ctx context.Context, prompt string, onEvent func(runner.Event)) (string, error) {
	if t.StartErr != nil {
		return "", t.StartErr
	}
	t.mu.Lock()
	t.running = true
	t.Sent = append(t.Sent, prompt)
	t.mu.Unlock()

	for _, ev := range t.Events {
		onEvent(ev)
	}
	return t.SessionID, nil
}

func (t *Transport) AddStreamMessage(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sent = append(t.Sent, text)
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.running = false
	t.Stopped = true
	t.mu.Unlock()
	return t.StopErr
}

func (t *Transport) SupportsStreamingInput() bool { return t.Streaming }

func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

var _ runner.Runner = (*Transport)(nil)

// Factory hands out a fixed Transport per domain.RunnerType, or builds one
// from Build when set, so a test can assert on the selection/workspace a
// Supervisor passed through.
type Factory struct {
	Transports map[domain.RunnerType]*Transport
	Build      func(selection domain.RunnerSelection, workspace domain.Workspace) (runner.Runner, error)
	CreateErr  error

	mu    sync.Mutex
	calls []domain.RunnerSelection
}

func (f *Factory) Create(selection domain.RunnerSelection, workspace domain.Workspace) (runner.Runner, error) {
	f.mu.Lock()
	f.calls = append(f.calls, selection)
	f.mu.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if f.Build != nil {
		return f.Build(selection, workspace)
	}
	if t, ok := f.Transports[selection.RunnerType]; ok {
		return t, nil
	}
	return New(""), nil
}

// Calls returns every selection passed to Create, in order.
func (f *Factory) Calls() []domain.RunnerSelection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RunnerSelection(nil), f.calls...)
}

var _ runner.Factory = (*Factory)(nil)
