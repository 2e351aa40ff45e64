// Package fake implements tracker.Service in memory, for tests that exercise
// the orchestrator without a live Linear workspace.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
)

// Posted is one recorded CreateAgentActivity call.
type Posted struct {
	SessionID string
	Activity  translate.Activity
	Options   tracker.ActivityOptions
}

// Tracker is an in-memory tracker.Service: activities are recorded in
// arrival order, issues and labels are seeded by the test.
type Tracker struct {
	mu sync.Mutex

	Posts []Posted

	Issues map[string]domain.Issue
	Labels map[string][]string

	// FailNextPost, when true, makes the next CreateAgentActivity call return
	// an error without recording the post (exercises spec.md invariant 3: an
	// entry is never stored unless it was actually posted).
	FailNextPost bool
}

// New builds an empty fake tracker.
func New() *Tracker {
	return &Tracker{
		Issues: make(map[string]domain.Issue),
		Labels: make(map[string][]string),
	}
}

// CreateAgentActivity records the activity and returns a generated id.
func (t *Tracker) CreateAgentActivity(_ context.Context, sessionID string, act translate.Activity, opts tracker.ActivityOptions) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailNextPost {
		t.FailNextPost = false
		return "", errPostFailed
	}

	t.Posts = append(t.Posts, Posted{SessionID: sessionID, Activity: act, Options: opts})
	return uuid.New().String(), nil
}

// FetchIssue returns a seeded issue, or a synthetic empty one if unseeded.
func (t *Tracker) FetchIssue(_ context.Context, issueID string) (domain.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if issue, ok := t.Issues[issueID]; ok {
		return issue, nil
	}
	return domain.Issue{ID: issueID}, nil
}

// FetchLabels returns the seeded label set for a workspace.
func (t *Tracker) FetchLabels(_ context.Context, workspaceID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Labels[workspaceID], nil
}

// PostsFor returns every activity posted to a session, in order.
func (t *Tracker) PostsFor(sessionID string) []Posted {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Posted
	for _, p := range t.Posts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

type postFailedError struct{}

func (postFailedError) Error() string { return "fake tracker: simulated post failure" }

var errPostFailed error = postFailedError{}

var _ tracker.Service = (*Tracker)(nil)
