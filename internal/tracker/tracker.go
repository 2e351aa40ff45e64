// Package tracker defines IssueTrackerService (spec.md §6): the outbound
// collaborator the orchestrator posts activities through and fetches issue
// and label data from.
package tracker

import (
	"context"
	"time"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
)

// Signal annotates an activity post with an out-of-band control meaning, used
// for routing elicitations (spec.md §6 outbound collaborator 1).
type Signal string

const (
	SignalNone   Signal = ""
	SignalSelect Signal = "select"
)

// SelectOption is one candidate in a "select" elicitation.
type SelectOption struct {
	Value string
	Label string
}

// ActivityOptions carries the rarely-set extras of createAgentActivity.
type ActivityOptions struct {
	Ephemeral bool
	Signal    Signal
	Options   []SelectOption
}

// Service is IssueTrackerService: the orchestrator never imports a tracker
// SDK directly, only this interface, so `internal/tracker/linear` and
// `internal/tracker/fake` are interchangeable behind it.
type Service interface {
	CreateAgentActivity(ctx context.Context, sessionID string, act translate.Activity, opts ActivityOptions) (activityID string, err error)
	FetchIssue(ctx context.Context, issueID string) (domain.Issue, error)
	FetchLabels(ctx context.Context, workspaceID string) ([]string, error)
}

// CallTimeout bounds every outbound tracker call (spec.md §5: "Tracker calls
// have per-call timeouts; failures are logged and do not abort the session").
const CallTimeout = 10 * time.Second
