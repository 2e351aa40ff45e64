// Package events defines the session lifecycle event types published onto
// the event bus (internal/events/bus) by SessionLifecycle.
package events

// Event types for agent session state transitions (spec.md §4.3). These are
// the subjects Lifecycle.publish uses; the only current consumer is the
// dashboard activity feed, but the bus accepts any number of subscribers.
const (
	SessionCreated   = "session.created"
	SessionCompleted = "session.completed"
	SessionErrored   = "session.errored"
	SessionStopped   = "session.stopped"
)
