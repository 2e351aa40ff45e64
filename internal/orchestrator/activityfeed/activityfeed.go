// Package activityfeed fans posted tracker activities out over the events
// bus and a WebSocket hub (SPEC_FULL.md §6: "/ws/activity... for a local dev
// dashboard — observability only, not part of the orchestrator's
// authoritative behavior"). Nothing here can block or fail a real post: the
// tracker call already succeeded by the time Publish runs.
package activityfeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/events/bus"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/translate"
	"github.com/ceedaragents/cyrus-edge-worker/internal/tracker"
)

// Subject is the bus subject every posted activity is published on.
const Subject = "activity.posted"

// Posted is the observable shape of one CreateAgentActivity call, serialized
// to dashboard WebSocket clients.
type Posted struct {
	SessionID  string         `json:"sessionId"`
	ActivityID string         `json:"activityId"`
	Type       translate.Type `json:"type"`
	Body       string         `json:"body"`
	Ephemeral  bool           `json:"ephemeral"`
	PostedAt   time.Time      `json:"postedAt"`
	Signal     tracker.Signal `json:"signal,omitempty"`
}

// TrackingService wraps a tracker.Service, publishing a Posted event on the
// bus after every successful CreateAgentActivity call.
type TrackingService struct {
	tracker.Service
	bus bus.EventBus
	log *logger.Logger
}

// Wrap decorates an IssueTrackerService so every post it makes is also fanned
// out for the dashboard feed.
func Wrap(svc tracker.Service, b bus.EventBus, log *logger.Logger) *TrackingService {
	return &TrackingService{Service: svc, bus: b, log: log}
}

// CreateAgentActivity posts through the wrapped service, then publishes on
// success. A publish failure never affects the return value: the tracker
// post is the authoritative outcome.
func (t *TrackingService) CreateAgentActivity(ctx context.Context, sessionID string, act translate.Activity, opts tracker.ActivityOptions) (string, error) {
	activityID, err := t.Service.CreateAgentActivity(ctx, sessionID, act, opts)
	if err != nil {
		return "", err
	}

	data, marshalErr := toEventData(Posted{
		SessionID:  sessionID,
		ActivityID: activityID,
		Type:       act.Type,
		Body:       act.Body,
		Ephemeral:  act.Ephemeral,
		PostedAt:   time.Now(),
		Signal:     opts.Signal,
	})
	if marshalErr != nil {
		t.log.Warn("activityfeed: failed to encode posted activity", zap.Error(marshalErr))
		return activityID, nil
	}

	if pubErr := t.bus.Publish(ctx, Subject, bus.NewEvent(Subject, "activityfeed", data)); pubErr != nil {
		t.log.Warn("activityfeed: publish failed", zap.Error(pubErr))
	}
	return activityID, nil
}

func toEventData(p Posted) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Hub fans out Posted events to every connected dashboard WebSocket client.
// Deliberately simpler than a per-task subscription hub (spec.md carries no
// per-client filtering requirement for this endpoint): every client gets
// every posted activity.
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	log     *logger.Logger
}

// NewHub builds an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{clients: make(map[chan []byte]struct{}), log: log}
}

// Subscribe registers the bus subscription that feeds every hub client; call
// once at startup.
func (h *Hub) Subscribe(b bus.EventBus) error {
	_, err := b.Subscribe(Subject, func(_ context.Context, ev *bus.Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		h.broadcast(data)
		return nil
	})
	return err
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// slow client, drop the message rather than block the feed
		}
	}
}

// Register adds a client channel; the caller drains it until Unregister.
func (h *Hub) Register() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unregister removes and closes a client channel.
func (h *Hub) Unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}
