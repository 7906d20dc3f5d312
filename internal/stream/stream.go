package stream

import (
	"context"
	"sync"
	"time"
)

// EventType tags the closed set of dashboard event variants.
type EventType string

const (
	EventSnapshot             EventType = "snapshot"
	EventSessionOpened        EventType = "session_opened"
	EventTokenRotated         EventType = "token_rotated"
	EventAttendanceRegistered EventType = "attendance_registered"
	EventSessionClosed        EventType = "session_closed"
)

// Event is one notification delivered to dashboard subscribers. It never
// carries the raw token value; the projector feed is a separate surface.
type Event struct {
	Type           EventType  `json:"type"`
	SessionID      string     `json:"session_id"`
	State          string     `json:"state,omitempty"`
	Seq            uint64     `json:"seq,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	StudentID      string     `json:"student_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// subscriberBuffer bounds the per-subscriber outgoing queue. A subscriber
// that falls this far behind is disconnected rather than allowed to block
// or skip events.
const subscriberBuffer = 32

type topic struct {
	subs map[int]chan Event
	next int
}

// Hub fans out session events to all subscribers of each session. Topics are
// independent: ordering holds per session, never across sessions. Callers
// must serialize Publish calls for a single session (the attendance manager
// publishes under the session lock, which does exactly that).
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// EnsureTopic creates the per-session subscriber set if it does not exist.
func (h *Hub) EnsureTopic(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[sessionID]; !ok {
		h.topics[sessionID] = &topic{subs: make(map[int]chan Event)}
	}
}

// Subscribe registers a subscriber for one session and returns its event
// channel. Backlog events (the late-joiner snapshot) are queued ahead of
// anything published afterwards. The channel closes when ctx ends, the
// session topic closes, or the subscriber falls too far behind.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, backlog ...Event) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	for _, evt := range backlog {
		if len(ch) < cap(ch) {
			ch <- evt
		}
	}

	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := t.next
	t.next++
	t.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(sessionID, id)
	}()

	return ch
}

// Replay returns a channel that delivers only the given events and then
// closes. Used for subscriptions to sessions that already reached a terminal
// state.
func (h *Hub) Replay(backlog ...Event) <-chan Event {
	ch := make(chan Event, len(backlog))
	for _, evt := range backlog {
		ch <- evt
	}
	close(ch)
	return ch
}

// Publish delivers the event to every current subscriber of the session.
// Delivery is best-effort per subscriber and never blocks the publisher;
// subscribers with a full queue are disconnected.
func (h *Hub) Publish(sessionID string, evt Event) {
	h.mu.RLock()
	t, ok := h.topics[sessionID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var stale []int
	for id, ch := range t.subs {
		select {
		case ch <- evt:
		default:
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.remove(sessionID, id)
	}
}

// CloseTopic disconnects all subscribers of the session and forgets it.
// Publish and Subscribe on a closed topic are no-ops.
func (h *Hub) CloseTopic(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	delete(h.topics, sessionID)
}

// Subscribers reports the current subscriber count for a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[sessionID]; ok {
		return len(t.subs)
	}
	return 0
}

func (h *Hub) remove(sessionID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}
