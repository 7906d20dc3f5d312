package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOutPreservesOrder(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := h.Subscribe(ctx, "s-1")
	b := h.Subscribe(ctx, "s-1")

	for seq := uint64(1); seq <= 5; seq++ {
		h.Publish("s-1", Event{Type: EventTokenRotated, SessionID: "s-1", Seq: seq})
	}

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		for want := uint64(1); want <= 5; want++ {
			evt := <-ch
			if evt.Seq != want {
				t.Fatalf("subscriber %s: got seq %d, want %d", name, evt.Seq, want)
			}
		}
	}
}

func TestSubscribeDeliversBacklogFirst(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := Event{Type: EventSnapshot, SessionID: "s-1", Seq: 7, State: "open"}
	ch := h.Subscribe(ctx, "s-1", snap)
	h.Publish("s-1", Event{Type: EventTokenRotated, SessionID: "s-1", Seq: 8})

	first := <-ch
	if first.Type != EventSnapshot || first.Seq != 7 {
		t.Fatalf("expected snapshot first, got %+v", first)
	}
	second := <-ch
	if second.Type != EventTokenRotated || second.Seq != 8 {
		t.Fatalf("expected rotation after snapshot, got %+v", second)
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := h.Subscribe(ctx, "s-1")
	// Never drained: overflow the bounded queue plus one.
	for i := 0; i <= subscriberBuffer; i++ {
		h.Publish("s-1", Event{Type: EventTokenRotated, SessionID: "s-1", Seq: uint64(i)})
	}

	if got := h.Subscribers("s-1"); got != 0 {
		t.Fatalf("expected slow subscriber to be dropped, still %d registered", got)
	}

	// Channel must be closed after draining the buffered events.
	for range slow {
	}
}

func TestCloseTopicClosesSubscribers(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.Subscribe(ctx, "s-1")
	h.Publish("s-1", Event{Type: EventSessionClosed, SessionID: "s-1"})
	h.CloseTopic("s-1")

	evt, ok := <-ch
	if !ok || evt.Type != EventSessionClosed {
		t.Fatalf("expected final closed event, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after topic close")
	}

	// Publishing after close is a no-op.
	h.Publish("s-1", Event{Type: EventTokenRotated, SessionID: "s-1"})
}

func TestSubscribeUnknownTopicClosesImmediately(t *testing.T) {
	h := New()
	ch := h.Subscribe(context.Background(), "missing")
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel for unknown topic")
	}
}

func TestContextCancelRemovesSubscriber(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "s-1")
	cancel()

	deadline := time.After(time.Second)
	for h.Subscribers("s-1") != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber not removed after context cancellation")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for range ch {
	}
}

func TestReplayDeliversAndCloses(t *testing.T) {
	h := New()
	ch := h.Replay(Event{Type: EventSnapshot, State: "closed"})

	evt, ok := <-ch
	if !ok || evt.State != "closed" {
		t.Fatalf("expected snapshot, got %+v ok=%v", evt, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to close after backlog")
	}
}

func TestOrderingIsPerSessionOnly(t *testing.T) {
	h := New()
	h.EnsureTopic("s-1")
	h.EnsureTopic("s-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	one := h.Subscribe(ctx, "s-1")
	two := h.Subscribe(ctx, "s-2")

	h.Publish("s-1", Event{Type: EventSessionOpened, SessionID: "s-1"})
	h.Publish("s-2", Event{Type: EventSessionOpened, SessionID: "s-2"})

	if evt := <-one; evt.SessionID != "s-1" {
		t.Fatalf("cross-session delivery: %+v", evt)
	}
	if evt := <-two; evt.SessionID != "s-2" {
		t.Fatalf("cross-session delivery: %+v", evt)
	}
}
