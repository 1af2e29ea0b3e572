package events

import (
	"testing"
	"time"
)

func TestHubRingBufferKeepsNewest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := range 5 {
		h.Publish("item.started", map[string]int{"n": i})
	}

	got := h.SnapshotSince(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(got))
	}
	if got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("expected ids 3..5, got %d..%d", got[0].ID, got[2].ID)
	}
	if string(got[2].Data) != `{"n":4}` {
		t.Fatalf("unexpected payload %s", got[2].Data)
	}

	since := h.SnapshotSince(4)
	if len(since) != 1 || since[0].ID != 5 {
		t.Fatalf("expected only event 5, got %+v", since)
	}
	if h.LastID() != 5 {
		t.Fatalf("expected LastID 5, got %d", h.LastID())
	}
}

func TestHubSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish("worker.stopped", nil)
	select {
	case ev := <-ch:
		if ev.Type != "worker.stopped" || string(ev.Data) != "{}" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}

	// Publishing with no subscribers must not block.
	h.Publish("item.completed", nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range subscriberBuffer * 2 {
			h.Publish("item.started", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
