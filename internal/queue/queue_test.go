package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueuePushPopFIFO(t *testing.T) {
	t.Parallel()

	q := New[int]()
	for i := range 100 {
		if err := q.Push(i); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if q.Len() != 100 {
		t.Fatalf("expected 100 queued, got %d", q.Len())
	}

	ctx := context.Background()
	for i := range 100 {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop %d: %v", i, err)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := New[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Pop returned before Push: %q", v)
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.Push("hello"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case v := <-got:
		if v != "hello" {
			t.Fatalf("expected hello, got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := New[int]()
	_ = q.Push(1)
	q.Close()

	if err := q.Push(2); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on push after close, got %v", err)
	}

	v, err := q.Pop(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("expected queued item to drain, got %d, %v", v, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := New[int]()
	const producers, perProducer = 8, 250

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				_ = q.Push(p*perProducer + i)
			}
		}()
	}

	seen := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < producers*perProducer {
			v, err := q.Pop(context.Background())
			if err != nil {
				return
			}
			seen[v] = true
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain queue")
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d distinct items, got %d", producers*perProducer, len(seen))
	}
}
