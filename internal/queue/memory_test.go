package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueue_VisibilityLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	q := NewMemoryQueue()
	q.Now = func() time.Time { return now }

	if err := q.Send(ctx, []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send(ctx, []byte("b")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 30)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].DequeueCount != 1 {
		t.Errorf("expected dequeue count 1, got %d", msgs[0].DequeueCount)
	}

	// Both leased: queue observed empty.
	again, _ := q.Receive(ctx, 10, 30)
	if len(again) != 0 {
		t.Fatalf("expected empty receive while leased, got %d", len(again))
	}

	// Delete one, abandon the other.
	if err := q.Delete(ctx, msgs[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := q.Abandon(ctx, msgs[1]); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	redelivered, _ := q.Receive(ctx, 10, 30)
	if len(redelivered) != 1 {
		t.Fatalf("expected 1 redelivered message, got %d", len(redelivered))
	}
	if string(redelivered[0].Body) != "b" {
		t.Errorf("expected redelivery of 'b', got %q", redelivered[0].Body)
	}
	if redelivered[0].DequeueCount != 2 {
		t.Errorf("expected dequeue count 2 after redelivery, got %d", redelivered[0].DequeueCount)
	}
}

func TestMemoryQueue_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	q := NewMemoryQueue()
	q.Now = func() time.Time { return now }

	q.Send(ctx, []byte("a"))
	msgs, _ := q.Receive(ctx, 1, 30)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	now = now.Add(29 * time.Second)
	if m, _ := q.Receive(ctx, 1, 30); len(m) != 0 {
		t.Fatal("message visible before lease expiry")
	}

	now = now.Add(2 * time.Second)
	m, _ := q.Receive(ctx, 1, 30)
	if len(m) != 1 {
		t.Fatal("message not redelivered after lease expiry")
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected depth 0 while leased, got %d", depth)
	}
}
