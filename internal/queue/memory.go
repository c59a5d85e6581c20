package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Consumer/Publisher with SQS-like visibility
// semantics. It backs `pipeline run --local` and the coordinator tests; it is
// not durable and never shared across processes.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int
	items  []*memoryItem

	// Now is injectable so tests can control visibility expiry.
	Now func() time.Time
}

type memoryItem struct {
	msg       Message
	visibleAt time.Time
	deleted   bool
}

var (
	_ Consumer  = (*MemoryQueue)(nil)
	_ Publisher = (*MemoryQueue)(nil)
)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{Now: time.Now}
}

func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := strconv.Itoa(q.nextID)
	q.items = append(q.items, &memoryItem{
		msg: Message{
			ID:         id,
			Body:       append([]byte(nil), body...),
			EnqueuedAt: q.Now(),
		},
		visibleAt: q.Now(),
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, visibilitySeconds int32) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	var out []Message
	for _, it := range q.items {
		if len(out) >= max {
			break
		}
		if it.deleted || it.visibleAt.After(now) {
			continue
		}
		it.msg.DequeueCount++
		it.msg.ReceiptHandle = it.msg.ID + "#" + strconv.Itoa(it.msg.DequeueCount)
		it.visibleAt = now.Add(time.Duration(visibilitySeconds) * time.Second)
		out = append(out, it.msg)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it := q.find(msg.ID); it != nil {
		it.deleted = true
	}
	return nil
}

func (q *MemoryQueue) Extend(ctx context.Context, msg Message, seconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it := q.find(msg.ID); it != nil {
		it.visibleAt = q.Now().Add(time.Duration(seconds) * time.Second)
	}
	return nil
}

func (q *MemoryQueue) Abandon(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it := q.find(msg.ID); it != nil {
		it.visibleAt = q.Now()
	}
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	n := 0
	for _, it := range q.items {
		if !it.deleted && !it.visibleAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) find(id string) *memoryItem {
	for _, it := range q.items {
		if it.msg.ID == id {
			return it
		}
	}
	return nil
}
