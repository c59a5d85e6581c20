package worker

import (
	"context"
	"testing"
	"time"

	"github.com/fpang/content-pipeline/internal/config"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/queue"
	"github.com/fpang/content-pipeline/internal/stages"
)

func testConfig() *config.Config {
	return &config.Config{
		Stage:              "process",
		MaxBatchSize:       8,
		Parallelism:        2,
		EmptyPollLimit:     2,
		BackoffBase:        time.Millisecond,
		BackoffCeiling:     time.Millisecond,
		SafetyMargin:       1.5,
		ProcessingEstimate: 30 * time.Second,
		MessageTimeout:     10 * time.Second,
		MaxDeliveries:      3,
		MaxCycleDuration:   time.Minute,
		MaxPolls:           50,
		IdleDelay:          time.Millisecond,
	}
}

func enqueue(t *testing.T, q *queue.MemoryQueue, env *envelope.Envelope) {
	t.Helper()
	body, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Send(context.Background(), body); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceSignalsDownstreamWithCreatedCount(t *testing.T) {
	input := queue.NewMemoryQueue()
	downstream := queue.NewMemoryQueue()

	handler := func(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
		return drain.Outcome{Status: drain.StatusCreated, Fingerprint: "fp"}, nil
	}
	w := newWorker(testConfig(), stages.KindProcess, input, downstream, nil, handler)
	w.loop.SetSleep(func(context.Context, time.Duration) error { return nil })

	enqueue(t, input, &envelope.Envelope{BatchID: "b1", Operation: envelope.OpProcessItem})
	enqueue(t, input, &envelope.Envelope{BatchID: "b1", Operation: envelope.OpProcessItem})

	reason, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if reason != drain.ReasonQueueDrained {
		t.Errorf("reason = %q, want queue_drained", reason)
	}

	msgs, err := downstream.Receive(context.Background(), 10, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("downstream has %d messages, want exactly one signal", len(msgs))
	}
	sig, err := envelope.Parse(msgs[0].Body)
	if err != nil {
		t.Fatalf("parse signal: %v", err)
	}
	if sig.Operation != envelope.OpWorkAvailable {
		t.Errorf("Operation = %q", sig.Operation)
	}
	if sig.BatchID != "b1" {
		t.Errorf("BatchID = %q, want b1", sig.BatchID)
	}
	if !sig.ContentSummary.HasNewWork() || sig.ContentSummary.ArtifactsCreated != 2 {
		t.Errorf("ContentSummary = %+v, want 2 created", sig.ContentSummary)
	}

	snap, ok := w.LastDrain()
	if !ok {
		t.Fatal("LastDrain not recorded")
	}
	if snap.ArtifactsCreated != 2 || snap.Reason != string(drain.ReasonQueueDrained) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRunOnceAllDuplicatesDoesNotSignal(t *testing.T) {
	input := queue.NewMemoryQueue()
	downstream := queue.NewMemoryQueue()

	handler := func(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
		return drain.Outcome{Status: drain.StatusDuplicate, Fingerprint: "fp"}, nil
	}
	w := newWorker(testConfig(), stages.KindProcess, input, downstream, nil, handler)
	w.loop.SetSleep(func(context.Context, time.Duration) error { return nil })

	enqueue(t, input, &envelope.Envelope{BatchID: "b1", Operation: envelope.OpProcessItem})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if depth, _ := downstream.Depth(context.Background()); depth != 0 {
		t.Errorf("downstream depth = %d after duplicate-only cycle, want 0", depth)
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	input := queue.NewMemoryQueue()
	handler := func(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}
	w := newWorker(testConfig(), stages.KindProcess, input, nil, nil, handler)
	w.loop.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Errorf("Run after cancel returned %v, want nil", err)
	}
}
