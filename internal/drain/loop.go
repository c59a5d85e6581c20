// Package drain implements the batch drain loop: the control loop each stage
// worker runs to lease its inbound queue in batches, dispatch work, and
// decide when the batch is truly finished.
//
// The loop is a three-state machine. DRAINING leases and processes batches.
// An empty poll moves to WAITING rather than finishing immediately: upstream
// stages emit gradually, not atomically, and exiting on the first empty poll
// strands late-arriving messages until some external signal notices them —
// a multi-minute stall. WAITING polls again after an increasing backoff; a
// non-empty poll returns to DRAINING, and a configured run of consecutive
// empty polls reaches DONE. Hard caps on wall clock and poll count bound the
// cycle in pathological cases.
package drain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/lease"
	"github.com/fpang/content-pipeline/internal/queue"
)

// State of the drain cycle.
type State int

const (
	Draining State = iota
	Waiting
	Done
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Waiting:
		return "waiting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// DoneReason records why the cycle reached DONE.
type DoneReason string

const (
	ReasonQueueDrained DoneReason = "queue_drained"
	ReasonCycleTimeout DoneReason = "cycle_timeout"
	ReasonPollCap      DoneReason = "poll_cap"
	ReasonShutdown     DoneReason = "shutdown"
)

// Status classifies the handling of one work item.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome is the result of handling one work item.
type Outcome struct {
	Status      Status
	Fingerprint string
	ArtifactRef string
}

// Handler processes one decoded work item. A returned error abandons the
// message for redelivery; a nil error acknowledges it whatever the Status.
type Handler func(ctx context.Context, env *envelope.Envelope) (Outcome, error)

// BatchState holds the per-cycle counters. It is owned exclusively by the
// loop that created it and discarded when the cycle ends.
type BatchState struct {
	MessagesLeased        int
	ArtifactsCreated      int
	ArtifactsFailed       int
	DuplicatesSkipped     int
	DeadLettered          int
	ConsecutiveEmptyPolls int
	SessionStartedAt      time.Time
}

// BackoffFunc returns the wait before empty-poll attempt n (1-based).
// Injectable so tests simulate time without real delays.
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff grows the wait by base per attempt, capped at ceiling:
// with a 5s base that is 5s, 10s, 15s, ...
func LinearBackoff(base, ceiling time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := time.Duration(attempt) * base
		if d > ceiling {
			d = ceiling
		}
		return d
	}
}

// SleepFunc blocks for d or until ctx is cancelled. Injectable for tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cleanupTimeout bounds queue acknowledgement calls made with a detached
// context, so deletes and abandons complete even during shutdown.
const cleanupTimeout = 5 * time.Second

// receiveErrorDelay is the pause after a transient receive failure.
const receiveErrorDelay = 5 * time.Second

// Config wires one drain loop.
type Config struct {
	Stage      string
	Queue      queue.Consumer
	DeadLetter queue.Publisher // optional; nil drops poison after logging
	Handler    Handler

	Lease    lease.Calculator
	Estimate time.Duration

	MaxBatchSize int
	Parallelism  int

	EmptyPollLimit int
	Backoff        BackoffFunc

	MessageTimeout   time.Duration
	MaxDeliveries    int
	MaxCycleDuration time.Duration
	MaxPolls         int
}

// Loop runs drain cycles for one stage worker.
type Loop struct {
	cfg   Config
	sleep SleepFunc
	now   func() time.Time

	mu sync.Mutex
	bs BatchState
}

// New builds a Loop from the config, applying defaults for optional knobs.
func New(cfg Config) *Loop {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.EmptyPollLimit < 1 {
		cfg.EmptyPollLimit = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = LinearBackoff(5*time.Second, 30*time.Second)
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 5
	}
	return &Loop{cfg: cfg, sleep: defaultSleep, now: time.Now}
}

// SetSleep replaces the backoff sleep. Test hook.
func (l *Loop) SetSleep(s SleepFunc) { l.sleep = s }

// SetNow replaces the clock. Test hook.
func (l *Loop) SetNow(now func() time.Time) { l.now = now }

// Run executes one complete drain cycle and returns the final BatchState
// with the reason the cycle ended. The returned error is non-nil only for
// shutdown (context cancellation); per-message failures are counted, not
// propagated, so one bad item never kills the cycle.
func (l *Loop) Run(ctx context.Context) (BatchState, DoneReason, error) {
	l.mu.Lock()
	l.bs = BatchState{SessionStartedAt: l.now()}
	l.mu.Unlock()

	leaseSeconds := l.cfg.Lease.Seconds(l.cfg.Estimate)
	deadline := l.now().Add(l.cfg.MaxCycleDuration)
	state := Draining
	polls := 0

	log.Info().
		Str("stage", l.cfg.Stage).
		Int32("leaseSeconds", leaseSeconds).
		Int("maxBatchSize", l.cfg.MaxBatchSize).
		Msg("Drain cycle started")

	for {
		if err := ctx.Err(); err != nil {
			return l.finish(ReasonShutdown), ReasonShutdown, err
		}
		if l.cfg.MaxCycleDuration > 0 && l.now().After(deadline) {
			return l.finish(ReasonCycleTimeout), ReasonCycleTimeout, nil
		}
		if l.cfg.MaxPolls > 0 && polls >= l.cfg.MaxPolls {
			return l.finish(ReasonPollCap), ReasonPollCap, nil
		}
		polls++

		msgs, err := l.cfg.Queue.Receive(ctx, l.cfg.MaxBatchSize, leaseSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ReasonShutdown), ReasonShutdown, ctx.Err()
			}
			// Transient infrastructure failure: wait and re-poll. The hard
			// caps bound how long a persistent outage keeps the cycle alive.
			log.Error().Err(err).Str("stage", l.cfg.Stage).Msg("Queue receive failed, backing off")
			if serr := l.sleep(ctx, receiveErrorDelay); serr != nil {
				return l.finish(ReasonShutdown), ReasonShutdown, serr
			}
			continue
		}

		if len(msgs) == 0 {
			l.mu.Lock()
			l.bs.ConsecutiveEmptyPolls++
			emptyPolls := l.bs.ConsecutiveEmptyPolls
			l.mu.Unlock()

			if emptyPolls >= l.cfg.EmptyPollLimit {
				return l.finish(ReasonQueueDrained), ReasonQueueDrained, nil
			}

			state = Waiting
			wait := l.cfg.Backoff(emptyPolls)
			log.Debug().
				Str("stage", l.cfg.Stage).
				Int("emptyPolls", emptyPolls).
				Dur("backoff", wait).
				Msg("Queue empty, waiting for stragglers")
			if serr := l.sleep(ctx, wait); serr != nil {
				return l.finish(ReasonShutdown), ReasonShutdown, serr
			}
			continue
		}

		if state == Waiting {
			log.Debug().Str("stage", l.cfg.Stage).Int("messages", len(msgs)).Msg("Stragglers arrived, resuming drain")
		}
		state = Draining
		l.mu.Lock()
		l.bs.ConsecutiveEmptyPolls = 0
		l.bs.MessagesLeased += len(msgs)
		l.mu.Unlock()

		l.processBatch(ctx, msgs, leaseSeconds)
	}
}

// processBatch dispatches leased messages with bounded concurrency. Every
// message is fully settled (deleted, abandoned, or dead-lettered) before
// this returns.
func (l *Loop) processBatch(ctx context.Context, msgs []queue.Message, leaseSeconds int32) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Parallelism)

	for _, msg := range msgs {
		g.Go(func() error {
			l.processMessage(gctx, msg, leaseSeconds)
			return nil
		})
	}
	g.Wait()
}

func (l *Loop) processMessage(ctx context.Context, msg queue.Message, leaseSeconds int32) {
	env, err := envelope.Parse(msg.Body)
	if err != nil {
		// Poison: malformed payloads can never succeed, so retrying them
		// forever just burns redeliveries. Log, dead-letter, delete.
		log.Warn().
			Err(err).
			Str("stage", l.cfg.Stage).
			Str("messageId", msg.ID).
			Int("dequeueCount", msg.DequeueCount).
			Msg("Poison message, moving to dead-letter")
		l.deadLetter(msg)
		return
	}

	// Shutdown must abandon the lease cleanly instead of letting it lapse,
	// so the message becomes visible to another instance immediately.
	if ctx.Err() != nil {
		l.abandon(msg)
		return
	}

	// The per-message timeout is deliberately shorter than the lease so a
	// hung handler is abandoned before the lease expires on its own. If a
	// misconfiguration inverts that, extend the lease to keep it true.
	timeout := l.cfg.MessageTimeout
	if timeout <= 0 {
		timeout = time.Duration(leaseSeconds) * time.Second
	}
	if timeout >= time.Duration(leaseSeconds)*time.Second {
		if err := l.cfg.Queue.Extend(ctx, msg, int32(timeout.Seconds())+30); err != nil {
			log.Warn().Err(err).Str("messageId", msg.ID).Msg("Lease extension failed")
		}
	}

	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := l.cfg.Handler(mctx, env)
	if err != nil {
		l.mu.Lock()
		l.bs.ArtifactsFailed++
		l.mu.Unlock()

		if msg.DequeueCount >= l.cfg.MaxDeliveries {
			log.Error().
				Err(err).
				Str("stage", l.cfg.Stage).
				Str("messageId", msg.ID).
				Str("batchId", env.BatchID).
				Int("dequeueCount", msg.DequeueCount).
				Msg("Handler failed and retry budget exhausted, dead-lettering")
			l.deadLetter(msg)
			return
		}

		log.Warn().
			Err(err).
			Str("stage", l.cfg.Stage).
			Str("messageId", msg.ID).
			Str("batchId", env.BatchID).
			Int("dequeueCount", msg.DequeueCount).
			Msg("Handler failed, abandoning for retry")
		l.abandon(msg)
		return
	}

	// Success, duplicate, and skip all acknowledge the message: the work is
	// settled either way. Only StatusCreated counts toward the completion
	// signal. The handler persisted any artifact before returning, so the
	// delete-after-persist ordering holds here.
	l.mu.Lock()
	switch outcome.Status {
	case StatusCreated:
		l.bs.ArtifactsCreated++
	case StatusDuplicate:
		l.bs.DuplicatesSkipped++
	}
	l.mu.Unlock()

	l.delete(msg)

	log.Debug().
		Str("stage", l.cfg.Stage).
		Str("messageId", msg.ID).
		Str("batchId", env.BatchID).
		Str("status", string(outcome.Status)).
		Str("fingerprint", outcome.Fingerprint).
		Msg("Message settled")
}

// delete acknowledges with a detached context so shutdown cannot strand an
// already-persisted item in the queue.
func (l *Loop) delete(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.cfg.Queue.Delete(ctx, msg); err != nil {
		// The artifact is durable and the dedup record exists, so the
		// redelivery this causes will settle as a duplicate.
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to delete settled message")
	}
}

func (l *Loop) abandon(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.cfg.Queue.Abandon(ctx, msg); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to abandon message, lease will lapse naturally")
	}
}

func (l *Loop) deadLetter(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if l.cfg.DeadLetter != nil {
		if err := l.cfg.DeadLetter.Send(ctx, msg.Body); err != nil {
			// Keep the message in the main queue rather than lose it.
			log.Error().Err(err).Str("messageId", msg.ID).Msg("Dead-letter publish failed, abandoning instead")
			l.abandon(msg)
			return
		}
	}

	l.mu.Lock()
	l.bs.DeadLettered++
	l.mu.Unlock()

	if err := l.cfg.Queue.Delete(ctx, msg); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to delete dead-lettered message")
	}
}

func (l *Loop) finish(reason DoneReason) BatchState {
	l.mu.Lock()
	bs := l.bs
	l.mu.Unlock()

	log.Info().
		Str("stage", l.cfg.Stage).
		Str("reason", string(reason)).
		Int("messagesLeased", bs.MessagesLeased).
		Int("artifactsCreated", bs.ArtifactsCreated).
		Int("artifactsFailed", bs.ArtifactsFailed).
		Int("duplicatesSkipped", bs.DuplicatesSkipped).
		Int("deadLettered", bs.DeadLettered).
		Dur("duration", l.now().Sub(bs.SessionStartedAt)).
		Msg("Drain cycle finished")
	return bs
}
