// Package worker is the composition root for one stage worker: it wires the
// AWS clients, the stage handler, the drain loop and the completion signaler,
// and runs drain cycles until shutdown.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/config"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/gen"
	"github.com/fpang/content-pipeline/internal/health"
	"github.com/fpang/content-pipeline/internal/lease"
	"github.com/fpang/content-pipeline/internal/logging"
	"github.com/fpang/content-pipeline/internal/metrics"
	"github.com/fpang/content-pipeline/internal/queue"
	"github.com/fpang/content-pipeline/internal/signal"
	"github.com/fpang/content-pipeline/internal/stages"
)

// defaultGeminiKeyParam is the SSM parameter holding the Gemini API key when
// GEMINI_API_KEY is not set directly.
const defaultGeminiKeyParam = "/content-pipeline/prod/gemini-api-key"

// Worker runs drain cycles for one stage until shutdown.
type Worker struct {
	cfg      *config.Config
	stage    stages.Kind
	loop     *drain.Loop
	signaler *signal.Signaler
	queue    queue.Consumer
	sleep    func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	lastBatchID string
	lastDrain   health.DrainSnapshot
	hasDrained  bool
}

var _ health.StatusSource = (*Worker)(nil)

// New wires a Worker from configuration, building the AWS clients and the
// stage handler.
func New(ctx context.Context, cfg *config.Config) (*Worker, error) {
	initStart := time.Now()

	stage, err := stages.ParseKind(cfg.Stage)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	input := queue.NewSQSQueue(sqsClient, cfg.InputQueueURL)

	var downstream queue.Publisher
	if cfg.OutputQueueURL != "" {
		downstream = queue.NewSQSQueue(sqsClient, cfg.OutputQueueURL)
	}
	var deadLetter queue.Publisher
	if cfg.DeadLetterQueueURL != "" {
		deadLetter = queue.NewSQSQueue(sqsClient, cfg.DeadLetterQueueURL)
	}

	s3Client := s3.NewFromConfig(awsCfg)
	content := artifact.NewS3Store(s3Client, cfg.ArtifactBucket)
	published := artifact.NewS3Store(s3Client, cfg.PublishBucket)

	records := dedup.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DedupTable)
	dd := dedup.New(records)

	var handler drain.Handler
	switch stage {
	case stages.KindCollect:
		handler = stages.NewCollect(content, dd, input).Handler()
	case stages.KindProcess:
		generator, err := buildGenerator(ctx, awsCfg, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		handler = stages.NewProcess(content, dd, generator, input).Handler()
	case stages.KindRender:
		handler = stages.NewRender(content, dd).Handler()
	case stages.KindPublish:
		handler = stages.NewPublish(content, published, dd).Handler()
	}

	w := newWorker(cfg, stage, input, downstream, deadLetter, handler)

	logging.NewStartupLogger(cfg.Stage).
		Queue("input", cfg.InputQueueURL).
		Queue("output", cfg.OutputQueueURL).
		Queue("deadLetter", cfg.DeadLetterQueueURL).
		Bucket("artifacts", cfg.ArtifactBucket).
		Bucket("publish", cfg.PublishBucket).
		Table("dedup", cfg.DedupTable).
		Feature("gemini", stage == stages.KindProcess && os.Getenv("GEMINI_API_KEY") != "").
		Config("maxBatchSize", fmt.Sprintf("%d", cfg.MaxBatchSize)).
		Config("parallelism", fmt.Sprintf("%d", cfg.Parallelism)).
		Config("emptyPollLimit", fmt.Sprintf("%d", cfg.EmptyPollLimit)).
		Config("safetyMargin", fmt.Sprintf("%g", cfg.SafetyMargin)).
		Config("processingEstimate", cfg.ProcessingEstimate.String()).
		InitDuration(time.Since(initStart)).
		Log()

	return w, nil
}

// newWorker assembles the loop and signaler from prebuilt components.
// Split from New so tests can inject in-memory queues and handlers.
func newWorker(cfg *config.Config, stage stages.Kind, input queue.Consumer,
	downstream, deadLetter queue.Publisher, handler drain.Handler) *Worker {

	w := &Worker{
		cfg:      cfg,
		stage:    stage,
		signaler: signal.New(stage.String(), downstream),
		queue:    input,
		sleep:    sleepCtx,
	}

	w.loop = drain.New(drain.Config{
		Stage:            stage.String(),
		Queue:            input,
		DeadLetter:       deadLetter,
		Handler:          w.trackBatch(handler),
		Lease:            lease.New(cfg.SafetyMargin, cfg.ProcessingEstimate),
		Estimate:         cfg.ProcessingEstimate,
		MaxBatchSize:     cfg.MaxBatchSize,
		Parallelism:      cfg.Parallelism,
		EmptyPollLimit:   cfg.EmptyPollLimit,
		Backoff:          drain.LinearBackoff(cfg.BackoffBase, cfg.BackoffCeiling),
		MessageTimeout:   cfg.MessageTimeout,
		MaxDeliveries:    cfg.MaxDeliveries,
		MaxCycleDuration: cfg.MaxCycleDuration,
		MaxPolls:         cfg.MaxPolls,
	})
	return w
}

// trackBatch remembers the batch ID of the last handled message so the
// completion signal can carry it. Interleaved batches within one cycle are
// rare and last-writer-wins is acceptable: the signal's fan-out lists the
// batch prefix, and a missed batch is re-signaled on its next message.
func (w *Worker) trackBatch(inner drain.Handler) drain.Handler {
	return func(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
		if env.BatchID != "" {
			w.mu.Lock()
			w.lastBatchID = env.BatchID
			w.mu.Unlock()
		}
		return inner(ctx, env)
	}
}

// Run executes drain cycles until the context is cancelled, signaling
// downstream after each cycle and idling between drained cycles.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("stage", w.stage.String()).
		Str("inputQueue", w.cfg.InputQueueURL).
		Msg("Stage worker started")

	for {
		reason, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Str("stage", w.stage.String()).Msg("Stage worker shutting down")
				return nil
			}
			return err
		}

		// After a clean drain the queue is empty; wait before the next cycle
		// instead of spinning on empty polls.
		if reason == drain.ReasonQueueDrained {
			if err := w.sleep(ctx, w.cfg.IdleDelay); err != nil {
				return nil
			}
		}
	}
}

// RunOnce executes one drain cycle: run the loop, record the snapshot, emit
// metrics, signal downstream.
func (w *Worker) RunOnce(ctx context.Context) (drain.DoneReason, error) {
	state, reason, err := w.loop.Run(ctx)
	w.record(state, reason)
	w.emitMetrics(state, reason)
	if err != nil {
		return reason, err
	}

	w.mu.Lock()
	batchID := w.lastBatchID
	w.mu.Unlock()
	if batchID == "" {
		batchID = uuid.NewString()
	}

	if err := w.signaler.SignalIfWorkDone(ctx, batchID, state); err != nil {
		// The artifacts are durable; only the notification failed. The next
		// cycle that creates artifacts re-signals, and operators can enqueue
		// a manual signal meanwhile.
		log.Error().Err(err).Str("stage", w.stage.String()).Str("batchId", batchID).Msg("Failed to signal downstream stage")
	}
	return reason, nil
}

// Queue exposes the input queue consumer for the health endpoint's depth hint.
func (w *Worker) Queue() queue.Consumer { return w.queue }

// LastDrain implements health.StatusSource.
func (w *Worker) LastDrain() (health.DrainSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDrain, w.hasDrained
}

func (w *Worker) record(state drain.BatchState, reason drain.DoneReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastDrain = health.DrainSnapshot{
		FinishedAt:        time.Now().UTC(),
		Reason:            string(reason),
		ArtifactsCreated:  state.ArtifactsCreated,
		ArtifactsFailed:   state.ArtifactsFailed,
		DuplicatesSkipped: state.DuplicatesSkipped,
		DurationSeconds:   time.Since(state.SessionStartedAt).Seconds(),
	}
	w.hasDrained = true
}

func (w *Worker) emitMetrics(state drain.BatchState, reason drain.DoneReason) {
	metrics.New(w.stage.String()).
		Dimension("Operation", "drain").
		Metric("MessagesLeased", float64(state.MessagesLeased), metrics.UnitCount).
		Metric("ArtifactsCreated", float64(state.ArtifactsCreated), metrics.UnitCount).
		Metric("ArtifactsFailed", float64(state.ArtifactsFailed), metrics.UnitCount).
		Metric("DuplicatesSkipped", float64(state.DuplicatesSkipped), metrics.UnitCount).
		Metric("DeadLettered", float64(state.DeadLettered), metrics.UnitCount).
		Metric("DrainDurationSeconds", time.Since(state.SessionStartedAt).Seconds(), metrics.UnitSeconds).
		Property("reason", string(reason)).
		Flush()
}

// buildGenerator resolves the content generator for the process stage. The
// API key comes from the environment or SSM Parameter Store; with neither,
// the deterministic template renderer keeps local runs working.
func buildGenerator(ctx context.Context, awsCfg aws.Config, model string) (gen.ContentGenerator, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		paramName := os.Getenv("SSM_GEMINI_KEY_PARAM")
		if paramName == "" {
			paramName = defaultGeminiKeyParam
		}
		ssmClient := ssm.NewFromConfig(awsCfg)
		start := time.Now()
		result, err := ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           &paramName,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			log.Warn().Err(err).Str("param", paramName).Msg("No Gemini API key available, using template generator")
			return gen.TemplateGenerator{}, nil
		}
		apiKey = *result.Parameter.Value
		log.Debug().Str("param", paramName).Dur("elapsed", time.Since(start)).Msg("Gemini API key loaded from SSM")
	}

	generator, err := gen.NewGeminiGenerator(ctx, apiKey, model)
	if err != nil {
		return nil, fmt.Errorf("initialize generator: %w", err)
	}
	return generator, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
