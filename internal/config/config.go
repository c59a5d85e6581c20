// Package config resolves worker configuration from the environment.
//
// Every stage worker runs from the same binary; the stage name selects the
// handler and the per-stage defaults. Queue URLs, bucket names, and the dedup
// table are injected by the deployment, everything else has a sane default
// that can be overridden per stage.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Stage-specific default processing-time estimates. These are the observed
// p95 per-item durations; the lease calculator multiplies them by the safety
// margin. A stage with no history must not inherit the transport maximum,
// so each stage carries its own conservative default.
// messageTimeoutFraction positions the default per-message timeout under the
// lease (estimate × safety margin) so a hung handler is cut off before the
// lease expires, without per-message lease extensions.
const messageTimeoutFraction = 0.9

var defaultEstimates = map[string]time.Duration{
	"collect": 30 * time.Second,
	"process": 90 * time.Second,
	"render":  45 * time.Second,
	"publish": 30 * time.Second,
}

// Config holds the resolved settings for one stage worker.
type Config struct {
	Stage string

	InputQueueURL      string
	OutputQueueURL     string // empty on the final stage
	DeadLetterQueueURL string

	ArtifactBucket string
	PublishBucket  string // publish target; defaults to ArtifactBucket
	DedupTable     string

	MaxBatchSize int
	Parallelism  int

	// Drain-cycle completion policy.
	EmptyPollLimit int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration

	// Lease sizing.
	SafetyMargin       float64
	ProcessingEstimate time.Duration

	// Per-message and per-cycle caps.
	MessageTimeout   time.Duration
	MaxDeliveries    int
	MaxCycleDuration time.Duration
	MaxPolls         int

	// Delay between drain cycles when the worker stays alive after DONE.
	IdleDelay time.Duration

	HealthPort int

	GeminiModel string
}

// Load resolves a Config for the given stage from environment variables.
func Load(stage string) (*Config, error) {
	cfg := &Config{
		Stage:              stage,
		InputQueueURL:      os.Getenv("PIPELINE_INPUT_QUEUE_URL"),
		OutputQueueURL:     os.Getenv("PIPELINE_OUTPUT_QUEUE_URL"),
		DeadLetterQueueURL: os.Getenv("PIPELINE_DLQ_URL"),
		ArtifactBucket:     os.Getenv("PIPELINE_ARTIFACT_BUCKET"),
		PublishBucket:      os.Getenv("PIPELINE_PUBLISH_BUCKET"),
		DedupTable:         os.Getenv("PIPELINE_DEDUP_TABLE"),
		MaxBatchSize:       envInt("PIPELINE_MAX_BATCH_SIZE", 8),
		Parallelism:        envInt("PIPELINE_PARALLELISM", 4),
		EmptyPollLimit:     envInt("PIPELINE_EMPTY_POLL_LIMIT", 3),
		BackoffBase:        envDuration("PIPELINE_BACKOFF_BASE", 5*time.Second),
		BackoffCeiling:     envDuration("PIPELINE_BACKOFF_CEILING", 30*time.Second),
		SafetyMargin:       envFloat("PIPELINE_SAFETY_MARGIN", 1.5),
		ProcessingEstimate: envDuration("PIPELINE_PROCESSING_ESTIMATE", defaultEstimates[stage]),
		MessageTimeout:     envDuration("PIPELINE_MESSAGE_TIMEOUT", 0),
		MaxDeliveries:      envInt("PIPELINE_MAX_DELIVERIES", 5),
		MaxCycleDuration:   envDuration("PIPELINE_MAX_CYCLE_DURATION", 30*time.Minute),
		MaxPolls:           envInt("PIPELINE_MAX_POLLS", 1000),
		IdleDelay:          envDuration("PIPELINE_IDLE_DELAY", 30*time.Second),
		HealthPort:         envInt("PIPELINE_HEALTH_PORT", 8080),
		GeminiModel:        os.Getenv("GEMINI_MODEL"),
	}

	if cfg.PublishBucket == "" {
		cfg.PublishBucket = cfg.ArtifactBucket
	}
	if cfg.MessageTimeout == 0 {
		// A hung handler must be detected before the lease lapses naturally.
		// The lease is estimate × margin; defaulting the timeout to 90% of
		// that keeps it strictly under the lease, so the drain loop never
		// needs a per-message lease extension to restore the relation.
		cfg.MessageTimeout = time.Duration(float64(cfg.ProcessingEstimate) * cfg.SafetyMargin * messageTimeoutFraction)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if _, ok := defaultEstimates[c.Stage]; !ok {
		return fmt.Errorf("unknown stage %q: must be one of collect, process, render, publish", c.Stage)
	}
	if c.InputQueueURL == "" {
		return fmt.Errorf("PIPELINE_INPUT_QUEUE_URL is required")
	}
	if c.Stage != "publish" && c.OutputQueueURL == "" {
		return fmt.Errorf("PIPELINE_OUTPUT_QUEUE_URL is required for stage %q", c.Stage)
	}
	if c.ArtifactBucket == "" {
		return fmt.Errorf("PIPELINE_ARTIFACT_BUCKET is required")
	}
	if c.DedupTable == "" {
		return fmt.Errorf("PIPELINE_DEDUP_TABLE is required")
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > 10 {
		return fmt.Errorf("PIPELINE_MAX_BATCH_SIZE must be 1-10 (SQS receive limit), got %d", c.MaxBatchSize)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("PIPELINE_PARALLELISM must be >= 1, got %d", c.Parallelism)
	}
	if c.EmptyPollLimit < 1 {
		return fmt.Errorf("PIPELINE_EMPTY_POLL_LIMIT must be >= 1, got %d", c.EmptyPollLimit)
	}
	if c.SafetyMargin < 1.0 || c.SafetyMargin > 2.0 {
		return fmt.Errorf("PIPELINE_SAFETY_MARGIN must be in [1.0, 2.0], got %g", c.SafetyMargin)
	}
	if c.MaxDeliveries < 1 {
		return fmt.Errorf("PIPELINE_MAX_DELIVERIES must be >= 1, got %d", c.MaxDeliveries)
	}
	return nil
}

// --- Env helpers ---

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
