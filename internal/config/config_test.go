package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("PIPELINE_INPUT_QUEUE_URL", "https://sqs.us-west-2.amazonaws.com/123/collect-in")
	t.Setenv("PIPELINE_OUTPUT_QUEUE_URL", "https://sqs.us-west-2.amazonaws.com/123/process-in")
	t.Setenv("PIPELINE_ARTIFACT_BUCKET", "pipeline-artifacts")
	t.Setenv("PIPELINE_DEDUP_TABLE", "pipeline-dedup")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("collect")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxBatchSize != 8 {
		t.Errorf("expected default batch size 8, got %d", cfg.MaxBatchSize)
	}
	if cfg.EmptyPollLimit != 3 {
		t.Errorf("expected default empty poll limit 3, got %d", cfg.EmptyPollLimit)
	}
	if cfg.BackoffBase != 5*time.Second {
		t.Errorf("expected default backoff base 5s, got %v", cfg.BackoffBase)
	}
	if cfg.ProcessingEstimate != 30*time.Second {
		t.Errorf("expected collect estimate 30s, got %v", cfg.ProcessingEstimate)
	}
	if cfg.PublishBucket != "pipeline-artifacts" {
		t.Errorf("expected publish bucket to default to artifact bucket, got %q", cfg.PublishBucket)
	}
}

func TestLoad_MessageTimeoutDerivedFromEstimate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_SAFETY_MARGIN", "2.0")

	cfg, err := Load("process")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := 162 * time.Second // 90s estimate x 2.0 margin x 0.9
	if cfg.MessageTimeout != want {
		t.Errorf("expected derived message timeout %v, got %v", want, cfg.MessageTimeout)
	}

	// The derived timeout must sit strictly under the lease, otherwise the
	// drain loop extends the lease on every message.
	lease := time.Duration(float64(cfg.ProcessingEstimate) * cfg.SafetyMargin)
	if cfg.MessageTimeout >= lease {
		t.Errorf("derived timeout %v is not below lease %v", cfg.MessageTimeout, lease)
	}
}

func TestLoad_UnknownStage(t *testing.T) {
	setRequiredEnv(t)

	if _, err := Load("triage"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestLoad_PublishStageNeedsNoOutputQueue(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_OUTPUT_QUEUE_URL", "")

	if _, err := Load("publish"); err != nil {
		t.Errorf("publish stage should not require an output queue: %v", err)
	}
	if _, err := Load("render"); err == nil {
		t.Error("render stage should require an output queue")
	}
}

func TestValidate_Bounds(t *testing.T) {
	setRequiredEnv(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"batch size too large", "PIPELINE_MAX_BATCH_SIZE", "11"},
		{"batch size zero", "PIPELINE_MAX_BATCH_SIZE", "0"},
		{"margin below one", "PIPELINE_SAFETY_MARGIN", "0.5"},
		{"margin above two", "PIPELINE_SAFETY_MARGIN", "2.5"},
		{"zero deliveries", "PIPELINE_MAX_DELIVERIES", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load("collect"); err == nil {
				t.Errorf("expected validation error with %s=%s", tt.key, tt.value)
			}
		})
	}
}
