package envelope

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	body := []byte(`{
		"batch_id": "batch-42",
		"operation": "process_item",
		"payload": {"source_key": "raw/feed-1.json"},
		"trigger": "manual",
		"timestamp": "2026-08-20T10:00:00Z"
	}`)

	env, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.BatchID != "batch-42" {
		t.Errorf("expected batch-42, got %q", env.BatchID)
	}
	if env.Operation != OpProcessItem {
		t.Errorf("expected operation process_item, got %q", env.Operation)
	}
	if env.Trigger != TriggerManual {
		t.Errorf("expected manual trigger, got %q", env.Trigger)
	}
}

func TestParse_MissingOperation(t *testing.T) {
	body := []byte(`{"batch_id": "batch-42", "trigger": "manual"}`)

	_, err := Parse(body)
	if !errors.Is(err, ErrMissingOperation) {
		t.Errorf("expected ErrMissingOperation, got %v", err)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestParse_UnknownTrigger(t *testing.T) {
	body := []byte(`{"operation": "process_item", "trigger": "cron"}`)
	if _, err := Parse(body); err == nil {
		t.Error("expected error for unknown trigger")
	}
}

func TestContentSummary_HasNewWork(t *testing.T) {
	tests := []struct {
		name    string
		summary *ContentSummary
		want    bool
	}{
		{"nil summary", nil, false},
		{"zero created", &ContentSummary{ArtifactsCreated: 0, ArtifactsFailed: 3}, false},
		{"one created", &ContentSummary{ArtifactsCreated: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.HasNewWork(); got != tt.want {
				t.Errorf("HasNewWork() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSignal_RoundTrip(t *testing.T) {
	sig := NewSignal("batch-7", ContentSummary{ArtifactsCreated: 5, ArtifactsFailed: 1})

	data, err := sig.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Operation != OpWorkAvailable {
		t.Errorf("expected work_available, got %q", parsed.Operation)
	}
	if !parsed.ContentSummary.HasNewWork() {
		t.Error("expected signal to report new work")
	}
	if parsed.ContentSummary.ArtifactsCreated != 5 {
		t.Errorf("expected 5 artifacts created, got %d", parsed.ContentSummary.ArtifactsCreated)
	}
}
