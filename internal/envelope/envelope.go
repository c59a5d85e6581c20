// Package envelope defines the JSON payload exchanged over the stage queues.
//
// Every message carries an operation discriminator; a message without one is
// a poison-message risk and must be logged and dead-lettered rather than
// retried forever.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Trigger describes why a message was produced.
type Trigger string

const (
	TriggerQueueEmpty Trigger = "queue_empty"
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
)

// Operations understood across stages. Stage handlers may define additional
// stage-specific operations; these two are the shared vocabulary.
const (
	// OpProcessItem carries one work item for the receiving stage.
	OpProcessItem = "process_item"

	// OpWorkAvailable is the stage-completion signal: the upstream stage
	// finished a drain cycle that produced new artifacts.
	OpWorkAvailable = "work_available"

	// OpBuildRequested asks the render stage for a full site build.
	OpBuildRequested = "build_requested"
)

// ErrMissingOperation marks a message with no operation discriminator.
var ErrMissingOperation = errors.New("message missing operation discriminator")

// ContentSummary rides on a stage-completion signal. Receivers must ignore
// a signal whose ArtifactsCreated is zero or absent; the producer-side check
// in the signaler and this consumer-side check back each other up.
type ContentSummary struct {
	ArtifactsCreated int  `json:"artifacts_created"`
	ArtifactsFailed  int  `json:"artifacts_failed"`
	ForceRebuild     bool `json:"force_rebuild"`
}

// HasNewWork reports whether the summary justifies acting on the signal.
func (s *ContentSummary) HasNewWork() bool {
	return s != nil && s.ArtifactsCreated > 0
}

// Envelope is the queue message payload.
type Envelope struct {
	BatchID        string          `json:"batch_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Trigger        Trigger         `json:"trigger"`
	Timestamp      time.Time       `json:"timestamp"`
	ContentSummary *ContentSummary `json:"content_summary,omitempty"`
}

// Parse decodes and validates a queue message body.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Operation == "" {
		return nil, ErrMissingOperation
	}
	switch env.Trigger {
	case TriggerQueueEmpty, TriggerManual, TriggerScheduled, "":
	default:
		return nil, fmt.Errorf("unknown trigger %q", env.Trigger)
	}
	return &env, nil
}

// Marshal serializes the envelope for the queue.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// NewSignal builds a stage-completion signal for the downstream queue.
func NewSignal(batchID string, summary ContentSummary) *Envelope {
	return &Envelope{
		BatchID:        batchID,
		Operation:      OpWorkAvailable,
		Trigger:        TriggerQueueEmpty,
		Timestamp:      time.Now().UTC(),
		ContentSummary: &summary,
	}
}
