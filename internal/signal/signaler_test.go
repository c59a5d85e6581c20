package signal

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
)

type recordingPublisher struct {
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) Send(ctx context.Context, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func TestSignalIfWorkDone_ZeroCreatedSendsNothing(t *testing.T) {
	pub := &recordingPublisher{}
	s := New("collect", pub)

	// Messages were processed, but all were duplicates.
	state := drain.BatchState{MessagesLeased: 12, DuplicatesSkipped: 12}
	if err := s.SignalIfWorkDone(context.Background(), "b1", state); err != nil {
		t.Fatalf("SignalIfWorkDone: %v", err)
	}

	if len(pub.bodies) != 0 {
		t.Errorf("expected no downstream message for zero created, got %d", len(pub.bodies))
	}
}

func TestSignalIfWorkDone_ExactlyOneSignalWithCreatedCount(t *testing.T) {
	pub := &recordingPublisher{}
	s := New("collect", pub)

	state := drain.BatchState{MessagesLeased: 12, ArtifactsCreated: 7, ArtifactsFailed: 2, DuplicatesSkipped: 3}
	if err := s.SignalIfWorkDone(context.Background(), "b1", state); err != nil {
		t.Fatalf("SignalIfWorkDone: %v", err)
	}

	if len(pub.bodies) != 1 {
		t.Fatalf("expected exactly one downstream message, got %d", len(pub.bodies))
	}

	env, err := envelope.Parse(pub.bodies[0])
	if err != nil {
		t.Fatalf("Parse signal: %v", err)
	}
	if env.Operation != envelope.OpWorkAvailable {
		t.Errorf("expected work_available, got %q", env.Operation)
	}
	if env.BatchID != "b1" {
		t.Errorf("expected batch id b1, got %q", env.BatchID)
	}
	// Created count, not messages processed: duplicates must not inflate it.
	if env.ContentSummary.ArtifactsCreated != 7 {
		t.Errorf("expected artifacts_created 7, got %d", env.ContentSummary.ArtifactsCreated)
	}
	if env.ContentSummary.ArtifactsFailed != 2 {
		t.Errorf("expected artifacts_failed 2, got %d", env.ContentSummary.ArtifactsFailed)
	}
}

func TestSignalIfWorkDone_FinalStageHasNoDownstream(t *testing.T) {
	s := New("publish", nil)

	state := drain.BatchState{ArtifactsCreated: 3}
	if err := s.SignalIfWorkDone(context.Background(), "b1", state); err != nil {
		t.Errorf("final stage signal should be a no-op, got %v", err)
	}
}

func TestSignalIfWorkDone_PublishErrorPropagates(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("sqs down")}
	s := New("render", pub)

	state := drain.BatchState{ArtifactsCreated: 1}
	if err := s.SignalIfWorkDone(context.Background(), "b1", state); err == nil {
		t.Error("expected send failure to propagate")
	}
}
