// Package signal notifies the next pipeline stage that new work exists.
//
// The producer-side rule lives here: exactly one downstream message per drain
// cycle, and only when the cycle created at least one new artifact. The
// message carries the created count so the consumer can apply the same check
// independently — neither end trusts the other not to under- or over-count.
package signal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/queue"
)

// Signaler posts stage-completion signals to one downstream queue.
type Signaler struct {
	stage      string
	downstream queue.Publisher // nil on the final stage
}

// New builds a Signaler. downstream may be nil when there is no next stage.
func New(stage string, downstream queue.Publisher) *Signaler {
	return &Signaler{stage: stage, downstream: downstream}
}

// SignalIfWorkDone posts one work-available message downstream if and only
// if the drain cycle created new artifacts. The payload counts artifacts
// created, not messages processed: the two differ whenever duplicates were
// skipped, and downstream must not rebuild for zero new content.
func (s *Signaler) SignalIfWorkDone(ctx context.Context, batchID string, state drain.BatchState) error {
	if state.ArtifactsCreated == 0 {
		log.Debug().
			Str("stage", s.stage).
			Str("batchId", batchID).
			Int("messagesLeased", state.MessagesLeased).
			Int("duplicatesSkipped", state.DuplicatesSkipped).
			Msg("No new artifacts, downstream not signaled")
		return nil
	}

	if s.downstream == nil {
		log.Debug().Str("stage", s.stage).Msg("Final stage, no downstream queue to signal")
		return nil
	}

	sig := envelope.NewSignal(batchID, envelope.ContentSummary{
		ArtifactsCreated: state.ArtifactsCreated,
		ArtifactsFailed:  state.ArtifactsFailed,
	})
	body, err := sig.Marshal()
	if err != nil {
		return fmt.Errorf("marshal completion signal: %w", err)
	}

	if err := s.downstream.Send(ctx, body); err != nil {
		return fmt.Errorf("signal downstream: %w", err)
	}

	log.Info().
		Str("stage", s.stage).
		Str("batchId", batchID).
		Int("artifactsCreated", state.ArtifactsCreated).
		Int("artifactsFailed", state.ArtifactsFailed).
		Msg("Downstream stage signaled")
	return nil
}
