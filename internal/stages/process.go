package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/gen"
	"github.com/fpang/content-pipeline/internal/queue"
)

// Process is the second stage: it generates one article per collected
// document and persists them under articles/.
type Process struct {
	content   artifact.Store
	dedup     *dedup.Deduplicator
	generator gen.ContentGenerator
	self      queue.Publisher
}

// NewProcess builds the process stage.
func NewProcess(content artifact.Store, dd *dedup.Deduplicator, generator gen.ContentGenerator, self queue.Publisher) *Process {
	return &Process{content: content, dedup: dd, generator: generator, self: self}
}

// Handler returns the drain handler for this stage.
func (p *Process) Handler() drain.Handler { return p.handle }

func (p *Process) handle(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	switch env.Operation {
	case envelope.OpWorkAvailable:
		return p.fanOutCollected(ctx, env)
	case envelope.OpProcessItem:
		return p.processItem(ctx, env)
	default:
		return skipUnknown(KindProcess, env)
	}
}

// fanOutCollected expands the upstream completion signal into one message
// per collected document in the batch.
func (p *Process) fanOutCollected(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
	if !env.ContentSummary.HasNewWork() && !force {
		// Upstream should not have sent this; ignore it rather than burn a
		// generation pass on stale content.
		log.Warn().Str("batchId", env.BatchID).Msg("Work-available signal without new artifacts, ignoring")
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}

	keys, err := p.content.List(ctx, collectedPrefix+env.BatchID+"/")
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("list collected documents: %w", err)
	}
	if len(keys) == 0 {
		// The signal said artifacts exist but the listing is empty. Treat as
		// transient (eventually consistent listing) and retry via redelivery.
		return drain.Outcome{Status: drain.StatusFailed},
			fmt.Errorf("batch %s signaled %d artifacts but collected/ listing is empty",
				env.BatchID, env.ContentSummary.ArtifactsCreated)
	}

	if _, err := fanOut(ctx, p.self, KindProcess, env.BatchID, keys, force); err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, err
	}
	return drain.Outcome{Status: drain.StatusSkipped}, nil
}

// processItem generates an article for one collected document.
func (p *Process) processItem(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	var payload itemPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("decode item payload: %w", err)
	}
	if payload.Key == "" {
		log.Warn().Str("batchId", env.BatchID).Msg("Process item without a key, skipping")
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}

	raw, err := p.content.Get(ctx, payload.Key)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("read document %s: %w", payload.Key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("decode document %s: %w", payload.Key, err)
	}

	article, err := p.generator.GenerateArticle(ctx, gen.ArticleRequest{
		Title:     doc.Title,
		Summary:   doc.Summary,
		SourceURL: doc.SourceURL,
	})
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("generate article for %s: %w", payload.Key, err)
	}

	body, err := json.Marshal(article)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("encode article: %w", err)
	}

	force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
	keyFor := func(fp string) string {
		return fmt.Sprintf("%s%s/%s.json", articlesPrefix, env.BatchID, fp)
	}
	return persistDeduped(ctx, p.dedup, p.content, keyFor, body, body, "application/json", force)
}
