package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/queue"
)

// collectPayload is the inline form of a collect item: either a key pointing
// at a raw intake object, or the document fields directly (manual enqueue).
type collectPayload struct {
	Key       string `json:"key,omitempty"`
	Title     string `json:"title,omitempty"`
	Summary   string `json:"summary,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// Collect is the first stage: it turns raw intake objects into normalized
// documents under collected/.
type Collect struct {
	content artifact.Store
	dedup   *dedup.Deduplicator
	self    queue.Publisher
}

// NewCollect builds the collect stage. self is the stage's own queue, used
// to fan a work-available signal out into per-item messages.
func NewCollect(content artifact.Store, dd *dedup.Deduplicator, self queue.Publisher) *Collect {
	return &Collect{content: content, dedup: dd, self: self}
}

// Handler returns the drain handler for this stage.
func (c *Collect) Handler() drain.Handler { return c.handle }

func (c *Collect) handle(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	switch env.Operation {
	case envelope.OpWorkAvailable:
		return c.fanOutIntake(ctx, env)
	case envelope.OpProcessItem:
		return c.collectItem(ctx, env)
	default:
		return skipUnknown(KindCollect, env)
	}
}

// fanOutIntake scans the raw intake prefix and enqueues one item per object.
func (c *Collect) fanOutIntake(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	keys, err := c.content.List(ctx, rawPrefix)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("list intake: %w", err)
	}
	if len(keys) == 0 {
		log.Info().Str("batchId", env.BatchID).Msg("Intake empty, nothing to collect")
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}

	force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
	if _, err := fanOut(ctx, c.self, KindCollect, env.BatchID, keys, force); err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, err
	}
	return drain.Outcome{Status: drain.StatusSkipped}, nil
}

// collectItem normalizes one source item into a Document and persists it.
func (c *Collect) collectItem(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	var payload collectPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("decode collect payload: %w", err)
		}
	}

	doc, err := c.loadDocument(ctx, payload)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		// Empty items can never become articles; ack rather than retry.
		log.Warn().Str("batchId", env.BatchID).Str("key", payload.Key).Msg("Collect item has no title, skipping")
		return drain.Outcome{Status: drain.StatusSkipped}, nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("encode document: %w", err)
	}

	force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
	keyFor := func(fp string) string {
		return fmt.Sprintf("%s%s/%s.json", collectedPrefix, env.BatchID, fp)
	}
	return persistDeduped(ctx, c.dedup, c.content, keyFor, body, body, "application/json", force)
}

// loadDocument resolves the payload into a Document, reading the raw intake
// object when the payload carries a key.
func (c *Collect) loadDocument(ctx context.Context, payload collectPayload) (Document, error) {
	if payload.Key == "" {
		return Document{
			Title:     payload.Title,
			Summary:   payload.Summary,
			SourceURL: payload.SourceURL,
		}, nil
	}

	raw, err := c.content.Get(ctx, payload.Key)
	if err != nil {
		return Document{}, fmt.Errorf("read intake object %s: %w", payload.Key, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode intake object %s: %w", payload.Key, err)
	}
	return doc, nil
}
