package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
)

// publishURLTTL is the lifetime of the presigned download URL recorded in
// the publish receipt.
const publishURLTTL = 24 * time.Hour

// Receipt records one completed publish.
type Receipt struct {
	BatchID      string    `json:"batch_id"`
	SiteKey      string    `json:"site_key"`
	PublishedRef string    `json:"published_ref"`
	URL          string    `json:"url"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publish is the final stage: it copies the batch's site archive into the
// publish bucket and writes a receipt. It has no downstream queue.
type Publish struct {
	content artifact.Store
	publish artifact.Store
	dedup   *dedup.Deduplicator
	now     func() time.Time
}

// NewPublish builds the publish stage.
func NewPublish(content, publish artifact.Store, dd *dedup.Deduplicator) *Publish {
	return &Publish{content: content, publish: publish, dedup: dd, now: time.Now}
}

// Handler returns the drain handler for this stage.
func (p *Publish) Handler() drain.Handler { return p.handle }

func (p *Publish) handle(ctx context.Context, env *envelope.Envelope) (drain.Outcome, error) {
	switch env.Operation {
	case envelope.OpWorkAvailable:
		// Consumer-side guard: even if upstream mis-signaled, do not publish
		// a batch that produced nothing new. An explicit force overrides.
		force := env.ContentSummary != nil && env.ContentSummary.ForceRebuild
		if !env.ContentSummary.HasNewWork() && !force {
			log.Warn().Str("batchId", env.BatchID).Msg("Work-available signal without new artifacts, not publishing")
			return drain.Outcome{Status: drain.StatusSkipped}, nil
		}
		return p.publishSite(ctx, env, force)
	default:
		return skipUnknown(KindPublish, env)
	}
}

func (p *Publish) publishSite(ctx context.Context, env *envelope.Envelope, force bool) (drain.Outcome, error) {
	keys, err := p.content.List(ctx, sitePrefix+env.BatchID+"/")
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("list site archives: %w", err)
	}
	if len(keys) == 0 {
		// Upstream signaled a build but the listing is empty; retry via
		// redelivery rather than drop the publish.
		return drain.Outcome{Status: drain.StatusFailed},
			fmt.Errorf("batch %s signaled a site build but site/ listing is empty", env.BatchID)
	}
	// A batch normally holds one archive (render dedups on content). If a
	// forced rebuild left several, the listing is sorted by key, so this
	// choice is arbitrary but stable across redeliveries.
	siteKey := keys[len(keys)-1]

	// Dedup on the source key: one site build publishes exactly once, and a
	// redelivered signal for an already-published build settles as duplicate.
	decision, err := p.dedup.Decide(ctx, []byte("publish:"+siteKey), force)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, err
	}
	if decision.Action == dedup.Skip {
		return drain.Outcome{
			Status:      drain.StatusDuplicate,
			Fingerprint: decision.Fingerprint,
			ArtifactRef: decision.Existing.ArtifactRef,
		}, nil
	}

	archive, err := p.content.Get(ctx, siteKey)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("read site archive %s: %w", siteKey, err)
	}

	publishedKey := "published/" + path.Base(siteKey)
	ref, err := p.publish.Put(ctx, publishedKey, archive, "application/zip")
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("publish site archive: %w", err)
	}

	url, err := p.publish.Presign(ctx, publishedKey, publishURLTTL)
	if err != nil {
		// The archive is already published; the receipt just loses its URL.
		log.Warn().Err(err).Str("key", publishedKey).Msg("Presign failed, receipt will have no URL")
		url = ""
	}

	receipt := Receipt{
		BatchID:      env.BatchID,
		SiteKey:      siteKey,
		PublishedRef: ref,
		URL:          url,
		PublishedAt:  p.now().UTC(),
	}
	receiptBody, err := json.Marshal(receipt)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("encode receipt: %w", err)
	}
	receiptKey := fmt.Sprintf("receipts/%s.json", env.BatchID)
	if _, err := p.publish.Put(ctx, receiptKey, receiptBody, "application/json"); err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, fmt.Errorf("write receipt: %w", err)
	}

	committed, surviving, err := p.dedup.Commit(ctx, decision.Fingerprint, ref, force)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed}, err
	}
	if !committed {
		return drain.Outcome{
			Status:      drain.StatusDuplicate,
			Fingerprint: decision.Fingerprint,
			ArtifactRef: surviving.ArtifactRef,
		}, nil
	}

	log.Info().
		Str("batchId", env.BatchID).
		Str("siteKey", siteKey).
		Str("publishedRef", ref).
		Msg("Site published")
	return drain.Outcome{
		Status:      drain.StatusCreated,
		Fingerprint: decision.Fingerprint,
		ArtifactRef: ref,
	}, nil
}
