// Package stages implements the per-stage work handlers: collect, process,
// render and publish. Each stage exposes a drain.Handler that the worker
// wires into its drain loop.
//
// Stages share one persistence discipline: fingerprint the candidate output,
// look it up, write the artifact under a fingerprint-derived key, then commit
// the dedup record. The artifact write always precedes both the record commit
// and the message acknowledgement.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/content-pipeline/internal/artifact"
	"github.com/fpang/content-pipeline/internal/dedup"
	"github.com/fpang/content-pipeline/internal/drain"
	"github.com/fpang/content-pipeline/internal/envelope"
	"github.com/fpang/content-pipeline/internal/queue"
)

// Kind identifies a pipeline stage.
type Kind string

const (
	KindCollect Kind = "collect"
	KindProcess Kind = "process"
	KindRender  Kind = "render"
	KindPublish Kind = "publish"
)

// ParseKind validates a stage name from configuration or the command line.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCollect, KindProcess, KindRender, KindPublish:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown stage %q (want collect, process, render or publish)", s)
	}
}

func (k Kind) String() string { return string(k) }

// Next returns the downstream stage, or "" for the final stage.
func (k Kind) Next() Kind {
	switch k {
	case KindCollect:
		return KindProcess
	case KindProcess:
		return KindRender
	case KindRender:
		return KindPublish
	default:
		return ""
	}
}

// Object key prefixes in the content bucket.
const (
	rawPrefix       = "raw/"
	collectedPrefix = "collected/"
	articlesPrefix  = "articles/"
	sitePrefix      = "site/"
)

// Document is the normalized form a collected source item takes in storage.
type Document struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	SourceURL string `json:"source_url"`
}

// itemPayload points a process_item message at one stored object.
type itemPayload struct {
	Key string `json:"key"`
}

// persistDeduped runs the shared create-or-skip sequence: decide on the
// fingerprint source, write the artifact under a fingerprint-derived key,
// commit the record. Because the key is derived from the fingerprint, two
// instances racing on the same content write the same object; whichever
// loses the conditional commit reports a duplicate and no artifact is lost.
//
// fingerprintOf and body are usually the same bytes; they differ when the
// stored artifact is a compressed container whose bytes are not reproducible
// (the site archive), in which case the fingerprint covers the container's
// logical content instead.
func persistDeduped(ctx context.Context, dd *dedup.Deduplicator, store artifact.Store,
	keyFor func(fingerprint string) string, fingerprintOf, body []byte, contentType string, force bool) (drain.Outcome, error) {

	decision, err := dd.Decide(ctx, fingerprintOf, force)
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

	ref, err := store.Put(ctx, keyFor(decision.Fingerprint), body, contentType)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed, Fingerprint: decision.Fingerprint},
			fmt.Errorf("persist artifact: %w", err)
	}

	committed, surviving, err := dd.Commit(ctx, decision.Fingerprint, ref, force)
	if err != nil {
		return drain.Outcome{Status: drain.StatusFailed, Fingerprint: decision.Fingerprint},
			fmt.Errorf("commit dedup record: %w", err)
	}
	if !committed {
		return drain.Outcome{
			Status:      drain.StatusDuplicate,
			Fingerprint: decision.Fingerprint,
			ArtifactRef: surviving.ArtifactRef,
		}, nil
	}

	return drain.Outcome{
		Status:      drain.StatusCreated,
		Fingerprint: decision.Fingerprint,
		ArtifactRef: ref,
	}, nil
}

// fanOut enqueues one process_item message per stored object key onto the
// stage's own queue. A forced signal stamps each item with ForceRebuild so
// the overwrite request survives the expansion. If the send fails partway
// the whole message is retried and some items are fanned out twice; per-item
// dedup settles the repeats as duplicates, so over-delivery here is safe.
func fanOut(ctx context.Context, self queue.Publisher, stage Kind, batchID string, keys []string, force bool) (int, error) {
	for i, key := range keys {
		payload, err := json.Marshal(itemPayload{Key: key})
		if err != nil {
			return i, fmt.Errorf("marshal item payload: %w", err)
		}
		env := &envelope.Envelope{
			BatchID:   batchID,
			Operation: envelope.OpProcessItem,
			Payload:   payload,
			Trigger:   envelope.TriggerQueueEmpty,
			Timestamp: time.Now().UTC(),
		}
		if force {
			env.ContentSummary = &envelope.ContentSummary{ForceRebuild: true}
		}
		body, err := env.Marshal()
		if err != nil {
			return i, err
		}
		if err := self.Send(ctx, body); err != nil {
			return i, fmt.Errorf("fan out item %d/%d: %w", i+1, len(keys), err)
		}
	}

	log.Info().
		Str("stage", stage.String()).
		Str("batchId", batchID).
		Int("items", len(keys)).
		Msg("Fanned out work items")
	return len(keys), nil
}

// skipUnknown acknowledges an operation the stage does not understand. The
// message is well-formed, so it is not poison; it is simply not ours.
func skipUnknown(stage Kind, env *envelope.Envelope) (drain.Outcome, error) {
	log.Warn().
		Str("stage", stage.String()).
		Str("operation", env.Operation).
		Str("batchId", env.BatchID).
		Msg("Unsupported operation, acknowledging without action")
	return drain.Outcome{Status: drain.StatusSkipped}, nil
}
