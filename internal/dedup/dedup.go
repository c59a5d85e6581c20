package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Action is the deduplicator's verdict for a candidate output.
type Action int

const (
	// Create means no record exists (or an overwrite was forced): persist
	// the artifact and commit the record.
	Create Action = iota

	// Skip means the fingerprint already exists; no artifact I/O happens.
	Skip
)

// Decision carries the verdict plus the fingerprint it was made on.
type Decision struct {
	Action      Action
	Fingerprint string

	// Existing is the record already registered for this fingerprint, set
	// when Action is Skip.
	Existing *Record
}

// Deduplicator decides create-vs-skip for candidate content and commits
// records after the artifact is durably persisted.
type Deduplicator struct {
	store RecordStore
	now   func() time.Time
}

// New builds a Deduplicator over the given record store.
func New(store RecordStore) *Deduplicator {
	return &Deduplicator{store: store, now: time.Now}
}

// Decide fingerprints the candidate content and looks it up.
//
// A store lookup failure propagates to the caller: the item must fail and be
// retried after its lease expires. Guessing here risks silently skipping
// genuinely new content during a lookup outage.
func (d *Deduplicator) Decide(ctx context.Context, content []byte, force bool) (Decision, error) {
	fp := Fingerprint(content)

	existing, err := d.store.Get(ctx, fp)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup lookup: %w", err)
	}

	if existing != nil && !force {
		log.Debug().
			Str("fingerprint", fp).
			Str("artifactRef", existing.ArtifactRef).
			Time("firstSeenAt", existing.FirstSeenAt).
			Msg("Duplicate content fingerprint, skipping")
		return Decision{Action: Skip, Fingerprint: fp, Existing: existing}, nil
	}

	return Decision{Action: Create, Fingerprint: fp}, nil
}

// Commit registers the fingerprint → artifact mapping after the artifact
// write succeeded. Called with force=false it is conditional: losing the
// race to a concurrent instance returns the winner's record and committed
// false, and the caller reports the item as a duplicate. Artifact keys are
// derived from the fingerprint, so the racing writes landed on the same
// object and exactly one artifact survives either way.
func (d *Deduplicator) Commit(ctx context.Context, fingerprint, artifactRef string, force bool) (committed bool, surviving *Record, err error) {
	rec := Record{
		Fingerprint: fingerprint,
		ArtifactRef: artifactRef,
		FirstSeenAt: d.now().UTC(),
	}

	if force {
		if err := d.store.Put(ctx, rec); err != nil {
			return false, nil, fmt.Errorf("dedup commit (forced): %w", err)
		}
		return true, &rec, nil
	}

	won, existing, err := d.store.PutIfAbsent(ctx, rec)
	if err != nil {
		return false, nil, fmt.Errorf("dedup commit: %w", err)
	}
	if !won {
		return false, existing, nil
	}
	return true, &rec, nil
}
