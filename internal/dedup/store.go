// Package dedup decides whether a work item's output is genuinely new
// content. Fingerprints are content-addressed (hash of normalized output),
// and the fingerprint → artifact mapping is the only cross-instance shared
// state in the coordinator.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Record is the durable mapping from a content fingerprint to the artifact
// it produced. Written once per unique fingerprint.
type Record struct {
	Fingerprint string    `dynamodbav:"-" json:"fingerprint"`
	ArtifactRef string    `dynamodbav:"artifactRef" json:"artifact_ref"`
	FirstSeenAt time.Time `dynamodbav:"firstSeenAt" json:"first_seen_at"`
}

// RecordStore persists dedup records. Implementations must be safe under
// concurrent access from multiple worker instances; last-writer-wins on Put
// is acceptable.
type RecordStore interface {
	// Get returns the record for a fingerprint, or nil if none exists.
	Get(ctx context.Context, fingerprint string) (*Record, error)

	// Put writes the record unconditionally (used for forced overwrites).
	Put(ctx context.Context, rec Record) error

	// PutIfAbsent writes the record only when no record exists for the
	// fingerprint. Returns won=true when this writer created the record;
	// on won=false, existing is the record that beat us.
	PutIfAbsent(ctx context.Context, rec Record) (won bool, existing *Record, err error)
}

// MemoryStore is an in-process RecordStore for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	// FailWith, when set, makes every call return this error. Tests use it
	// to simulate a lookup-store outage.
	FailWith error
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}
	rec, ok := s.records[fingerprint]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}
	s.records[rec.Fingerprint] = rec
	return nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return false, nil, s.FailWith
	}
	if existing, ok := s.records[rec.Fingerprint]; ok {
		return false, &existing, nil
	}
	s.records[rec.Fingerprint] = rec
	return true, nil, nil
}
