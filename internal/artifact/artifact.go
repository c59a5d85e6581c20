// Package artifact persists stage output to shared object storage. A queue
// message is never acknowledged before its artifact write has returned, so
// an acknowledged item is always durably persisted.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store writes and reads opaque artifacts by key.
type Store interface {
	// Put persists body under key and returns an opaque artifact reference.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// Get reads an artifact back by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys of all artifacts under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Presign returns a time-limited GET URL for the artifact, for operator
	// inspection and publish receipts.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailWith, when set, makes every call return this error.
	FailWith error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return "", s.FailWith
	}
	s.objects[key] = append([]byte(nil), body...)
	return "mem://" + key, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}
	body, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", key)
	}
	return append([]byte(nil), body...), nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return "", s.FailWith
	}
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("artifact %s not found", key)
	}
	return "mem://" + key, nil
}

// Len reports the number of stored objects. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// readAll drains r fully; shared by store implementations.
func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
