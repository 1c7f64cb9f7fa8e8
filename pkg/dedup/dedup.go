// Package dedup holds the process-wide content fingerprint index.
//
// Durability comes entirely from what the store actually contains: the
// set is seeded from persisted fingerprints at startup and forgotten at
// exit, so an item whose classification or upsert failed is retried on
// the next run by construction.
package dedup

import (
	"sync"

	"github.com/mfaure/toxiscan/internal/types"
)

type Index struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	dropped int64
}

var _ types.Deduper = (*Index)(nil)

func New() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Seed loads fingerprints already present in storage, typically before
// any source pipeline starts.
func (i *Index) Seed(fingerprints []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, fp := range fingerprints {
		i.seen[fp] = struct{}{}
	}
}

// Observe atomically checks and records a fingerprint. It returns true
// for the first observation and false for every duplicate; the
// check-and-insert is a single critical section so two source pipelines
// can never race the same fingerprint into classification twice.
func (i *Index) Observe(fingerprint string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[fingerprint]; ok {
		i.dropped++
		return false
	}
	i.seen[fingerprint] = struct{}{}
	return true
}

// Dropped returns how many duplicates were suppressed so far.
func (i *Index) Dropped() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dropped
}

// Size returns the number of distinct fingerprints observed or seeded.
func (i *Index) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}
