package extractor

import (
	"fmt"
	"sync"

	"github.com/mfaure/toxiscan/internal/types"
)

// ExtractionError is page-scoped: it is reported and counted, but never
// aborts the source's pipeline.
type ExtractionError struct {
	SourceID string
	URL      string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s %s: %v", e.SourceID, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Registry maps source ids to their extraction strategies. New sources
// register an implementation here; the orchestrator never changes.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]types.Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: map[string]types.Strategy{}}
}

// Register adds or replaces the strategy for a source id.
func (r *Registry) Register(sourceID string, strategy types.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[sourceID] = strategy
}

// Resolve returns the strategy for a source id or an error if none is
// registered.
func (r *Registry) Resolve(sourceID string) (types.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[sourceID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no extraction strategy registered for source %s", sourceID)
}
