package types

import (
	"context"

	"github.com/mfaure/toxiscan/internal/models"
)

// Core interfaces wired into the pipeline. Each stage depends on these,
// never on the concrete implementations, so tests can substitute fakes.

// Fetcher retrieves one page for a source, honoring the source's rate
// limit and concurrency cap.
type Fetcher interface {
	Fetch(ctx context.Context, source models.Source, target string) (*models.RawPage, error)
}

// Strategy turns fetched pages into work. Discover reads a listing page
// and yields article targets; Extract reads an article page and yields
// zero or more content items.
type Strategy interface {
	Discover(page *models.RawPage) ([]models.Target, error)
	Extract(page *models.RawPage) ([]models.ContentItem, error)
}

// Deduper is the process-wide fingerprint index. Observe atomically
// checks and records a fingerprint, returning true when it is new.
type Deduper interface {
	Observe(fingerprint string) bool
	Seed(fingerprints []string)
	Dropped() int64
}

// Outcome is one classified item, or the reason it could not be scored.
type Outcome struct {
	Item   models.ContentItem
	Result models.ClassificationResult
	Err    error
}

// Classifier scores batches of content items. One outcome is produced
// per input item, success or not.
type Classifier interface {
	Classify(ctx context.Context, batch []models.ContentItem) []Outcome
}

// RecordStore is the durable sink. Upsert is idempotent by fingerprint;
// Fingerprints seeds the deduper at startup; Records serves downstream
// readers.
type RecordStore interface {
	Upsert(ctx context.Context, rec models.PersistedRecord) error
	Fingerprints(ctx context.Context) ([]string, error)
	Records(ctx context.Context, filter RecordFilter) ([]models.PersistedRecord, error)
	Close()
}

// RecordFilter narrows a Records query. Zero value means everything.
type RecordFilter struct {
	SourceID string
	Label    string
	MinScore float64
	Limit    int
}
