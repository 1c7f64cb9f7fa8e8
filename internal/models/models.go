package models

import "time"

// FetchStrategy selects how a source's pages are retrieved.
type FetchStrategy string

const (
	// StrategyStatic fetches the page with a plain HTTP GET and parses
	// the markup as served.
	StrategyStatic FetchStrategy = "static-markup"
	// StrategyRendered loads the page in a headless browser and captures
	// the DOM after scripts have run.
	StrategyRendered FetchStrategy = "rendered"
)

// Source is the static descriptor of one content origin. It is loaded
// once at startup and never mutated afterwards.
type Source struct {
	ID             string
	Name           string
	BaseURLs       []string
	Strategy       FetchStrategy
	RatePerSec     float64 // sustained request rate, token-bucket refill
	Burst          int
	MaxConcurrency int
	MaxArticles    int // 0 = no cap per run
}

// Target is a page the pipeline intends to fetch for a source, usually
// an article link discovered on a listing page.
type Target struct {
	SourceID string
	URL      string
	Title    string // listing-page title hint, may be empty
}

// RawPage is the transient result of one fetch. It lives only for the
// fetch → extract handoff.
type RawPage struct {
	SourceID   string
	URL        string
	Body       []byte
	StatusCode int
	Rendered   bool
	FetchedAt  time.Time
}

// ContentItem is the unit of work after extraction. Fingerprint is a
// hash of the normalized title+body, so the same article reached through
// different URLs or mirrors collapses to one item.
type ContentItem struct {
	SourceID     string
	CanonicalURL string
	Title        string
	Body         string
	PublishedAt  *time.Time
	Fingerprint  string
}

// ClassificationResult is the classifier's verdict for one fingerprint.
// Immutable once produced.
type ClassificationResult struct {
	Fingerprint  string
	Label        string
	Score        float64
	ModelVersion string
	ClassifiedAt time.Time
}

// PersistedRecord is the durable union of a ContentItem and its
// ClassificationResult, keyed by fingerprint.
type PersistedRecord struct {
	Fingerprint  string
	SourceID     string
	CanonicalURL string
	Title        string
	Body         string
	PublishedAt  *time.Time
	Label        string
	Score        float64
	ModelVersion string
	ClassifiedAt time.Time
	ScrapedAt    time.Time
}

// Record builds the persisted record for an item and its classification.
func Record(item ContentItem, res ClassificationResult, scrapedAt time.Time) PersistedRecord {
	return PersistedRecord{
		Fingerprint:  item.Fingerprint,
		SourceID:     item.SourceID,
		CanonicalURL: item.CanonicalURL,
		Title:        item.Title,
		Body:         item.Body,
		PublishedAt:  item.PublishedAt,
		Label:        res.Label,
		Score:        res.Score,
		ModelVersion: res.ModelVersion,
		ClassifiedAt: res.ClassifiedAt,
		ScrapedAt:    scrapedAt,
	}
}
