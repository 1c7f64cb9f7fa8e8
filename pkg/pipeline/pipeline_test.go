package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
	"github.com/mfaure/toxiscan/pkg/classifier"
	"github.com/mfaure/toxiscan/pkg/dedup"
	"github.com/mfaure/toxiscan/pkg/extractor"
	"github.com/mfaure/toxiscan/pkg/fetcher"
	"github.com/mfaure/toxiscan/pkg/pipeline"
)

// fakeFetcher serves canned pages keyed by URL; sources listed in
// failSources always fail their fetches.
type fakeFetcher struct {
	mu          sync.Mutex
	pages       map[string]string
	failSources map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, source models.Source, target string) (*models.RawPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSources[source.ID] {
		return nil, &fetcher.FetchError{
			SourceID: source.ID, Target: target,
			Kind: fetcher.KindNetwork, Retryable: false,
			Err: fmt.Errorf("connection refused"),
		}
	}

	html, ok := f.pages[target]
	if !ok {
		return nil, &fetcher.FetchError{
			SourceID: source.ID, Target: target,
			Kind: fetcher.KindStatus, Retryable: false,
			Err: fmt.Errorf("unexpected status 404"),
		}
	}

	return &models.RawPage{
		SourceID:   source.ID,
		URL:        target,
		Body:       []byte(html),
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// memStore is an in-memory RecordStore with upsert semantics.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.PersistedRecord
	upserts int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]models.PersistedRecord{}}
}

func (m *memStore) Upsert(ctx context.Context, rec models.PersistedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Fingerprint] = rec
	m.upserts++
	return nil
}

func (m *memStore) Fingerprints(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fps := make([]string, 0, len(m.records))
	for fp := range m.records {
		fps = append(fps, fp)
	}
	return fps, nil
}

func (m *memStore) Records(ctx context.Context, filter types.RecordFilter) ([]models.PersistedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]models.PersistedRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (m *memStore) Close() {}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func articleHTML(title, body string) string {
	return fmt.Sprintf(`<html><body><h1>%s</h1><article><p>%s</p></article></body></html>`, title, body)
}

func classifyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		preds := make([]map[string]any, len(req.Texts))
		for i := range req.Texts {
			preds[i] = map[string]any{"label": "toxic", "score": 0.6}
		}
		json.NewEncoder(w).Encode(preds)
	}))
}

func testClassifier(endpoint string) *classifier.Client {
	return classifier.NewWithConfig(classifier.ClientConfig{
		Endpoint:      endpoint,
		ModelVersion:  "toxicity-fr-1",
		MaxBatchSize:  4,
		BatchWindow:   20 * time.Millisecond,
		RetryAttempts: 2,
		BackoffBase:   5 * time.Millisecond,
	})
}

func testSource(id, base string) models.Source {
	return models.Source{
		ID:             id,
		Name:           id,
		BaseURLs:       []string{base},
		Strategy:       models.StrategyStatic,
		RatePerSec:     1000,
		Burst:          100,
		MaxConcurrency: 4,
	}
}

func listingRules() extractor.SelectorRules {
	return extractor.SelectorRules{
		Links:   "article.card",
		Title:   "h3",
		Content: []string{"article"},
	}
}

// Source A publishes two articles; source B publishes one duplicate of
// A's first article (same content, different URL) plus one of its own.
// Exactly three records must come out the other end.
func TestRunEndToEnd(t *testing.T) {
	pages := map[string]string{
		"https://a.test/": `<html><body>
			<article class="card"><a href="/articles/1"><h3>Un</h3></a></article>
			<article class="card"><a href="/articles/2"><h3>Deux</h3></a></article>
		</body></html>`,
		"https://a.test/articles/1": articleHTML("Même histoire", "Texte identique partagé entre les deux sites."),
		"https://a.test/articles/2": articleHTML("Histoire à part", "Un texte que seul le site A publie."),

		"https://b.test/": `<html><body>
			<article class="card"><a href="/mirror/1"><h3>Un</h3></a></article>
			<article class="card"><a href="/exclusif"><h3>Exclusif</h3></a></article>
		</body></html>`,
		"https://b.test/mirror/1": articleHTML("Même histoire", "Texte identique partagé entre les deux sites."),
		"https://b.test/exclusif": articleHTML("Exclusivité B", "Le site B a son propre contenu."),
	}

	server := classifyServer(t)
	defer server.Close()

	registry := extractor.NewRegistry()
	registry.Register("a", extractor.NewSelectorStrategy("a", listingRules()))
	registry.Register("b", extractor.NewSelectorStrategy("b", listingRules()))

	store := newMemStore()
	orch := pipeline.New(pipeline.Config{QueueSize: 8}, pipeline.Deps{
		Fetcher:    &fakeFetcher{pages: pages},
		Strategies: registry,
		Deduper:    dedup.New(),
		Classifier: testClassifier(server.URL),
		Store:      store,
	})

	summary, err := orch.Run(context.Background(),
		[]models.Source{testSource("a", "https://a.test/"), testSource("b", "https://b.test/")})
	require.NoError(t, err)

	assert.Equal(t, 3, store.len())
	for _, rec := range store.records {
		assert.Equal(t, "toxic", rec.Label)
		assert.Equal(t, 0.6, rec.Score)
		assert.Equal(t, "toxicity-fr-1", rec.ModelVersion)
	}

	a := summary.PerSource["a"]
	b := summary.PerSource["b"]
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.Equal(t, 2, a.ItemsFound)
	assert.Equal(t, 0, a.ItemsFailed)
	assert.Equal(t, 2, b.ItemsFound)
	assert.Equal(t, 0, b.ItemsFailed)
	// Either side can lose the race for the shared article, but exactly
	// one copy is suppressed.
	assert.Equal(t, 1, a.ItemsDeduped+b.ItemsDeduped)
	assert.Equal(t, 3, a.ItemsStored+b.ItemsStored)
	assert.Empty(t, summary.Errors)
}

// One broken source must not stall or poison the others.
func TestFaultIsolation(t *testing.T) {
	pages := map[string]string{
		"https://a.test/":     `<html><body><article class="card"><a href="/p1"><h3>A1</h3></a></article></body></html>`,
		"https://a.test/p1":   articleHTML("Article A", "Contenu du site A."),
		"https://c.test/":     `<html><body><article class="card"><a href="/p1"><h3>C1</h3></a></article></body></html>`,
		"https://c.test/p1":   articleHTML("Article C", "Contenu du site C."),
	}

	server := classifyServer(t)
	defer server.Close()

	registry := extractor.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		registry.Register(id, extractor.NewSelectorStrategy(id, listingRules()))
	}

	store := newMemStore()
	orch := pipeline.New(pipeline.Config{QueueSize: 8}, pipeline.Deps{
		Fetcher:    &fakeFetcher{pages: pages, failSources: map[string]bool{"b": true}},
		Strategies: registry,
		Deduper:    dedup.New(),
		Classifier: testClassifier(server.URL),
		Store:      store,
	})

	summary, err := orch.Run(context.Background(), []models.Source{
		testSource("a", "https://a.test/"),
		testSource("b", "https://b.test/"),
		testSource("c", "https://c.test/"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, store.len())
	assert.Equal(t, 1, summary.PerSource["a"].ItemsStored)
	assert.Equal(t, 1, summary.PerSource["c"].ItemsStored)

	b := summary.PerSource["b"]
	assert.Equal(t, 0, b.ItemsFound)
	assert.True(t, b.TotalFailure())
	assert.NotEmpty(t, summary.Errors)
	assert.False(t, summary.AllSourcesFailed())
	assert.True(t, summary.AnySourceFailed())
}

// A seeded dedup index suppresses everything already in storage, which
// is how runs stay idempotent across restarts.
func TestRunIdempotentAcrossRestarts(t *testing.T) {
	pages := map[string]string{
		"https://a.test/":   `<html><body><article class="card"><a href="/p1"><h3>A1</h3></a></article></body></html>`,
		"https://a.test/p1": articleHTML("Article A", "Contenu stable."),
	}

	server := classifyServer(t)
	defer server.Close()

	store := newMemStore()
	sources := []models.Source{testSource("a", "https://a.test/")}

	runOnce := func() *models.RunSummary {
		registry := extractor.NewRegistry()
		registry.Register("a", extractor.NewSelectorStrategy("a", listingRules()))

		index := dedup.New()
		fps, err := store.Fingerprints(context.Background())
		require.NoError(t, err)
		index.Seed(fps)

		orch := pipeline.New(pipeline.Config{QueueSize: 8}, pipeline.Deps{
			Fetcher:    &fakeFetcher{pages: pages},
			Strategies: registry,
			Deduper:    index,
			Classifier: testClassifier(server.URL),
			Store:      store,
		})
		summary, err := orch.Run(context.Background(), sources)
		require.NoError(t, err)
		return summary
	}

	first := runOnce()
	assert.Equal(t, 1, first.PerSource["a"].ItemsStored)
	assert.Equal(t, 1, store.len())

	second := runOnce()
	assert.Equal(t, 1, second.PerSource["a"].ItemsFound)
	assert.Equal(t, 1, second.PerSource["a"].ItemsDeduped)
	assert.Equal(t, 0, second.PerSource["a"].ItemsStored)
	assert.Equal(t, 1, store.len())
	assert.Equal(t, 1, store.upserts)
}

// blockingPump simulates a classification service that never answers:
// it consumes nothing until canceled, then drains everything as
// failures, as the pump contract requires.
type blockingPump struct{}

func (p *blockingPump) Pump(ctx context.Context, in <-chan models.ContentItem, out chan<- types.Outcome) {
	<-ctx.Done()
	for item := range in {
		out <- types.Outcome{Item: item, Err: fmt.Errorf("classifier stalled: %w", ctx.Err())}
	}
}

// With a stalled classifier and a tiny queue, producers must block
// (bounded memory) yet the run must still finish within the grace
// period after the deadline, with every item accounted for.
func TestBackpressureAndCancellation(t *testing.T) {
	listing := `<html><body>`
	pages := map[string]string{}
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://a.test/p%d", i)
		listing += fmt.Sprintf(`<article class="card"><a href="/p%d"><h3>A%d</h3></a></article>`, i, i)
		pages[url] = articleHTML(fmt.Sprintf("Article %d", i), fmt.Sprintf("Contenu numéro %d.", i))
	}
	listing += `</body></html>`
	pages["https://a.test/"] = listing

	registry := extractor.NewRegistry()
	registry.Register("a", extractor.NewSelectorStrategy("a", listingRules()))

	store := newMemStore()
	orch := pipeline.New(pipeline.Config{
		QueueSize:   1,
		Deadline:    100 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	}, pipeline.Deps{
		Fetcher:    &fakeFetcher{pages: pages},
		Strategies: registry,
		Deduper:    dedup.New(),
		Classifier: &blockingPump{},
		Store:      store,
	})

	start := time.Now()
	summary, err := orch.Run(context.Background(), []models.Source{testSource("a", "https://a.test/")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	// Nothing was stored, nothing was silently dropped.
	assert.Equal(t, 0, store.len())
	stats := summary.PerSource["a"]
	assert.Equal(t, stats.ItemsFound, stats.ItemsDeduped+stats.ItemsFailed+stats.ItemsStored)
	assert.NotEmpty(t, summary.Errors)
}

// A teaser page with no usable body is counted as skipped, not failed,
// and is not an error for the source.
func TestIncompletePageSkipped(t *testing.T) {
	pages := map[string]string{
		"https://a.test/": `<html><body>
			<article class="card"><a href="/teaser"><h3>Teaser</h3></a></article>
			<article class="card"><a href="/full"><h3>Complet</h3></a></article>
		</body></html>`,
		"https://a.test/teaser": `<html><body><h1>Teaser</h1></body></html>`,
		"https://a.test/full":   articleHTML("Article complet", "Un corps de texte entier."),
	}

	server := classifyServer(t)
	defer server.Close()

	registry := extractor.NewRegistry()
	registry.Register("a", extractor.NewSelectorStrategy("a", listingRules()))

	store := newMemStore()
	orch := pipeline.New(pipeline.Config{QueueSize: 8}, pipeline.Deps{
		Fetcher:    &fakeFetcher{pages: pages},
		Strategies: registry,
		Deduper:    dedup.New(),
		Classifier: testClassifier(server.URL),
		Store:      store,
	})

	summary, err := orch.Run(context.Background(), []models.Source{testSource("a", "https://a.test/")})
	require.NoError(t, err)

	stats := summary.PerSource["a"]
	assert.Equal(t, 1, stats.ItemsFound)
	assert.Equal(t, 1, stats.ItemsSkipped)
	assert.Equal(t, 0, stats.ItemsFailed)
	assert.Equal(t, 1, stats.ItemsStored)
	assert.Equal(t, 1, store.len())
	assert.Empty(t, summary.Errors)
	assert.False(t, stats.TotalFailure())
}

func TestRunMisconfiguration(t *testing.T) {
	server := classifyServer(t)
	defer server.Close()

	orch := pipeline.New(pipeline.Config{}, pipeline.Deps{
		Fetcher:    &fakeFetcher{},
		Strategies: extractor.NewRegistry(),
		Deduper:    dedup.New(),
		Classifier: testClassifier(server.URL),
		Store:      newMemStore(),
	})

	_, err := orch.Run(context.Background(), nil)
	assert.Error(t, err)

	_, err = orch.Run(context.Background(), []models.Source{
		testSource("a", "https://a.test/"),
		testSource("a", "https://a.test/"),
	})
	assert.Error(t, err)
}

// An out-of-range score keeps the item out of storage and in the error
// ledger, ready for the next run.
func TestScoreOutOfRangeExcludedFromStorage(t *testing.T) {
	pages := map[string]string{
		"https://a.test/":   `<html><body><article class="card"><a href="/p1"><h3>A1</h3></a></article></body></html>`,
		"https://a.test/p1": articleHTML("Article A", "Contenu dont le score déborde."),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		preds := make([]map[string]any, len(req.Texts))
		for i := range req.Texts {
			preds[i] = map[string]any{"label": "toxic", "score": 1.5}
		}
		json.NewEncoder(w).Encode(preds)
	}))
	defer server.Close()

	registry := extractor.NewRegistry()
	registry.Register("a", extractor.NewSelectorStrategy("a", listingRules()))

	store := newMemStore()
	orch := pipeline.New(pipeline.Config{QueueSize: 8}, pipeline.Deps{
		Fetcher:    &fakeFetcher{pages: pages},
		Strategies: registry,
		Deduper:    dedup.New(),
		Classifier: testClassifier(server.URL),
		Store:      store,
	})

	summary, err := orch.Run(context.Background(), []models.Source{testSource("a", "https://a.test/")})
	require.NoError(t, err)

	assert.Equal(t, 0, store.len())
	assert.Equal(t, 1, summary.PerSource["a"].ItemsFound)
	assert.Equal(t, 1, summary.PerSource["a"].ItemsFailed)

	require.NotEmpty(t, summary.Errors)
	assert.Equal(t, "classify", summary.Errors[0].Stage)
}
