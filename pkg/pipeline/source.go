package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// runState is the mutable accounting shared by one run's goroutines.
type runState struct {
	orchestrator *Orchestrator

	mu      sync.Mutex
	summary *models.RunSummary
}

func (r *runState) recordError(err models.RunError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Errors = append(r.summary.Errors, err)
	if err.SourceID != "" {
		r.summary.Stats(err.SourceID).Errors++
	}
}

func (r *runState) update(sourceID string, fn func(*models.SourceStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.summary.Stats(sourceID))
}

// runSource drives one source end to end: listing fetch, discovery,
// article fetches, extraction, dedup, and handoff to the shared
// classification queue. Failures are recorded in the summary and never
// reach the other sources.
func (r *runState) runSource(ctx, drainCtx context.Context, src models.Source, items chan<- models.ContentItem) {
	o := r.orchestrator

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("source pipeline panicked", "source", src.ID, "panic", rec)
			r.recordError(models.RunError{
				SourceID: src.ID, Stage: "source",
				Err: fmt.Errorf("pipeline panic: %v", rec),
			})
		}
	}()

	strategy, err := o.deps.Strategies.Resolve(src.ID)
	if err != nil {
		r.recordError(models.RunError{SourceID: src.ID, Stage: "source", Err: err})
		return
	}

	targets := r.discoverTargets(ctx, src, strategy)
	if src.MaxArticles > 0 && len(targets) > src.MaxArticles {
		targets = targets[:src.MaxArticles]
	}

	var fanout errgroup.Group
	fanout.SetLimit(max(src.MaxConcurrency, 1))

	for _, target := range targets {
		if ctx.Err() != nil {
			break // deadline hit: no new fetches
		}
		target := target
		fanout.Go(func() error {
			r.processTarget(ctx, drainCtx, src, strategy, target, items)
			return nil
		})
	}
	_ = fanout.Wait()

	o.logger.Info("source pipeline finished", "source", src.ID, "targets", len(targets))
}

// discoverTargets fetches every listing URL of the source and collects
// the article targets they link to. A failing listing is reported and
// skipped; the remaining listings still run.
func (r *runState) discoverTargets(ctx context.Context, src models.Source, strategy types.Strategy) []models.Target {
	o := r.orchestrator

	var targets []models.Target
	seen := map[string]struct{}{}

	for _, listing := range src.BaseURLs {
		if ctx.Err() != nil {
			break
		}

		page, err := o.deps.Fetcher.Fetch(ctx, src, listing)
		if err != nil {
			r.recordError(models.RunError{SourceID: src.ID, Target: listing, Stage: "fetch", Err: err})
			continue
		}

		found, err := strategy.Discover(page)
		if err != nil {
			r.recordError(models.RunError{SourceID: src.ID, Target: listing, Stage: "extract", Err: err})
			continue
		}

		for _, t := range found {
			if _, dup := seen[t.URL]; dup {
				continue
			}
			seen[t.URL] = struct{}{}
			targets = append(targets, t)
		}
	}

	return targets
}

// processTarget handles one article: fetch, extract, dedup, enqueue.
func (r *runState) processTarget(ctx, drainCtx context.Context, src models.Source, strategy types.Strategy, target models.Target, items chan<- models.ContentItem) {
	o := r.orchestrator

	if o.config.OnProgress != nil {
		o.config.OnProgress(src.ID, target.URL)
	}

	page, err := o.deps.Fetcher.Fetch(ctx, src, target.URL)
	if err != nil {
		r.recordError(models.RunError{SourceID: src.ID, Target: target.URL, Stage: "fetch", Err: err})
		r.update(src.ID, func(s *models.SourceStats) { s.ItemsFailed++ })
		return
	}

	extracted, err := strategy.Extract(page)
	if err != nil {
		r.recordError(models.RunError{SourceID: src.ID, Target: target.URL, Stage: "extract", Err: err})
		r.update(src.ID, func(s *models.SourceStats) { s.ItemsFailed++ })
		return
	}
	if len(extracted) == 0 {
		r.update(src.ID, func(s *models.SourceStats) { s.ItemsSkipped++ })
		o.logger.Debug("no content on page", "source", src.ID, "target", target.URL)
		return
	}

	for _, item := range extracted {
		r.update(src.ID, func(s *models.SourceStats) { s.ItemsFound++ })

		if !o.deps.Deduper.Observe(item.Fingerprint) {
			r.update(src.ID, func(s *models.SourceStats) { s.ItemsDeduped++ })
			continue
		}

		// Blocks while the queue is full. Past dedup, a rejected push
		// is recorded as a failure.
		select {
		case items <- item:
		case <-drainCtx.Done():
			r.recordError(models.RunError{
				SourceID: src.ID, Target: item.CanonicalURL, Stage: "classify",
				Err: fmt.Errorf("run canceled before classification: %w", drainCtx.Err()),
			})
			r.update(src.ID, func(s *models.SourceStats) { s.ItemsFailed++ })
		}
	}
}
