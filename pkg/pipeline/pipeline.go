// Package pipeline is the ingestion orchestrator: it runs one pipeline
// per configured source concurrently and pumps their items through
// dedup, classification, and storage behind bounded queues.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// StrategyResolver hands out the extraction strategy for a source id.
type StrategyResolver interface {
	Resolve(sourceID string) (types.Strategy, error)
}

// ClassifierPump consumes items, batches them, and emits one outcome
// per item. It must return once in is closed, and must keep emitting
// (as failures) after cancellation so nothing goes unaccounted.
type ClassifierPump interface {
	Pump(ctx context.Context, in <-chan models.ContentItem, out chan<- types.Outcome)
}

type Deps struct {
	Fetcher    types.Fetcher
	Strategies StrategyResolver
	Deduper    types.Deduper
	Classifier ClassifierPump
	Store      types.RecordStore
	Logger     *slog.Logger
}

type Config struct {
	QueueSize   int
	Deadline    time.Duration // 0 = no run deadline
	GracePeriod time.Duration // drain window after cancellation
	OnProgress  func(sourceID, target string)
}

// Orchestrator owns the source pipelines for the lifetime of a run.
type Orchestrator struct {
	config Config
	deps   Deps
	logger *slog.Logger
}

func New(config Config, deps Deps) *Orchestrator {
	if config.QueueSize == 0 {
		config.QueueSize = 64
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Orchestrator{config: config, deps: deps, logger: logger}
}

// Run executes one ingestion run across the given sources and blocks
// until every in-flight item is accounted for in the returned summary.
// It fails fast only on misconfiguration; per-source failures are
// isolated and reported, never fatal.
func (o *Orchestrator) Run(ctx context.Context, sources []models.Source) (*models.RunSummary, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	ids := make(map[string]bool, len(sources))
	for _, src := range sources {
		if src.ID == "" {
			return nil, fmt.Errorf("source with empty id")
		}
		if ids[src.ID] {
			return nil, fmt.Errorf("duplicate source id: %s", src.ID)
		}
		ids[src.ID] = true
	}

	runCtx := ctx
	if o.config.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.config.Deadline)
		defer cancel()
	}

	// The drain context outlives run cancellation by the grace period:
	// fetchers stop at the run deadline, while classification and
	// storage get the grace window to flush what is already in flight.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	stopGrace := context.AfterFunc(runCtx, func() {
		timer := time.AfterFunc(o.config.GracePeriod, cancelDrain)
		// The timer either fires or the process exits with the run.
		_ = timer
	})
	defer stopGrace()

	run := &runState{
		orchestrator: o,
		summary:      &models.RunSummary{StartedAt: time.Now().UTC()},
	}

	items := make(chan models.ContentItem, o.config.QueueSize)
	outcomes := make(chan types.Outcome, o.config.QueueSize)

	var producers errgroup.Group
	for _, src := range sources {
		src := src
		run.summary.Stats(src.ID) // every source shows up, even if it yields nothing
		producers.Go(func() error {
			run.runSource(runCtx, drainCtx, src, items)
			return nil
		})
	}

	go func() {
		_ = producers.Wait()
		close(items)
	}()

	go func() {
		o.deps.Classifier.Pump(drainCtx, items, outcomes)
		close(outcomes)
	}()

	run.sink(drainCtx, outcomes)

	run.summary.FinishedAt = time.Now().UTC()
	return run.summary, nil
}
