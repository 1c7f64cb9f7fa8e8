package pipeline

import (
	"context"
	"time"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// sink drains classification outcomes into durable storage. It runs
// until the outcome channel closes, so the summary sees every item that
// made it past dedup, stored or not.
func (r *runState) sink(ctx context.Context, outcomes <-chan types.Outcome) {
	o := r.orchestrator
	scrapedAt := time.Now().UTC()

	for outcome := range outcomes {
		sourceID := outcome.Item.SourceID

		if outcome.Err != nil {
			r.recordError(models.RunError{
				SourceID: sourceID,
				Target:   outcome.Item.CanonicalURL,
				Stage:    "classify",
				Err:      outcome.Err,
			})
			r.update(sourceID, func(s *models.SourceStats) { s.ItemsFailed++ })
			continue
		}

		rec := models.Record(outcome.Item, outcome.Result, scrapedAt)
		if err := o.deps.Store.Upsert(ctx, rec); err != nil {
			r.recordError(models.RunError{
				SourceID: sourceID,
				Target:   outcome.Item.CanonicalURL,
				Stage:    "store",
				Err:      err,
			})
			r.update(sourceID, func(s *models.SourceStats) { s.ItemsFailed++ })
			continue
		}

		r.update(sourceID, func(s *models.SourceStats) { s.ItemsStored++ })
		o.logger.Debug("record stored",
			"source", sourceID,
			"fingerprint", rec.Fingerprint,
			"label", rec.Label,
			"score", rec.Score)
	}
}
