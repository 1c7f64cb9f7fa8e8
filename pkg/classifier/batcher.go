package classifier

import (
	"context"
	"time"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// Pump consumes items from in, accumulates size-or-timeout batches, and
// emits one outcome per item on out. It returns once in is closed and
// the final batch has been flushed.
//
// ctx bounds the classification calls, not the draining: when ctx is
// canceled, buffered and remaining items are emitted as failed outcomes
// so the run summary still accounts for every item in flight.
func (c *Client) Pump(ctx context.Context, in <-chan models.ContentItem, out chan<- types.Outcome) {
	for {
		batch, open := c.collect(ctx, in)

		if ctx.Err() != nil {
			c.failRemaining(ctx, batch, in, out)
			return
		}

		for _, outcome := range c.Classify(ctx, batch) {
			out <- outcome
		}

		if !open {
			return
		}
	}
}

// collect blocks for the first item, then fills the batch until it is
// full or the batching window elapses. The window timer only starts
// once the batch has something in it, so an idle pipeline burns no
// timers.
func (c *Client) collect(ctx context.Context, in <-chan models.ContentItem) ([]models.ContentItem, bool) {
	batch := make([]models.ContentItem, 0, c.config.MaxBatchSize)

	select {
	case item, ok := <-in:
		if !ok {
			return batch, false
		}
		batch = append(batch, item)
	case <-ctx.Done():
		return batch, true
	}

	timer := time.NewTimer(c.config.BatchWindow)
	defer timer.Stop()

	for len(batch) < c.config.MaxBatchSize {
		select {
		case item, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, item)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

// failRemaining accounts for everything still in flight after a hard
// cancellation: the partial batch plus whatever producers already
// queued before the channel closes.
func (c *Client) failRemaining(ctx context.Context, batch []models.ContentItem, in <-chan models.ContentItem, out chan<- types.Outcome) {
	emit := func(item models.ContentItem) {
		out <- types.Outcome{Item: item, Err: &ClassificationError{
			Fingerprint: item.Fingerprint,
			Reason:      "run canceled before classification",
			Err:         ctx.Err(),
		}}
	}

	for _, item := range batch {
		emit(item)
	}
	for item := range in {
		emit(item)
	}
}
