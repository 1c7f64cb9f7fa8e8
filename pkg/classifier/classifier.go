package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/mfaure/toxiscan/internal/models"
	"github.com/mfaure/toxiscan/internal/types"
)

// ClassificationError is item-scoped. A failed item stays absent from
// storage and is picked up again on the next run.
type ClassificationError struct {
	Fingerprint string
	Reason      string
	Err         error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %s", e.Fingerprint, e.Reason)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

type ClientConfig struct {
	Endpoint      string // full URL of the classification service's classify route
	ModelVersion  string // stamped on results when the service omits one
	MaxBatchSize  int
	BatchWindow   time.Duration
	Timeout       time.Duration
	RetryAttempts int
	BackoffBase   time.Duration
	Logger        *slog.Logger
}

// Client talks to the external toxicity classification service. Texts
// are accumulated until the batch is full or the window elapses,
// whichever comes first, to amortize the call's fixed overhead against
// the bursty arrival rate of many concurrent sources.
type Client struct {
	config ClientConfig
	http   *http.Client
	logger *slog.Logger
}

var _ types.Classifier = (*Client)(nil)

func NewWithConfig(config ClientConfig) *Client {
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 16
	}
	if config.BatchWindow == 0 {
		config.BatchWindow = 2 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

type classifyRequest struct {
	Texts []string `json:"texts"`
}

type prediction struct {
	Label string   `json:"label"`
	Score *float64 `json:"score"`
	Model string   `json:"model,omitempty"`
}

// Classify scores one batch. It always produces exactly one outcome per
// input item. A batch-level failure falls back to bounded per-item
// retries so one poisoned text cannot sink its whole batch.
func (c *Client) Classify(ctx context.Context, batch []models.ContentItem) []types.Outcome {
	if len(batch) == 0 {
		return nil
	}

	preds, err := c.call(ctx, texts(batch))
	if err == nil {
		return c.mapOutcomes(batch, preds)
	}

	c.logger.Warn("batch classification failed, falling back to per-item retries",
		"batch_size", len(batch), "err", err)

	outcomes := make([]types.Outcome, 0, len(batch))
	for _, item := range batch {
		outcomes = append(outcomes, c.classifyOne(ctx, item))
	}
	return outcomes
}

func (c *Client) classifyOne(ctx context.Context, item models.ContentItem) types.Outcome {
	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}

		preds, err := c.call(ctx, []string{item.Body})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		out := c.mapOutcomes([]models.ContentItem{item}, preds)
		return out[0]
	}

	return types.Outcome{Item: item, Err: &ClassificationError{
		Fingerprint: item.Fingerprint,
		Reason:      "classification service unavailable",
		Err:         lastErr,
	}}
}

// mapOutcomes pairs predictions with items positionally and enforces
// the score contract: a missing or out-of-range score is an error for
// that item, never coerced.
func (c *Client) mapOutcomes(batch []models.ContentItem, preds []prediction) []types.Outcome {
	outcomes := make([]types.Outcome, 0, len(batch))
	now := time.Now().UTC()

	for i, item := range batch {
		pred := preds[i]

		if pred.Score == nil {
			outcomes = append(outcomes, types.Outcome{Item: item, Err: &ClassificationError{
				Fingerprint: item.Fingerprint,
				Reason:      "missing score",
			}})
			continue
		}
		if *pred.Score < 0 || *pred.Score > 1 {
			outcomes = append(outcomes, types.Outcome{Item: item, Err: &ClassificationError{
				Fingerprint: item.Fingerprint,
				Reason:      fmt.Sprintf("score %v out of range", *pred.Score),
			}})
			continue
		}

		version := pred.Model
		if version == "" {
			version = c.config.ModelVersion
		}

		outcomes = append(outcomes, types.Outcome{
			Item: item,
			Result: models.ClassificationResult{
				Fingerprint:  item.Fingerprint,
				Label:        pred.Label,
				Score:        *pred.Score,
				ModelVersion: version,
				ClassifiedAt: now,
			},
		})
	}
	return outcomes
}

func (c *Client) call(ctx context.Context, texts []string) ([]prediction, error) {
	body, err := json.Marshal(classifyRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var preds []prediction
	if err := json.NewDecoder(resp.Body).Decode(&preds); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(preds) != len(texts) {
		return nil, fmt.Errorf("expected %d predictions, got %d", len(texts), len(preds))
	}

	return preds, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := c.config.BackoffBase << (attempt - 1)
	delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func texts(batch []models.ContentItem) []string {
	out := make([]string, len(batch))
	for i, item := range batch {
		out[i] = item.Body
	}
	return out
}
