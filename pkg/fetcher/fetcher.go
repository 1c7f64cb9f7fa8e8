package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mfaure/toxiscan/internal/models"
)

// Renderer captures a page after scripts have run. Implementations keep
// their own concurrency pool so rendering never starves static fetches.
type Renderer interface {
	Render(ctx context.Context, target string) ([]byte, error)
}

type FetcherConfig struct {
	Timeout        time.Duration
	RetryAttempts  int           // attempts per target, including the first
	BackoffBase    time.Duration // doubled per attempt, with jitter
	UserAgent      string
	AcceptLanguage string
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

// Fetcher retrieves pages for all sources. Each source gets its own
// token-bucket limiter and in-flight slot pool, built lazily on first
// fetch, so high orchestrator concurrency can never exceed a source's
// configured rates.
type Fetcher struct {
	config   FetcherConfig
	client   *http.Client
	renderer Renderer
	logger   *slog.Logger

	mu    sync.Mutex
	gates map[string]*sourceGate
}

type sourceGate struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

func NewWithConfig(config FetcherConfig, renderer Renderer) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 600 * time.Millisecond
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if config.AcceptLanguage == "" {
		config.AcceptLanguage = "fr-FR,fr;q=0.9,en;q=0.8"
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 8 << 20
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Fetcher{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		renderer: renderer,
		logger:   logger,
		gates:    make(map[string]*sourceGate),
	}
}

func New() *Fetcher {
	return NewWithConfig(FetcherConfig{}, nil)
}

func (f *Fetcher) gate(source models.Source) *sourceGate {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.gates[source.ID]
	if !ok {
		burst := source.Burst
		if burst < 1 {
			burst = 1
		}
		maxConc := source.MaxConcurrency
		if maxConc < 1 {
			maxConc = 1
		}
		g = &sourceGate{
			limiter: rate.NewLimiter(rate.Limit(source.RatePerSec), burst),
			slots:   make(chan struct{}, maxConc),
		}
		f.gates[source.ID] = g
	}
	return g
}

// Fetch retrieves one page for a source. Transient failures are retried
// with exponential backoff and jitter up to the configured attempt
// count; the limiter is consulted before every attempt so retries never
// bypass the source's rate limit.
func (f *Fetcher) Fetch(ctx context.Context, source models.Source, target string) (*models.RawPage, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: KindBadURL, Retryable: false,
			Err: fmt.Errorf("malformed URL"),
		}
	}

	g := f.gate(source)
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	case <-ctx.Done():
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: KindTimeout, Retryable: false, Err: ctx.Err(),
		}
	}

	var lastErr *FetchError
	for attempt := 0; attempt < f.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := f.sleepBackoff(ctx, attempt); err != nil {
				return nil, lastErr
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{
				SourceID: source.ID, Target: target,
				Kind: KindTimeout, Retryable: false, Err: err,
			}
		}

		page, ferr := f.fetchOnce(ctx, source, target)
		if ferr == nil {
			return page, nil
		}

		lastErr = ferr
		if !ferr.Retryable || ctx.Err() != nil {
			return nil, ferr
		}
		f.logger.Warn("fetch retry",
			"source", source.ID, "target", target,
			"attempt", attempt+1, "kind", string(ferr.Kind), "err", ferr.Err)
	}

	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, source models.Source, target string) (*models.RawPage, *FetchError) {
	if source.Strategy == models.StrategyRendered {
		return f.renderOnce(ctx, source, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: KindBadURL, Retryable: false, Err: err,
		}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept-Language", f.config.AcceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			kind = KindTimeout
		}
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: kind, Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind:      KindStatus,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: KindNetwork, Retryable: true, Err: err,
		}
	}

	return &models.RawPage{
		SourceID:   source.ID,
		URL:        target,
		Body:       body,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (f *Fetcher) renderOnce(ctx context.Context, source models.Source, target string) (*models.RawPage, *FetchError) {
	if f.renderer == nil {
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: KindRender, Retryable: false,
			Err: fmt.Errorf("no renderer configured for rendered source"),
		}
	}

	body, err := f.renderer.Render(ctx, target)
	if err != nil {
		kind := KindRender
		retryable := true
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		if errors.Is(err, context.Canceled) {
			retryable = false
		}
		return nil, &FetchError{
			SourceID: source.ID, Target: target,
			Kind: kind, Retryable: retryable, Err: err,
		}
	}

	return &models.RawPage{
		SourceID:   source.ID,
		URL:        target,
		Body:       body,
		StatusCode: http.StatusOK,
		Rendered:   true,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (f *Fetcher) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := f.config.BackoffBase << (attempt - 1)
	// Full jitter keeps concurrent retries from synchronizing.
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

// Mirrors the status set a polite scraper retries on.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
