package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

type BrowserConfig struct {
	MaxTabs     int
	Timeout     time.Duration
	SettleDelay time.Duration // wait after body is ready, lets late scripts fill content
}

// Browser renders script-driven pages with a shared headless Chrome
// instance. One browser process is reused for the whole run; each
// render opens a tab. The tab pool is the rendered path's own
// concurrency bound, separate from the per-source static gates.
type Browser struct {
	config        BrowserConfig
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	slots         chan struct{}
}

var _ Renderer = (*Browser)(nil)

func NewBrowser(config BrowserConfig) (*Browser, error) {
	if config.MaxTabs == 0 {
		config.MaxTabs = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = 500 * time.Millisecond
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// Warm up the browser so the first render does not pay the startup cost.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start headless browser: %w", err)
	}

	return &Browser{
		config:        config,
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		slots:         make(chan struct{}, config.MaxTabs),
	}, nil
}

// Render loads the page in a fresh tab and captures the DOM once the
// body is ready and the settle delay has elapsed.
func (b *Browser) Render(ctx context.Context, target string) ([]byte, error) {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	runCtx, cancelRun := context.WithTimeout(tabCtx, b.config.Timeout)
	defer cancelRun()

	// Propagate caller cancellation into the chromedp context tree.
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()

	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.config.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return []byte(html), nil
}

func (b *Browser) Close() {
	b.cancelBrowser()
	b.cancelAlloc()
}
