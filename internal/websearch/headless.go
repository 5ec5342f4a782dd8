package websearch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// headlessNavTimeout bounds a single headless navigation. Script-heavy
// pages that have not settled by then are extracted as-is.
const headlessNavTimeout = 15 * time.Second

// HeadlessFetcher renders pages in a headless browser before extraction.
// Needed for script-rendered pages where plain HTTP returns an empty
// shell. Costs one browser process; enable via WEB_HEADLESS.
type HeadlessFetcher struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	maxBytes int64
}

// NewHeadlessFetcher starts a shared browser allocator. Close releases it.
func NewHeadlessFetcher(maxBytes int64) *HeadlessFetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPageBytes
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &HeadlessFetcher{allocCtx: allocCtx, cancel: cancel, maxBytes: maxBytes}
}

// Fetch renders pageURL and extracts the main text from the settled DOM.
func (f *HeadlessFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	navCtx, cancelNav := context.WithTimeout(ctx, headlessNavTimeout)
	defer cancelNav()

	tabCtx, cancelTab := chromedp.NewContext(f.allocCtx)
	defer cancelTab()

	// Tie the tab's lifetime to the caller's deadline.
	go func() {
		<-navCtx.Done()
		cancelTab()
	}()

	var rendered string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &rendered),
	)
	if err != nil {
		return "", fmt.Errorf("headless fetch: %w", err)
	}

	raw := []byte(rendered)
	if int64(len(raw)) > f.maxBytes {
		raw = raw[:f.maxBytes]
	}
	return ExtractText(raw, pageURL)
}

// Close shuts down the shared browser allocator.
func (f *HeadlessFetcher) Close() {
	f.cancel()
}

// Ensure HeadlessFetcher implements Fetcher.
var _ Fetcher = (*HeadlessFetcher)(nil)
