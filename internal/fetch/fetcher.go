// Package fetch crawls a source's listing pages through a browser session,
// following pagination until the content stops changing.
package fetch

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/internal/resilience"
)

// rawContentHead is the head Chromium synthesizes for bare JSON/text
// responses. When it matches, the body is the entire single-page result and
// pagination is skipped.
const rawContentHead = `<head><meta name="color-scheme" content="light dark"></head>`

const defaultSelector = "body"

// ErrUnreachable marks a source whose initial navigation failed. The
// caller marks the source unreachable and moves on; sibling sources are
// unaffected.
var ErrUnreachable = eris.New("fetch: source unreachable")

// Fetcher drives one browser session per crawl.
type Fetcher struct {
	browser      browser.Browser
	settleBudget time.Duration
	settlePoll   time.Duration
	retry        resilience.RetryConfig
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithSettleBudget overrides the wall-clock budget for click-driven
// pagination to take effect.
func WithSettleBudget(d time.Duration) Option {
	return func(f *Fetcher) { f.settleBudget = d }
}

// WithSettlePoll overrides the polling interval used while waiting for a
// click to take effect.
func WithSettlePoll(d time.Duration) Option {
	return func(f *Fetcher) { f.settlePoll = d }
}

// WithRetry overrides the retry policy for the initial navigation.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(f *Fetcher) { f.retry = cfg }
}

// New creates a Fetcher on top of a browser backend.
func New(b browser.Browser, opts ...Option) *Fetcher {
	f := &Fetcher{
		browser:      b,
		settleBudget: 10 * time.Second,
		settlePoll:   500 * time.Millisecond,
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Second,
			// Navigation errors carry no status code, so any failure of
			// the first load earns the second attempt.
			ShouldRetry: func(error) bool { return true },
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch crawls src and returns the ordered page set. Navigation failure on
// the source URL returns ErrUnreachable; pagination dead-ends terminate the
// crawl without error.
func (f *Fetcher) Fetch(ctx context.Context, src model.Source) (*model.ParsedSource, error) {
	retry := f.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("browser", "open "+src.URL)
	}
	tab, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (browser.Session, error) {
		return f.openTab(ctx, src.URL)
	})
	if err != nil {
		return nil, eris.Wrapf(ErrUnreachable, "fetch: open %s: %v", src.URL, err)
	}
	defer func() { _ = tab.Close() }()

	ps := model.NewParsedSource(src.URL)

	// Bare JSON/text responses carry no markup to paginate through.
	head, err := tab.HeadHTML(ctx)
	if err == nil && head == rawContentHead {
		body, textErr := tab.Text(ctx, defaultSelector)
		if textErr != nil {
			return nil, eris.Wrap(textErr, "fetch: raw body")
		}
		ps.AddPage(src.URL, body)
		return ps, nil
	}

	selector := src.Selector
	if selector == "" {
		selector = defaultSelector
	}

	// Iterative pagination walk carrying the previous page's content for
	// cycle detection.
	prev := ""
	for {
		pageURL, err := tab.CurrentURL(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "fetch: current url")
		}

		content, err := tab.Text(ctx, selector)
		if err != nil {
			if errors.Is(err, browser.ErrNoElement) {
				break
			}
			return nil, eris.Wrapf(err, "fetch: extract %s", selector)
		}

		if content == prev {
			zap.L().Debug("fetch: pagination cycle detected", zap.String("url", pageURL))
			break
		}

		ps.AddPage(pageURL, content)
		prev = content

		if src.Pagination == "" {
			break
		}

		el, err := tab.Element(ctx, src.Pagination)
		if err != nil {
			if errors.Is(err, browser.ErrNoElement) {
				break
			}
			return nil, eris.Wrapf(err, "fetch: pagination %s", src.Pagination)
		}

		if el.IsAnchor() {
			next, resolveErr := resolveAgainstBase(pageURL, el.Href)
			if resolveErr != nil {
				break
			}
			if err := tab.Navigate(ctx, next); err != nil {
				break
			}
			if err := tab.WaitLoaded(ctx); err != nil {
				break
			}
			continue
		}

		if !f.clickAndSettle(ctx, tab, src.Pagination, pageURL) {
			break
		}
	}

	return ps, nil
}

// openTab opens a fresh tab on url and waits for the initial load, closing
// the tab again when the load fails so retries start clean.
func (f *Fetcher) openTab(ctx context.Context, url string) (browser.Session, error) {
	tab, err := f.browser.NewTab(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := tab.WaitLoaded(ctx); err != nil {
		_ = tab.Close()
		return nil, err
	}
	return tab, nil
}

// clickAndSettle clicks the pagination element and polls until the tab's
// URL or body text changes, up to the settle budget. Returns false when the
// click had no observable effect.
func (f *Fetcher) clickAndSettle(ctx context.Context, tab browser.Session, selector, preURL string) bool {
	preBody, _ := tab.Text(ctx, defaultSelector)
	if err := tab.Click(ctx, selector); err != nil {
		return false
	}

	deadline := time.Now().Add(f.settleBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.settlePoll):
		}

		cur, err := tab.CurrentURL(ctx)
		if err == nil && cur != preURL {
			return true
		}
		body, err := tab.Text(ctx, defaultSelector)
		if err == nil && body != preBody {
			return true
		}
	}
	return false
}

// resolveAgainstBase resolves href against the scheme+host of pageURL with
// path and query stripped, so relative pagination links resolve from the
// site root.
func resolveAgainstBase(pageURL, href string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", eris.Wrap(err, "fetch: parse page url")
	}
	base := &url.URL{Scheme: u.Scheme, Host: u.Host}
	next, err := base.Parse(href)
	if err != nil {
		return "", eris.Wrap(err, "fetch: resolve pagination href")
	}
	return next.String(), nil
}
