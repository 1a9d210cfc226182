// Package enrich drops already-known postings and follows detail links to
// capture per-posting content.
package enrich

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/model"
)

// Dedup drops stubs whose title already exists among the source's recent
// postings. Titles compare exactly after trimming surrounding whitespace.
func Dedup(stubs []model.PostingStub, existing []model.Posting) []model.PostingStub {
	if len(existing) == 0 {
		return stubs
	}

	known := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		known[strings.TrimSpace(p.Title)] = struct{}{}
	}

	fresh := make([]model.PostingStub, 0, len(stubs))
	for _, s := range stubs {
		if _, ok := known[strings.TrimSpace(s.Title)]; ok {
			continue
		}
		fresh = append(fresh, s)
	}
	return fresh
}

// Detail is the outcome of following one posting's detail link. URL falls
// back to the listing page when no dedicated detail page was found.
type Detail struct {
	URL     string
	Content string
}

// Enricher opens detail pages in fresh tabs and captures their content as
// markdown.
type Enricher struct {
	browser      browser.Browser
	settleBudget time.Duration
	settlePoll   time.Duration
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithSettleBudget overrides the wall-clock budget for a detail click to
// take effect.
func WithSettleBudget(d time.Duration) Option {
	return func(e *Enricher) { e.settleBudget = d }
}

// WithSettlePoll overrides the polling interval while waiting for a click
// to take effect.
func WithSettlePoll(d time.Duration) Option {
	return func(e *Enricher) { e.settlePoll = d }
}

// NewEnricher creates an Enricher on top of a browser backend.
func NewEnricher(b browser.Browser, opts ...Option) *Enricher {
	e := &Enricher{
		browser:      b,
		settleBudget: 10 * time.Second,
		settlePoll:   500 * time.Millisecond,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich locates the element carrying title on the listing page and follows
// it. An anchor is navigated directly; anything else is clicked and the tab
// polled for a URL or body change. When the tab lands on a new URL its body is
// captured and converted to markdown. A title that cannot be found or a
// click that leads nowhere keeps the listing URL with no content.
func (e *Enricher) Enrich(ctx context.Context, listingURL, title string) (Detail, error) {
	detail := Detail{URL: listingURL}

	tab, err := e.browser.NewTab(ctx, listingURL)
	if err != nil {
		return detail, eris.Wrapf(err, "enrich: open %s", listingURL)
	}
	defer func() { _ = tab.Close() }()

	if err := tab.WaitLoaded(ctx); err != nil {
		return detail, eris.Wrapf(err, "enrich: load %s", listingURL)
	}

	el, err := tab.FindByText(ctx, title)
	if err != nil {
		if errors.Is(err, browser.ErrNoElement) {
			zap.L().Debug("enrich: title not found on listing",
				zap.String("url", listingURL),
				zap.String("title", title))
			return detail, nil
		}
		return detail, eris.Wrapf(err, "enrich: locate %q", title)
	}

	if el.IsAnchor() && el.Href != "" {
		next, resolveErr := resolveHref(listingURL, el.Href)
		if resolveErr != nil {
			return detail, nil
		}
		if err := tab.Navigate(ctx, next); err != nil {
			return detail, nil
		}
		if err := tab.WaitLoaded(ctx); err != nil {
			return detail, nil
		}
	} else if !e.clickAndSettle(ctx, tab, title, listingURL) {
		return detail, nil
	}

	current, err := tab.CurrentURL(ctx)
	if err != nil || current == listingURL {
		return detail, nil
	}

	html, err := tab.HTML(ctx, "body")
	if err != nil {
		return detail, nil
	}
	markdown, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return detail, eris.Wrap(err, "enrich: convert detail page")
	}

	detail.URL = current
	detail.Content = markdown
	return detail, nil
}

func (e *Enricher) clickAndSettle(ctx context.Context, tab browser.Session, title, preURL string) bool {
	preBody, _ := tab.Text(ctx, "body")
	if err := tab.ClickByText(ctx, title); err != nil {
		return false
	}

	deadline := time.Now().Add(e.settleBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.settlePoll):
		}

		cur, err := tab.CurrentURL(ctx)
		if err == nil && cur != preURL {
			return true
		}
		body, err := tab.Text(ctx, "body")
		if err == nil && body != preBody {
			return true
		}
	}
	return false
}

// resolveHref resolves href against the scheme+host of pageURL with path
// and query stripped, matching how pagination links are resolved.
func resolveHref(pageURL, href string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", eris.Wrap(err, "enrich: parse listing url")
	}
	base := &url.URL{Scheme: u.Scheme, Host: u.Host}
	next, err := base.Parse(href)
	if err != nil {
		return "", eris.Wrap(err, "enrich: resolve detail href")
	}
	return next.String(), nil
}
