// Package browser abstracts the browser-automation surface the crawler
// consumes: open a tab, read text or HTML for a selector, follow or click
// pagination targets. Implementations own their tab handle end-to-end; a
// session is never shared across source pipelines.
package browser

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNoElement is returned when a selector or text lookup matches nothing.
// Callers treat it as "no more content", not as a failure.
var ErrNoElement = eris.New("browser: no matching element")

// ErrNotSupported is returned by sessions that cannot perform an
// interaction (e.g. clicking inside a static document).
var ErrNotSupported = eris.New("browser: operation not supported")

// Element describes a matched DOM node as far as navigation needs it.
type Element struct {
	// Tag is the lowercase element name, e.g. "a" or "button".
	Tag string
	// Href is the raw href attribute for anchors, empty otherwise.
	Href string
}

// IsAnchor reports whether the element is a link with a target.
func (e *Element) IsAnchor() bool {
	return e != nil && e.Tag == "a" && e.Href != ""
}

// Browser opens automation sessions.
type Browser interface {
	// NewTab opens a fresh tab already navigated to url.
	NewTab(ctx context.Context, url string) (Session, error)
}

// Session drives a single tab.
type Session interface {
	// Navigate loads url in this tab.
	Navigate(ctx context.Context, url string) error
	// WaitLoaded blocks until the current navigation has settled.
	WaitLoaded(ctx context.Context) error
	// CurrentURL returns the tab's current location.
	CurrentURL(ctx context.Context) (string, error)
	// HeadHTML returns the outer HTML of the document head.
	HeadHTML(ctx context.Context) (string, error)
	// Text returns the visible text of the first node matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// HTML returns the outer HTML of the first node matching selector.
	HTML(ctx context.Context, selector string) (string, error)
	// Element describes the first node matching selector.
	Element(ctx context.Context, selector string) (*Element, error)
	// Click clicks the first node matching selector.
	Click(ctx context.Context, selector string) error
	// FindByText returns the first element whose text contains text.
	FindByText(ctx context.Context, text string) (*Element, error)
	// ClickByText clicks the first element whose text contains text.
	ClickByText(ctx context.Context, text string) error
	// Close releases the tab.
	Close() error
}
