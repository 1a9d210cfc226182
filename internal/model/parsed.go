package model

import "strings"

// ParsedPage is the visible text of one navigated page within a crawl.
type ParsedPage struct {
	URL     string
	Content string
}

// ParsedSource is the ordered working set of pages produced by one crawl.
// Pages are keyed by URL: revisiting a URL appends to the existing page
// instead of creating a duplicate entry.
type ParsedSource struct {
	URL   string
	Pages []*ParsedPage
}

// NewParsedSource creates an empty working set rooted at the source URL.
func NewParsedSource(url string) *ParsedSource {
	return &ParsedSource{URL: url}
}

// AddPage records content for a URL. Re-adding content for an already-seen
// URL appends it to that page, newline-joined, preserving the original
// page order.
func (ps *ParsedSource) AddPage(url, content string) {
	for _, p := range ps.Pages {
		if p.URL == url {
			if p.Content == "" {
				p.Content = content
			} else if content != "" {
				p.Content += "\n" + content
			}
			return
		}
	}
	ps.Pages = append(ps.Pages, &ParsedPage{URL: url, Content: content})
}

// Page returns the page for url, or nil.
func (ps *ParsedSource) Page(url string) *ParsedPage {
	for _, p := range ps.Pages {
		if p.URL == url {
			return p
		}
	}
	return nil
}

// Content joins all page texts in crawl order. This is the representation
// cached as the source snapshot and diffed on the next crawl.
func (ps *ParsedSource) Content() string {
	parts := make([]string, 0, len(ps.Pages))
	for _, p := range ps.Pages {
		parts = append(parts, p.Content)
	}
	return strings.Join(parts, "\n")
}

// Len returns the total character count across all pages.
func (ps *ParsedSource) Len() int {
	n := 0
	for _, p := range ps.Pages {
		n += len(p.Content)
	}
	return n
}
