// Package diff isolates the content a crawl added relative to the cached
// source snapshot.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/jobfeed/jobfeed/internal/model"
)

// pageRange is the half-open character range a page occupies within the
// concatenated crawl content.
type pageRange struct {
	url        string
	start, end int
}

// NewContent diffs the current crawl against the cached snapshot and returns
// only the inserted lines, attributed back to the page they appeared on.
// Lines from the same page are grouped into one entry, newline-joined, in
// crawl order. An empty snapshot means the entire crawl is new.
func NewContent(ps *model.ParsedSource, cached string) *model.ParsedSource {
	current := ps.Content()

	// Character ranges per page within the concatenation. Pages are joined
	// with a single newline, so each successor starts one past the
	// predecessor's end.
	ranges := make([]pageRange, 0, len(ps.Pages))
	offset := 0
	for _, p := range ps.Pages {
		ranges = append(ranges, pageRange{url: p.URL, start: offset, end: offset + len(p.Content)})
		offset += len(p.Content) + 1
	}

	oldLines := difflib.SplitLines(cached)
	newLines := difflib.SplitLines(current)

	// Cumulative character offset of each line of the current content.
	lineOffsets := make([]int, len(newLines))
	pos := 0
	for i, line := range newLines {
		lineOffsets[i] = pos
		pos += len(line)
	}

	fresh := model.NewParsedSource(ps.URL)
	matcher := difflib.NewMatcher(oldLines, newLines)
	for _, op := range matcher.GetOpCodes() {
		if op.Tag != 'i' && op.Tag != 'r' {
			continue
		}
		for j := op.J1; j < op.J2; j++ {
			line := strings.TrimRight(newLines[j], "\n")
			if line == "" {
				continue
			}
			fresh.AddPage(attribute(ranges, lineOffsets[j], ps.URL), line)
		}
	}
	return fresh
}

// attribute maps a character offset of the concatenated content to the page
// containing it, falling back to the source root URL. The fallback covers
// synthetic single-page diffs where no range matches.
func attribute(ranges []pageRange, offset int, rootURL string) string {
	for _, r := range ranges {
		if offset >= r.start && offset < r.end {
			return r.url
		}
	}
	return rootURL
}

// LimitContent walks pages in order keeping a running character total and
// returns a copy containing only the pages that fit within max. A page is
// never truncated: it is included whole or dropped entirely.
func LimitContent(ps *model.ParsedSource, max int) *model.ParsedSource {
	limited := model.NewParsedSource(ps.URL)
	total := 0
	for _, p := range ps.Pages {
		if total+len(p.Content) > max {
			continue
		}
		limited.AddPage(p.URL, p.Content)
		total += len(p.Content)
	}
	return limited
}
