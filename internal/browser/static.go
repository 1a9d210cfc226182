package browser

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

const maxDocumentBytes = 2 * 1024 * 1024

// StaticBrowser implements Browser over plain HTTP. It renders nothing:
// each navigation fetches the document once and parses it. Scripted pages
// and click-driven pagination need a real automation backend; static
// sources (the common case for listing pages) work as-is, and Click
// reports ErrNotSupported so the crawler can stop cleanly.
type StaticBrowser struct {
	client *http.Client
}

// NewStaticBrowser creates a StaticBrowser with conservative timeouts.
func NewStaticBrowser() *StaticBrowser {
	return &StaticBrowser{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// NewTab opens a session and navigates it to url.
func (b *StaticBrowser) NewTab(ctx context.Context, url string) (Session, error) {
	s := &staticSession{client: b.client}
	if err := s.Navigate(ctx, url); err != nil {
		return nil, err
	}
	return s, nil
}

type staticSession struct {
	client *http.Client
	url    string
	doc    *goquery.Document
}

func (s *staticSession) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "browser: create request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; JobfeedBot/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "browser: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return eris.Errorf("browser: status %d fetching %s", resp.StatusCode, url)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return eris.Wrap(err, "browser: parse document")
	}

	s.url = url
	s.doc = doc
	return nil
}

// WaitLoaded is a no-op: a static document is settled once parsed.
func (s *staticSession) WaitLoaded(context.Context) error { return nil }

func (s *staticSession) CurrentURL(context.Context) (string, error) {
	return s.url, nil
}

func (s *staticSession) HeadHTML(context.Context) (string, error) {
	head := s.doc.Find("head").First()
	if head.Length() == 0 {
		return "", nil
	}
	html, err := goquery.OuterHtml(head)
	if err != nil {
		return "", eris.Wrap(err, "browser: head html")
	}
	return html, nil
}

func (s *staticSession) Text(_ context.Context, selector string) (string, error) {
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", ErrNoElement
	}
	return normalizeText(sel.Text()), nil
}

func (s *staticSession) HTML(_ context.Context, selector string) (string, error) {
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", ErrNoElement
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", eris.Wrap(err, "browser: outer html")
	}
	return html, nil
}

func (s *staticSession) Element(_ context.Context, selector string) (*Element, error) {
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, ErrNoElement
	}
	href, _ := sel.Attr("href")
	return &Element{Tag: goquery.NodeName(sel), Href: href}, nil
}

func (s *staticSession) Click(_ context.Context, selector string) error {
	if s.doc.Find(selector).Length() == 0 {
		return ErrNoElement
	}
	return ErrNotSupported
}

func (s *staticSession) FindByText(_ context.Context, text string) (*Element, error) {
	// Anchors first: a posting title inside a link gives us a detail URL.
	anchors := s.doc.Find("a").FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return strings.Contains(sel.Text(), text)
	})
	if anchors.Length() > 0 {
		// The last match is the innermost when anchors nest.
		href, _ := anchors.Last().Attr("href")
		return &Element{Tag: "a", Href: href}, nil
	}

	var found *Element
	s.doc.Find("body *").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() == 0 && strings.Contains(sel.Text(), text) {
			found = &Element{Tag: goquery.NodeName(sel)}
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNoElement
	}
	return found, nil
}

func (s *staticSession) ClickByText(ctx context.Context, text string) error {
	if _, err := s.FindByText(ctx, text); err != nil {
		return err
	}
	return ErrNotSupported
}

func (s *staticSession) Close() error { return nil }

var (
	spaceRe   = regexp.MustCompile(`[ \t]+`)
	newlineRe = regexp.MustCompile(`\n{3,}`)
)

// normalizeText collapses runs of spaces and blank lines so that repeated
// extractions of the same document compare equal.
func normalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(l, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(newlineRe.ReplaceAllString(text, "\n\n"))
}
