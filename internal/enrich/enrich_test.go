package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/model"
)

func TestDedup_DropsKnownTitles(t *testing.T) {
	stubs := []model.PostingStub{
		{Title: "Backend Engineer"},
		{Title: "Product Designer "},
		{Title: "Office Manager"},
	}
	existing := []model.Posting{
		{Title: "Product Designer"},
		{Title: "Data Scientist"},
	}

	fresh := Dedup(stubs, existing)
	require.Len(t, fresh, 2)
	assert.Equal(t, "Backend Engineer", fresh[0].Title)
	assert.Equal(t, "Office Manager", fresh[1].Title)
}

func TestDedup_NoExistingKeepsAll(t *testing.T) {
	stubs := []model.PostingStub{{Title: "A"}, {Title: "B"}}
	assert.Equal(t, stubs, Dedup(stubs, nil))
}

// fakeTab scripts a listing page plus one optional detail page.
type fakeTab struct {
	url           string
	bodyText      string
	element       *browser.Element
	detailURL     string
	detailHTML    string
	clickMoves    bool
	clickRewrites bool // click swaps body text without leaving the page
}

func (s *fakeTab) Navigate(_ context.Context, url string) error {
	if url != s.detailURL {
		return eris.Errorf("no page for %s", url)
	}
	s.url = url
	return nil
}

func (s *fakeTab) WaitLoaded(context.Context) error { return nil }

func (s *fakeTab) CurrentURL(context.Context) (string, error) { return s.url, nil }

func (s *fakeTab) HeadHTML(context.Context) (string, error) { return "", nil }

func (s *fakeTab) Text(context.Context, string) (string, error) { return s.bodyText, nil }

func (s *fakeTab) HTML(_ context.Context, _ string) (string, error) {
	if s.url == s.detailURL {
		return s.detailHTML, nil
	}
	return "<div>listing</div>", nil
}

func (s *fakeTab) Element(context.Context, string) (*browser.Element, error) {
	return nil, browser.ErrNoElement
}

func (s *fakeTab) Click(context.Context, string) error { return nil }

func (s *fakeTab) FindByText(context.Context, string) (*browser.Element, error) {
	if s.element == nil {
		return nil, browser.ErrNoElement
	}
	return s.element, nil
}

func (s *fakeTab) ClickByText(context.Context, string) error {
	if s.clickMoves {
		s.url = s.detailURL
	}
	if s.clickRewrites {
		s.bodyText = "rewritten in place"
	}
	return nil
}

func (s *fakeTab) Close() error { return nil }

type fakeBrowser struct{ tab *fakeTab }

func (b *fakeBrowser) NewTab(_ context.Context, url string) (browser.Session, error) {
	b.tab.url = url
	return b.tab, nil
}

func newEnricher(tab *fakeTab) *Enricher {
	return NewEnricher(&fakeBrowser{tab: tab},
		WithSettleBudget(50*time.Millisecond),
		WithSettlePoll(10*time.Millisecond))
}

func TestEnrich_AnchorNavigatesAndConverts(t *testing.T) {
	tab := &fakeTab{
		element:    &browser.Element{Tag: "a", Href: "/jobs/42"},
		detailURL:  "https://acme.com/jobs/42",
		detailHTML: "<h1>Backend Engineer</h1><p>Build Go services.</p>",
	}

	detail, err := newEnricher(tab).Enrich(context.Background(), "https://acme.com/jobs", "Backend Engineer")
	require.NoError(t, err)

	assert.Equal(t, "https://acme.com/jobs/42", detail.URL)
	assert.Contains(t, detail.Content, "# Backend Engineer")
	assert.Contains(t, detail.Content, "Build Go services.")
}

func TestEnrich_ClickFollowsURLChange(t *testing.T) {
	tab := &fakeTab{
		element:    &browser.Element{Tag: "div"},
		detailURL:  "https://acme.com/jobs/7",
		detailHTML: "<p>Detail body</p>",
		clickMoves: true,
	}

	detail, err := newEnricher(tab).Enrich(context.Background(), "https://acme.com/jobs", "Designer")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/jobs/7", detail.URL)
	assert.Contains(t, detail.Content, "Detail body")
}

func TestEnrich_TitleNotFoundKeepsListingURL(t *testing.T) {
	tab := &fakeTab{}

	detail, err := newEnricher(tab).Enrich(context.Background(), "https://acme.com/jobs", "Ghost Role")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/jobs", detail.URL)
	assert.Empty(t, detail.Content)
}

func TestEnrich_IneffectiveClickKeepsListingURL(t *testing.T) {
	tab := &fakeTab{
		element:    &browser.Element{Tag: "span"},
		clickMoves: false,
	}

	detail, err := newEnricher(tab).Enrich(context.Background(), "https://acme.com/jobs", "Designer")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/jobs", detail.URL)
	assert.Empty(t, detail.Content)
}

func TestClickAndSettle_BodyChangeCountsAsSettled(t *testing.T) {
	tab := &fakeTab{url: "https://acme.com/jobs", bodyText: "listing", clickRewrites: true}
	e := newEnricher(tab)

	assert.True(t, e.clickAndSettle(context.Background(), tab, "Designer", "https://acme.com/jobs"))
}

func TestClickAndSettle_NoChangeTimesOut(t *testing.T) {
	tab := &fakeTab{url: "https://acme.com/jobs", bodyText: "listing"}
	e := newEnricher(tab)

	assert.False(t, e.clickAndSettle(context.Background(), tab, "Designer", "https://acme.com/jobs"))
}

func TestEnrich_RelativeHrefResolvesAgainstSiteRoot(t *testing.T) {
	tab := &fakeTab{
		element:    &browser.Element{Tag: "a", Href: "careers/detail?id=9"},
		detailURL:  "https://acme.com/careers/detail?id=9",
		detailHTML: "<p>Role</p>",
	}

	detail, err := newEnricher(tab).Enrich(context.Background(), "https://acme.com/careers/list", "Role")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/careers/detail?id=9", detail.URL)
}
