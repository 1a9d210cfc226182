package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/internal/store"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

// fakeStore is an in-memory Store capturing writes for assertions.
type fakeStore struct {
	mu sync.Mutex

	sources  []model.Source
	filters  []model.Filter
	settings *model.Settings
	existing []model.Posting
	liked    []model.Embedding
	disliked []model.Embedding

	savedPostings [][]model.Posting
	savedVectors  [][][]float32
	snapshots     map[int64]snapshotUpdate
	extractions   []extractionRecord
}

type snapshotUpdate struct {
	content     string
	unreachable bool
}

type extractionRecord struct {
	sourceID int64
	model    string
	usage    model.TokenUsage
	cost     float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[int64]snapshotUpdate)}
}

func (f *fakeStore) FindActiveSources(context.Context) ([]model.Source, error) {
	return f.sources, nil
}

func (f *fakeStore) FindSource(_ context.Context, id int64) (*model.Source, error) {
	for _, s := range f.sources {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateSourceContent(_ context.Context, id int64, content string, unreachable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = snapshotUpdate{content: content, unreachable: unreachable}
	return nil
}

func (f *fakeStore) FindFilters(context.Context) ([]model.Filter, error) { return f.filters, nil }

func (f *fakeStore) FindSettings(context.Context) (*model.Settings, error) {
	return f.settings, nil
}

func (f *fakeStore) FindPostings(_ context.Context, sourceID int64, titles []string, _ time.Time) ([]model.Posting, error) {
	var out []model.Posting
	for _, p := range f.existing {
		if p.SourceID != sourceID {
			continue
		}
		for _, t := range titles {
			if p.Title == t {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SavePostings(_ context.Context, postings []model.Posting, vectors [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedPostings = append(f.savedPostings, postings)
	f.savedVectors = append(f.savedVectors, vectors)
	return nil
}

func (f *fakeStore) FindEmbeddings(_ context.Context, isMatch bool, _ int) ([]model.Embedding, error) {
	if isMatch {
		return f.liked, nil
	}
	return f.disliked, nil
}

func (f *fakeStore) RecordExtraction(_ context.Context, sourceID int64, llmModel string, usage model.TokenUsage, usd float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractions = append(f.extractions, extractionRecord{sourceID, llmModel, usage, usd})
	return nil
}

func (f *fakeStore) SumExtractionCost(context.Context, int) ([]store.CostSummary, error) {
	return nil, nil
}

func (f *fakeStore) SaveSuggestions(context.Context, int64, []model.Suggestion) error { return nil }

func (f *fakeStore) FindSuggestions(context.Context, int64, int) ([]model.Suggestion, error) {
	return nil, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

// fakeSession serves scripted page text per URL.
type fakeSession struct {
	pages map[string]string // url -> body text
	url   string
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	if _, ok := s.pages[url]; !ok {
		return eris.Errorf("no page for %s", url)
	}
	s.url = url
	return nil
}

func (s *fakeSession) WaitLoaded(context.Context) error           { return nil }
func (s *fakeSession) CurrentURL(context.Context) (string, error) { return s.url, nil }
func (s *fakeSession) HeadHTML(context.Context) (string, error)   { return "<head></head>", nil }

func (s *fakeSession) Text(context.Context, string) (string, error) {
	return s.pages[s.url], nil
}

func (s *fakeSession) HTML(context.Context, string) (string, error) {
	return s.pages[s.url], nil
}

func (s *fakeSession) Element(context.Context, string) (*browser.Element, error) {
	return nil, browser.ErrNoElement
}

func (s *fakeSession) Click(context.Context, string) error { return browser.ErrNotSupported }

func (s *fakeSession) FindByText(context.Context, string) (*browser.Element, error) {
	return nil, browser.ErrNoElement
}

func (s *fakeSession) ClickByText(context.Context, string) error { return nil }
func (s *fakeSession) Close() error                              { return nil }

type fakeBrowser struct {
	pages map[string]string
}

func (b *fakeBrowser) NewTab(ctx context.Context, url string) (browser.Session, error) {
	s := &fakeSession{pages: b.pages}
	if err := s.Navigate(ctx, url); err != nil {
		return nil, err
	}
	return s, nil
}

// fakeAI answers every extraction run with a fixed reply.
type fakeAI struct {
	mu       sync.Mutex
	reply    string
	vec      []float32
	embedErr error
	runs     int
}

func (f *fakeAI) ListModels(context.Context) ([]string, error) { return nil, nil }

func (f *fakeAI) FindAssistant(context.Context, string) (string, error) {
	return "asst_1", nil
}

func (f *fakeAI) CreateAssistant(context.Context, string, string, string) (string, error) {
	return "asst_1", nil
}

func (f *fakeAI) CreateThreadRun(context.Context, string, []openai.Message) (*openai.Run, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return &openai.Run{
		ID:       "run_1",
		ThreadID: "thread_1",
		Usage:    openai.Usage{PromptTokens: 100, CompletionTokens: 25, TotalTokens: 125},
	}, nil
}

func (f *fakeAI) RunMessages(context.Context, string, string) ([]string, error) {
	return []string{f.reply}, nil
}

func (f *fakeAI) CreateEmbedding(context.Context, string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.vec, nil
}

func newOrchestrator(st store.Store, b browser.Browser, ai openai.Client) *Orchestrator {
	return New(st, b, func(string) openai.Client { return ai }, Config{
		APIKey: "sk-fallback",
		Model:  "gpt-4",
	})
}

func TestRefresh_ExtractsAndPersists(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{{ID: 1, Name: "Acme", URL: "https://acme.com/jobs"}}
	st.settings = &model.Settings{APIKey: "sk-stored", Model: "gpt-4"}
	st.liked = []model.Embedding{{Vector: []float32{1, 0}}}

	ai := &fakeAI{
		reply: `[{"title":"Backend Engineer","description":"Go services"}]`,
		vec:   []float32{1, 0},
	}
	b := &fakeBrowser{pages: map[string]string{
		"https://acme.com/jobs": "Backend Engineer\nGo services",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, StatusExtracted, res.Status)
	require.Len(t, res.Postings, 1)
	assert.Equal(t, "Backend Engineer", res.Postings[0].Title)
	assert.InDelta(t, 1.0, res.Postings[0].MatchSimilarity, 1e-9)
	assert.Equal(t, 125, res.Usage.TotalTokens)

	// Snapshot, postings and usage all persisted.
	require.Len(t, st.savedPostings, 1)
	assert.Equal(t, "Backend Engineer\nGo services", st.snapshots[1].content)
	require.Len(t, st.extractions, 1)
	assert.Equal(t, "gpt-4", st.extractions[0].model)
	assert.Greater(t, st.extractions[0].cost, 0.0)
}

func TestRefresh_UnreachableSourceIsolatedFromSiblings(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{
		{ID: 1, Name: "Gone", URL: "https://gone.example/jobs"},
		{ID: 2, Name: "Acme", URL: "https://acme.com/jobs"},
	}

	ai := &fakeAI{reply: `[{"title":"Engineer"}]`, vec: []float32{1}}
	b := &fakeBrowser{pages: map[string]string{
		"https://acme.com/jobs": "Engineer",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, StatusFailed, results[0].Status)
	assert.True(t, results[0].Unreachable)
	assert.Error(t, results[0].Err)

	assert.Equal(t, StatusExtracted, results[1].Status)
	require.Len(t, results[1].Postings, 1)

	// The unreachable flag lands on the failed source only.
	assert.True(t, st.snapshots[1].unreachable)
	assert.False(t, st.snapshots[2].unreachable)
}

func TestRefresh_UnchangedContentSkipsExtraction(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{{
		ID:      1,
		Name:    "Acme",
		URL:     "https://acme.com/jobs",
		Content: "Engineer\nDesigner",
	}}

	ai := &fakeAI{reply: "[]"}
	b := &fakeBrowser{pages: map[string]string{
		"https://acme.com/jobs": "Engineer\nDesigner",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.Zero(t, ai.runs)
	assert.Empty(t, st.savedPostings)
	// Snapshot still refreshed.
	assert.Equal(t, "Engineer\nDesigner", st.snapshots[1].content)
}

func TestRefresh_EmbeddingFailureFailsSource(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{
		{ID: 1, Name: "Acme", URL: "https://acme.com/jobs"},
		{ID: 2, Name: "Globex", URL: "https://globex.com/careers"},
	}

	ai := &fakeAI{
		reply:    `[{"title":"Backend Engineer"}]`,
		embedErr: eris.New("embedding service down"),
	}
	b := &fakeBrowser{pages: map[string]string{
		"https://acme.com/jobs":      "Backend Engineer",
		"https://globex.com/careers": "Backend Engineer",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, res := range results {
		assert.Equal(t, StatusFailed, res.Status)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "embed")
		assert.Empty(t, res.Postings)
	}

	// No posting lands without its vector; snapshots and usage still do.
	assert.Empty(t, st.savedPostings)
	assert.Equal(t, "Backend Engineer", st.snapshots[1].content)
	require.Len(t, st.extractions, 2)
}

func TestRefresh_DedupDropsRecentDuplicates(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{{ID: 1, Name: "Acme", URL: "https://acme.com/jobs"}}
	st.existing = []model.Posting{{Title: "Backend Engineer", SourceID: 1, CreatedAt: time.Now()}}

	ai := &fakeAI{
		reply: `[{"title":"Backend Engineer"},{"title":"Product Designer"}]`,
		vec:   []float32{1},
	}
	b := &fakeBrowser{pages: map[string]string{
		"https://acme.com/jobs": "Backend Engineer\nProduct Designer",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, results[0].Postings, 1)
	assert.Equal(t, "Product Designer", results[0].Postings[0].Title)
}

func TestRefresh_SingleSourceSelection(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{
		{ID: 1, Name: "Acme", URL: "https://acme.com/jobs"},
		{ID: 2, Name: "Globex", URL: "https://globex.com/careers"},
	}

	ai := &fakeAI{reply: "[]"}
	b := &fakeBrowser{pages: map[string]string{
		"https://globex.com/careers": "Nothing here",
	}}

	results, err := newOrchestrator(st, b, ai).Refresh(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].Source.ID)
}

func TestRefresh_MissingSourceFails(t *testing.T) {
	st := newFakeStore()

	_, err := newOrchestrator(st, &fakeBrowser{}, &fakeAI{}).Refresh(context.Background(), 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source 99 not found")
}

func TestRefresh_NoAPIKeyFails(t *testing.T) {
	st := newFakeStore()
	st.sources = []model.Source{{ID: 1, URL: "https://acme.com/jobs"}}

	o := New(st, &fakeBrowser{}, func(string) openai.Client { return &fakeAI{} }, Config{})
	_, err := o.Refresh(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}
