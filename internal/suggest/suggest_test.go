package suggest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobfeed/jobfeed/internal/extract"
	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/internal/store"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

type fakeStore struct {
	sources     []model.Source
	suggestions []model.Suggestion
	saved       []model.Suggestion
	usage       []model.TokenUsage
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

func (f *fakeStore) UpdateSourceContent(context.Context, int64, string, bool) error { return nil }

func (f *fakeStore) FindFilters(context.Context) ([]model.Filter, error) { return nil, nil }

func (f *fakeStore) FindSettings(context.Context) (*model.Settings, error) { return nil, nil }

func (f *fakeStore) FindPostings(context.Context, int64, []string, time.Time) ([]model.Posting, error) {
	return nil, nil
}

func (f *fakeStore) SavePostings(context.Context, []model.Posting, [][]float32) error { return nil }

func (f *fakeStore) FindEmbeddings(context.Context, bool, int) ([]model.Embedding, error) {
	return nil, nil
}

func (f *fakeStore) RecordExtraction(_ context.Context, _ int64, _ string, usage model.TokenUsage, _ float64) error {
	f.usage = append(f.usage, usage)
	return nil
}

func (f *fakeStore) SumExtractionCost(context.Context, int) ([]store.CostSummary, error) {
	return nil, nil
}

func (f *fakeStore) SaveSuggestions(_ context.Context, sourceID int64, suggestions []model.Suggestion) error {
	for _, s := range suggestions {
		s.SourceID = sourceID
		f.saved = append(f.saved, s)
		f.suggestions = append(f.suggestions, s)
	}
	return nil
}

func (f *fakeStore) FindSuggestions(_ context.Context, sourceID int64, limit int) ([]model.Suggestion, error) {
	var out []model.Suggestion
	for _, s := range f.suggestions {
		if s.SourceID == sourceID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

type fakeAI struct {
	reply   string
	message string
}

func (f *fakeAI) ListModels(context.Context) ([]string, error) { return nil, nil }

func (f *fakeAI) FindAssistant(context.Context, string) (string, error) { return "asst_s", nil }

func (f *fakeAI) CreateAssistant(context.Context, string, string, string) (string, error) {
	return "asst_s", nil
}

func (f *fakeAI) CreateThreadRun(_ context.Context, _ string, messages []openai.Message) (*openai.Run, error) {
	if len(messages) > 0 {
		f.message = messages[0].Content
	}
	return &openai.Run{
		ID:       "run_1",
		ThreadID: "thread_1",
		Usage:    openai.Usage{PromptTokens: 50, CompletionTokens: 30, TotalTokens: 80},
	}, nil
}

func (f *fakeAI) RunMessages(context.Context, string, string) ([]string, error) {
	return []string{f.reply}, nil
}

func (f *fakeAI) CreateEmbedding(context.Context, string) ([]float32, error) { return nil, nil }

func TestRefresh_SuggestsAndPersists(t *testing.T) {
	st := &fakeStore{
		sources: []model.Source{
			{ID: 1, Name: "Acme"},
			{ID: 2, Name: "Globex"},
		},
		suggestions: []model.Suggestion{{Name: "Initech", URL: "https://initech.com", SourceID: 1}},
	}
	ai := &fakeAI{reply: `[{"name":"Hooli","url":"https://hooli.com/careers"}]`}
	s := New(st, extract.New(ai, "gpt-4"), "gpt-4")

	suggestions, err := s.Refresh(context.Background(), 1)
	require.NoError(t, err)

	// Prompt names the company and excludes known ones.
	assert.Contains(t, ai.message, "Company: Acme")
	assert.Contains(t, ai.message, "Initech")
	assert.Contains(t, ai.message, "Globex")

	require.Len(t, st.saved, 1)
	assert.Equal(t, "Hooli", st.saved[0].Name)

	require.Len(t, st.usage, 1)
	assert.Equal(t, 80, st.usage[0].TotalTokens)

	require.Len(t, suggestions, 2)
}

func TestRefresh_UnknownSource(t *testing.T) {
	s := New(&fakeStore{}, extract.New(&fakeAI{}, "gpt-4"), "gpt-4")

	_, err := s.Refresh(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source 42 not found")
}

func TestRefresh_MalformedReply(t *testing.T) {
	st := &fakeStore{sources: []model.Source{{ID: 1, Name: "Acme"}}}
	ai := &fakeAI{reply: "no JSON here"}
	s := New(st, extract.New(ai, "gpt-4"), "gpt-4")

	_, err := s.Refresh(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed reply")
	assert.Empty(t, st.saved)
}
