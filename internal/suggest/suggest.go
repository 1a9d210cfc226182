// Package suggest recommends new career-page sources similar to an
// existing one, via the suggestion assistant.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/cost"
	"github.com/jobfeed/jobfeed/internal/extract"
	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/internal/store"
)

const (
	// resultLimit caps how many suggestions a refresh returns.
	resultLimit = 10
	// ignoreSuggestions and ignoreSources bound the exclusion list sent
	// to the assistant.
	ignoreSuggestions = 15
	ignoreSources     = 20
)

// Suggester produces and persists source suggestions.
type Suggester struct {
	store     store.Store
	extractor *extract.Extractor
	model     string
}

// New creates a Suggester running the given model.
func New(st store.Store, ex *extract.Extractor, llmModel string) *Suggester {
	return &Suggester{store: st, extractor: ex, model: llmModel}
}

// Refresh asks the suggestion assistant for companies similar to the
// source, excluding companies already configured or already suggested.
// New suggestions are persisted and the latest ten returned.
func (s *Suggester) Refresh(ctx context.Context, sourceID int64) ([]model.Suggestion, error) {
	src, err := s.store.FindSource(ctx, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "suggest: load source")
	}
	if src == nil {
		return nil, eris.Errorf("suggest: source %d not found", sourceID)
	}

	ignore, err := s.ignoreList(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf(
		"Company: %s; Ignore career pages of the following companies: %s",
		src.Name, strings.Join(ignore, ", "),
	)

	reply, usage, err := s.extractor.Run(ctx, extract.PurposeSuggestions, []string{message})
	if err != nil {
		return nil, eris.Wrap(err, "suggest: run assistant")
	}

	suggestions, err := decodeSuggestions(reply)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveSuggestions(ctx, sourceID, suggestions); err != nil {
		return nil, eris.Wrap(err, "suggest: save suggestions")
	}

	usd, _ := cost.Of(usage, s.model)
	if err := s.store.RecordExtraction(ctx, sourceID, s.model, usage, usd); err != nil {
		zap.L().Error("suggest: record usage failed",
			zap.Int64("source_id", sourceID),
			zap.Error(err))
	}

	return s.store.FindSuggestions(ctx, sourceID, resultLimit)
}

// ignoreList gathers company names the assistant must not suggest again:
// prior suggestions for this source plus every configured source.
func (s *Suggester) ignoreList(ctx context.Context, sourceID int64) ([]string, error) {
	existing, err := s.store.FindSuggestions(ctx, sourceID, ignoreSuggestions)
	if err != nil {
		return nil, eris.Wrap(err, "suggest: load existing suggestions")
	}
	sources, err := s.store.FindActiveSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "suggest: load sources")
	}

	names := make([]string, 0, len(existing)+len(sources))
	for _, sug := range existing {
		names = append(names, sug.Name)
	}
	for i, src := range sources {
		if i >= ignoreSources {
			break
		}
		names = append(names, src.Name)
	}
	return names, nil
}

func decodeSuggestions(reply string) ([]model.Suggestion, error) {
	cleaned := strings.TrimSpace(reply)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var suggestions []model.Suggestion
	if err := json.Unmarshal([]byte(cleaned), &suggestions); err != nil {
		return nil, eris.Wrap(err, "suggest: malformed reply")
	}
	return suggestions, nil
}
