// Package extract turns crawled listing text into posting candidates by
// running purpose-scoped assistants over the chunked input.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

// Purpose selects which assistant handles a run. Assistants are looked up
// by name and created on first use, so repeated refreshes reuse the same
// remote assistant.
type Purpose int

const (
	// PurposePostings extracts job postings from listing page text.
	PurposePostings Purpose = iota
	// PurposeSuggestions recommends career pages of similar companies.
	PurposeSuggestions
)

// Name returns the remote assistant name for the purpose.
func (p Purpose) Name() string {
	switch p {
	case PurposeSuggestions:
		return "Jobs Suggestion"
	default:
		return "Jobs Feed"
	}
}

// Instructions returns the system instructions the assistant is created with.
func (p Purpose) Instructions() string {
	switch p {
	case PurposeSuggestions:
		return "Return a list of 10 career websites of companies similar to the company provided as input. " +
			`Response format: [{"name":"","url":""}]`
	default:
		return "Extract a complete list of job postings with descriptions from the provided inputs that match the provided criteria. " +
			"Return the results in a single response as JSON. " +
			"Extract the job descriptions and shorten to 200 characters. Do not miss any posting! " +
			`Response format: [{"title": "", "description": ""}]`
	}
}

// Extractor runs assistants against chunked source content. Safe for
// concurrent use; assistant ids are resolved once and cached.
type Extractor struct {
	ai    openai.Client
	model string

	mu         sync.Mutex
	assistants map[Purpose]string
}

// New creates an Extractor using model for newly created assistants.
func New(ai openai.Client, llmModel string) *Extractor {
	return &Extractor{
		ai:         ai,
		model:      llmModel,
		assistants: make(map[Purpose]string),
	}
}

// assistantID resolves the assistant for p, creating it when no assistant
// with the purpose's name exists yet.
func (e *Extractor) assistantID(ctx context.Context, p Purpose) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.assistants[p]; ok {
		return id, nil
	}

	id, err := e.ai.FindAssistant(ctx, p.Name())
	if err != nil {
		return "", eris.Wrap(err, "extract: find assistant")
	}
	if id == "" {
		id, err = e.ai.CreateAssistant(ctx, p.Name(), p.Instructions(), e.model)
		if err != nil {
			return "", eris.Wrap(err, "extract: create assistant")
		}
		zap.L().Info("extract: created assistant",
			zap.String("name", p.Name()),
			zap.String("id", id))
	}

	e.assistants[p] = id
	return id, nil
}

// Run executes one thread run for p over messages and returns the first
// non-empty reply together with the run's token usage.
func (e *Extractor) Run(ctx context.Context, p Purpose, messages []string) (string, model.TokenUsage, error) {
	var usage model.TokenUsage

	id, err := e.assistantID(ctx, p)
	if err != nil {
		return "", usage, err
	}

	msgs := make([]openai.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.Message{Role: "user", Content: m})
	}

	run, err := e.ai.CreateThreadRun(ctx, id, msgs)
	if err != nil {
		return "", usage, eris.Wrap(err, "extract: run assistant")
	}
	usage = model.TokenUsage{
		PromptTokens:     run.Usage.PromptTokens,
		CompletionTokens: run.Usage.CompletionTokens,
		TotalTokens:      run.Usage.TotalTokens,
	}

	texts, err := e.ai.RunMessages(ctx, run.ThreadID, run.ID)
	if err != nil {
		return "", usage, eris.Wrap(err, "extract: collect run messages")
	}
	for _, t := range texts {
		if t != "" {
			return t, usage, nil
		}
	}
	return "", usage, eris.New("extract: run produced no reply")
}

// Extract runs the postings assistant over chunks. Every chunk is framed
// with part markers; all but the last carry an acknowledge-and-wait
// instruction, and the last embeds the filter criteria and the expected
// response shape. A malformed reply fails the whole extraction.
func (e *Extractor) Extract(ctx context.Context, chunks []string, criteria string) ([]model.PostingStub, model.TokenUsage, error) {
	if len(chunks) == 0 {
		return nil, model.TokenUsage{}, nil
	}

	total := len(chunks)
	messages := make([]string, 0, total)
	for i, chunk := range chunks {
		framed := fmt.Sprintf("[INPUT START PART %d/%d]\n%s\n[INPUT END PART %d/%d]", i+1, total, chunk, i+1, total)
		if i < total-1 {
			framed += "\nDo not answer yet. This is just another part of the input. " +
				"Acknowledge with 'Part received' and wait for the next part."
		} else {
			framed += fmt.Sprintf("\nAll parts have been sent. Extract the job postings matching the criteria. "+
				"Criteria: {%s} "+
				`Response format: [{"title": "", "description": ""}]. `+
				"If no matching results return: []", criteria)
		}
		messages = append(messages, framed)
	}

	reply, usage, err := e.Run(ctx, PurposePostings, messages)
	if err != nil {
		return nil, usage, err
	}

	stubs, err := decodeStubs(reply)
	if err != nil {
		return nil, usage, err
	}
	return stubs, usage, nil
}

// decodeStubs parses the assistant reply into posting stubs, tolerating a
// markdown code fence around the JSON payload.
func decodeStubs(reply string) ([]model.PostingStub, error) {
	cleaned := stripFence(reply)

	var stubs []model.PostingStub
	if err := json.Unmarshal([]byte(cleaned), &stubs); err != nil {
		return nil, eris.Wrapf(err, "extract: malformed reply %q", truncate(cleaned, 120))
	}
	return stubs, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Criteria renders filters into the prompt fragment embedded in the final
// extraction message.
func Criteria(filters []model.Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Name, f.Value))
	}
	return strings.Join(parts, "; ")
}
