package model

import "time"

// Source is a configured website to crawl for job postings.
type Source struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Selector    string    `json:"selector,omitempty"`
	Pagination  string    `json:"pagination,omitempty"`
	Content     string    `json:"content,omitempty"`
	Favicon     string    `json:"favicon,omitempty"`
	Unreachable bool      `json:"unreachable"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter is a single criteria fragment appended to the extraction prompt.
type Filter struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Settings holds user-level configuration stored alongside the sources.
type Settings struct {
	ID     int64  `json:"id"`
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

// PostingStub is a minimally-populated posting candidate returned by the
// extraction step, prior to deduplication and enrichment.
type PostingStub struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Posting is a single extracted job listing, enriched and ranked.
// IsMatch stays nil until the user gives feedback on the posting.
type Posting struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url,omitempty"`
	Content         string    `json:"content,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Seen            bool      `json:"seen"`
	Bookmarked      bool      `json:"bookmarked"`
	SourceID        int64     `json:"source_id"`
	IsMatch         *bool     `json:"is_match,omitempty"`
	MatchSimilarity float64   `json:"match_similarity"`
}

// Embedding is the stored vector for one posting.
type Embedding struct {
	ID        int64     `json:"id"`
	Vector    []float32 `json:"vector"`
	PostingID int64     `json:"posting_id"`
}

// Suggestion is a source recommendation produced by the suggestion assistant.
type Suggestion struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	SourceID int64  `json:"source_id,omitempty"`
}

// TokenUsage reports LLM token consumption for one or more calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
