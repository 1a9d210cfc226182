// Package rank scores postings against user feedback by comparing
// embeddings of new postings with embeddings of liked and disliked ones.
package rank

import (
	"context"
	"math"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

// maxEmbedChars caps the text sent to the embedding endpoint.
const maxEmbedChars = 8000

// Ranker embeds postings and scores them against feedback vectors.
type Ranker struct {
	ai       openai.Client
	maxChars int
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithMaxChars overrides the embedding input cap.
func WithMaxChars(n int) Option {
	return func(r *Ranker) { r.maxChars = n }
}

// New creates a Ranker.
func New(ai openai.Client, opts ...Option) *Ranker {
	r := &Ranker{ai: ai, maxChars: maxEmbedChars}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Embed returns the embedding vector for p, preferring the detail content
// over the bare title. Input longer than the cap is cut on a rune boundary.
func (r *Ranker) Embed(ctx context.Context, p model.Posting) ([]float32, error) {
	input := p.Content
	if input == "" {
		input = p.Title
	}
	input = truncateRunes(input, r.maxChars)

	vec, err := r.ai.CreateEmbedding(ctx, input)
	if err != nil {
		return nil, eris.Wrapf(err, "rank: embed %q", p.Title)
	}
	return vec, nil
}

// Score computes the match similarity of vec against the liked and
// disliked feedback sets: the maximum cosine similarity to any liked
// vector minus the maximum to any disliked one. Empty sets contribute 0,
// so the result stays within [-2, 2].
func Score(vec []float32, liked, disliked [][]float32) float64 {
	return maxSimilarity(vec, liked) - maxSimilarity(vec, disliked)
}

// maxSimilarity returns the largest cosine similarity between vec and any
// vector in set, or 0 for an empty set.
func maxSimilarity(vec []float32, set [][]float32) float64 {
	best := 0.0
	found := false
	for _, other := range set {
		sim := Cosine(vec, other)
		if !found || sim > best {
			best = sim
			found = true
		}
	}
	if !found {
		return 0
	}
	return best
}

// Cosine computes cosine similarity over the shorter common dimension of
// a and b. Zero vectors score 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
