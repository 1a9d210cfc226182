// Package store persists sources, postings, embeddings and usage records
// behind a backend-neutral interface with Postgres and SQLite
// implementations.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jobfeed/jobfeed/internal/model"
)

// CostSummary aggregates extraction spend for one source.
type CostSummary struct {
	SourceID   int64   `json:"source_id"`
	SourceName string  `json:"source_name"`
	Cost       float64 `json:"cost"`
}

// Store defines the persistence interface for the aggregation pipeline.
type Store interface {
	// Sources
	FindActiveSources(ctx context.Context) ([]model.Source, error)
	FindSource(ctx context.Context, id int64) (*model.Source, error)
	// UpdateSourceContent stores the crawl snapshot and reachability flag
	// for a source, regardless of how many postings the pass produced.
	UpdateSourceContent(ctx context.Context, id int64, content string, unreachable bool) error

	// Filters and settings
	FindFilters(ctx context.Context) ([]model.Filter, error)
	FindSettings(ctx context.Context) (*model.Settings, error)

	// Postings
	// FindPostings returns the source's postings whose title is in titles
	// and which were created at or after createdAfter.
	FindPostings(ctx context.Context, sourceID int64, titles []string, createdAfter time.Time) ([]model.Posting, error)
	// SavePostings inserts postings and their embedding vectors in one
	// transaction; either all rows land or none do.
	SavePostings(ctx context.Context, postings []model.Posting, vectors [][]float32) error

	// Embeddings
	// FindEmbeddings returns vectors of postings with the given feedback,
	// most recently created first.
	FindEmbeddings(ctx context.Context, isMatch bool, limit int) ([]model.Embedding, error)

	// Usage accounting
	RecordExtraction(ctx context.Context, sourceID int64, llmModel string, usage model.TokenUsage, cost float64) error
	SumExtractionCost(ctx context.Context, days int) ([]CostSummary, error)

	// Suggestions
	SaveSuggestions(ctx context.Context, sourceID int64, suggestions []model.Suggestion) error
	FindSuggestions(ctx context.Context, sourceID int64, limit int) ([]model.Suggestion, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New opens a store for the given driver ("postgres" or "sqlite").
func New(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
