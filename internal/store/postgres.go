package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/jobfeed/jobfeed/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot refresh-path operations.
var preparedStatements = map[string]string{
	"insert_posting":        `INSERT INTO posting (title, description, url, content, source_id, match_similarity, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
	"insert_embedding":      `INSERT INTO embedding (vector, posting_id) VALUES ($1, $2)`,
	"update_source_content": `UPDATE source SET content = $1, unreachable = $2 WHERE id = $3`,
	"insert_extraction":     `INSERT INTO extraction (source_id, model, prompt_tokens, completion_tokens, cost, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests to inject
// pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	selector    TEXT,
	pagination  TEXT,
	content     TEXT,
	favicon     TEXT,
	unreachable BOOLEAN NOT NULL DEFAULT false,
	deleted     BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS posting (
	id               BIGSERIAL PRIMARY KEY,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	url              TEXT,
	content          TEXT,
	seen             BOOLEAN NOT NULL DEFAULT false,
	bookmarked       BOOLEAN NOT NULL DEFAULT false,
	is_match         BOOLEAN,
	match_similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_id        BIGINT REFERENCES source(id),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS embedding (
	id         BIGSERIAL PRIMARY KEY,
	vector     REAL[],
	posting_id BIGINT REFERENCES posting(id)
);

CREATE TABLE IF NOT EXISTS filter (
	id    BIGSERIAL PRIMARY KEY,
	name  TEXT NOT NULL,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	id      BIGSERIAL PRIMARY KEY,
	api_key TEXT,
	model   TEXT
);

CREATE TABLE IF NOT EXISTS extraction (
	id                BIGSERIAL PRIMARY KEY,
	source_id         BIGINT REFERENCES source(id),
	model             TEXT,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	cost              DOUBLE PRECISION,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suggestion (
	id        BIGSERIAL PRIMARY KEY,
	name      TEXT NOT NULL,
	url       TEXT NOT NULL,
	source_id BIGINT REFERENCES source(id)
);

CREATE INDEX IF NOT EXISTS idx_posting_source_id ON posting(source_id);
CREATE INDEX IF NOT EXISTS idx_posting_created_at ON posting(created_at);
CREATE INDEX IF NOT EXISTS idx_embedding_posting_id ON embedding(posting_id);
CREATE INDEX IF NOT EXISTS idx_extraction_source_id ON extraction(source_id);
CREATE INDEX IF NOT EXISTS idx_suggestion_source_id ON suggestion(source_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const sourceColumns = `id, name, url, selector, pagination, content, favicon, unreachable, deleted, created_at`

func scanSource(row pgx.Row) (*model.Source, error) {
	var src model.Source
	var selector, pagination, content, favicon *string

	err := row.Scan(&src.ID, &src.Name, &src.URL, &selector, &pagination,
		&content, &favicon, &src.Unreachable, &src.Deleted, &src.CreatedAt)
	if err != nil {
		return nil, err
	}

	if selector != nil {
		src.Selector = *selector
	}
	if pagination != nil {
		src.Pagination = *pagination
	}
	if content != nil {
		src.Content = *content
	}
	if favicon != nil {
		src.Favicon = *favicon
	}
	return &src, nil
}

func (s *PostgresStore) FindActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM source WHERE deleted = false ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: find active sources iterate")
}

func (s *PostgresStore) FindSource(ctx context.Context, id int64) (*model.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM source WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find source %d", id)
	}
	return src, nil
}

func (s *PostgresStore) UpdateSourceContent(ctx context.Context, id int64, content string, unreachable bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source SET content = $1, unreachable = $2 WHERE id = $3`,
		content, unreachable, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source content %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) FindFilters(ctx context.Context) ([]model.Filter, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, value FROM filter ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find filters")
	}
	defer rows.Close()

	var filters []model.Filter
	for rows.Next() {
		var f model.Filter
		if err := rows.Scan(&f.ID, &f.Name, &f.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan filter")
		}
		filters = append(filters, f)
	}
	return filters, eris.Wrap(rows.Err(), "postgres: find filters iterate")
}

func (s *PostgresStore) FindSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var apiKey, llmModel *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, api_key, model FROM settings ORDER BY id LIMIT 1`,
	).Scan(&st.ID, &apiKey, &llmModel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find settings")
	}

	if apiKey != nil {
		st.APIKey = *apiKey
	}
	if llmModel != nil {
		st.Model = *llmModel
	}
	return &st, nil
}

func (s *PostgresStore) FindPostings(ctx context.Context, sourceID int64, titles []string, createdAfter time.Time) ([]model.Posting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, url, content, seen, bookmarked, is_match, match_similarity, source_id, created_at
		 FROM posting
		 WHERE source_id = $1 AND title = ANY($2) AND created_at >= $3`,
		sourceID, titles, createdAfter,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find postings for source %d", sourceID)
	}
	defer rows.Close()

	var postings []model.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan posting")
		}
		postings = append(postings, *p)
	}
	return postings, eris.Wrap(rows.Err(), "postgres: find postings iterate")
}

func scanPosting(row pgx.Row) (*model.Posting, error) {
	var p model.Posting
	var url, content *string
	var sourceID *int64

	err := row.Scan(&p.ID, &p.Title, &p.Description, &url, &content,
		&p.Seen, &p.Bookmarked, &p.IsMatch, &p.MatchSimilarity, &sourceID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	if url != nil {
		p.URL = *url
	}
	if content != nil {
		p.Content = *content
	}
	if sourceID != nil {
		p.SourceID = *sourceID
	}
	return &p, nil
}

func (s *PostgresStore) SavePostings(ctx context.Context, postings []model.Posting, vectors [][]float32) error {
	if len(postings) == 0 {
		return nil
	}
	if len(vectors) != 0 && len(vectors) != len(postings) {
		return eris.Errorf("postgres: %d postings with %d vectors", len(postings), len(vectors))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save postings")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for i, p := range postings {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		var postingID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO posting (title, description, url, content, source_id, match_similarity, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			p.Title, p.Description, p.URL, p.Content, p.SourceID, p.MatchSimilarity, createdAt,
		).Scan(&postingID)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert posting %q", p.Title)
		}

		if len(vectors) > i && len(vectors[i]) > 0 {
			_, err = tx.Exec(ctx,
				`INSERT INTO embedding (vector, posting_id) VALUES ($1, $2)`,
				vectors[i], postingID,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert embedding for %q", p.Title)
			}
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save postings")
}

func (s *PostgresStore) FindEmbeddings(ctx context.Context, isMatch bool, limit int) ([]model.Embedding, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.vector, e.posting_id
		 FROM embedding e
		 JOIN posting p ON p.id = e.posting_id
		 WHERE p.is_match = $1
		 ORDER BY p.created_at DESC
		 LIMIT $2`,
		isMatch, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find embeddings")
	}
	defer rows.Close()

	var embeddings []model.Embedding
	for rows.Next() {
		var e model.Embedding
		if err := rows.Scan(&e.ID, &e.Vector, &e.PostingID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan embedding")
		}
		embeddings = append(embeddings, e)
	}
	return embeddings, eris.Wrap(rows.Err(), "postgres: find embeddings iterate")
}

func (s *PostgresStore) RecordExtraction(ctx context.Context, sourceID int64, llmModel string, usage model.TokenUsage, cost float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction (source_id, model, prompt_tokens, completion_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sourceID, llmModel, usage.PromptTokens, usage.CompletionTokens, cost, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record extraction for source %d", sourceID)
}

func (s *PostgresStore) SumExtractionCost(ctx context.Context, days int) ([]CostSummary, error) {
	if days <= 0 {
		days = 30
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.name, COALESCE(SUM(e.cost), 0)
		 FROM extraction e
		 JOIN source s ON s.id = e.source_id
		 WHERE e.created_at >= now() - ($1 * interval '1 day')
		 GROUP BY s.id, s.name
		 ORDER BY 3 DESC`,
		days,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sum extraction cost")
	}
	defer rows.Close()

	var summaries []CostSummary
	for rows.Next() {
		var c CostSummary
		if err := rows.Scan(&c.SourceID, &c.SourceName, &c.Cost); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cost summary")
		}
		summaries = append(summaries, c)
	}
	return summaries, eris.Wrap(rows.Err(), "postgres: sum extraction cost iterate")
}

func (s *PostgresStore) SaveSuggestions(ctx context.Context, sourceID int64, suggestions []model.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save suggestions")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, sug := range suggestions {
		_, err := tx.Exec(ctx,
			`INSERT INTO suggestion (name, url, source_id) VALUES ($1, $2, $3)`,
			sug.Name, sug.URL, sourceID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert suggestion %q", sug.Name)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save suggestions")
}

func (s *PostgresStore) FindSuggestions(ctx context.Context, sourceID int64, limit int) ([]model.Suggestion, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, url, source_id FROM suggestion WHERE source_id = $1 ORDER BY id DESC LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find suggestions")
	}
	defer rows.Close()

	var suggestions []model.Suggestion
	for rows.Next() {
		var sug model.Suggestion
		if err := rows.Scan(&sug.ID, &sug.Name, &sug.URL, &sug.SourceID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suggestion")
		}
		suggestions = append(suggestions, sug)
	}
	return suggestions, eris.Wrap(rows.Err(), "postgres: find suggestions iterate")
}
