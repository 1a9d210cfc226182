package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/jobfeed/jobfeed/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for single-user
// setups without a Postgres server. Embedding vectors are stored as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	selector    TEXT,
	pagination  TEXT,
	content     TEXT,
	favicon     TEXT,
	unreachable INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS posting (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	url              TEXT,
	content          TEXT,
	seen             INTEGER NOT NULL DEFAULT 0,
	bookmarked       INTEGER NOT NULL DEFAULT 0,
	is_match         INTEGER,
	match_similarity REAL NOT NULL DEFAULT 0,
	source_id        INTEGER REFERENCES source(id),
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS embedding (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	vector     TEXT,
	posting_id INTEGER REFERENCES posting(id)
);

CREATE TABLE IF NOT EXISTS filter (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key TEXT,
	model   TEXT
);

CREATE TABLE IF NOT EXISTS extraction (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id         INTEGER REFERENCES source(id),
	model             TEXT,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	cost              REAL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS suggestion (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	url       TEXT NOT NULL,
	source_id INTEGER REFERENCES source(id)
);

CREATE INDEX IF NOT EXISTS idx_posting_source_id ON posting(source_id);
CREATE INDEX IF NOT EXISTS idx_posting_created_at ON posting(created_at);
CREATE INDEX IF NOT EXISTS idx_embedding_posting_id ON embedding(posting_id);
CREATE INDEX IF NOT EXISTS idx_extraction_source_id ON extraction(source_id);
CREATE INDEX IF NOT EXISTS idx_suggestion_source_id ON suggestion(source_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanSourceRow(row interface{ Scan(...any) error }) (*model.Source, error) {
	var src model.Source
	var selector, pagination, content, favicon sql.NullString

	err := row.Scan(&src.ID, &src.Name, &src.URL, &selector, &pagination,
		&content, &favicon, &src.Unreachable, &src.Deleted, &src.CreatedAt)
	if err != nil {
		return nil, err
	}

	src.Selector = selector.String
	src.Pagination = pagination.String
	src.Content = content.String
	src.Favicon = favicon.String
	return &src, nil
}

func (s *SQLiteStore) FindActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM source WHERE deleted = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find active sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := s.scanSourceRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: find active sources iterate")
}

func (s *SQLiteStore) FindSource(ctx context.Context, id int64) (*model.Source, error) {
	src, err := s.scanSourceRow(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM source WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find source %d", id)
	}
	return src, nil
}

func (s *SQLiteStore) UpdateSourceContent(ctx context.Context, id int64, content string, unreachable bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source SET content = ?, unreachable = ? WHERE id = ?`,
		content, unreachable, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source content %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("source not found: %d", id)
	}
	return nil
}

func (s *SQLiteStore) FindFilters(ctx context.Context) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, value FROM filter ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find filters")
	}
	defer rows.Close()

	var filters []model.Filter
	for rows.Next() {
		var f model.Filter
		if err := rows.Scan(&f.ID, &f.Name, &f.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan filter")
		}
		filters = append(filters, f)
	}
	return filters, eris.Wrap(rows.Err(), "sqlite: find filters iterate")
}

func (s *SQLiteStore) FindSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var apiKey, llmModel sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, model FROM settings ORDER BY id LIMIT 1`,
	).Scan(&st.ID, &apiKey, &llmModel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: find settings")
	}

	st.APIKey = apiKey.String
	st.Model = llmModel.String
	return &st, nil
}

func (s *SQLiteStore) FindPostings(ctx context.Context, sourceID int64, titles []string, createdAfter time.Time) ([]model.Posting, error) {
	if len(titles) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(titles)), ",")
	args := make([]any, 0, len(titles)+2)
	args = append(args, sourceID)
	for _, t := range titles {
		args = append(args, t)
	}
	args = append(args, createdAfter)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, url, content, seen, bookmarked, is_match, match_similarity, source_id, created_at
		 FROM posting
		 WHERE source_id = ? AND title IN (`+placeholders+`) AND created_at >= ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find postings for source %d", sourceID)
	}
	defer rows.Close()

	var postings []model.Posting
	for rows.Next() {
		var p model.Posting
		var url, content sql.NullString
		var isMatch sql.NullBool
		var srcID sql.NullInt64

		err := rows.Scan(&p.ID, &p.Title, &p.Description, &url, &content,
			&p.Seen, &p.Bookmarked, &isMatch, &p.MatchSimilarity, &srcID, &p.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan posting")
		}

		p.URL = url.String
		p.Content = content.String
		p.SourceID = srcID.Int64
		if isMatch.Valid {
			v := isMatch.Bool
			p.IsMatch = &v
		}
		postings = append(postings, p)
	}
	return postings, eris.Wrap(rows.Err(), "sqlite: find postings iterate")
}

func (s *SQLiteStore) SavePostings(ctx context.Context, postings []model.Posting, vectors [][]float32) error {
	if len(postings) == 0 {
		return nil
	}
	if len(vectors) != 0 && len(vectors) != len(postings) {
		return eris.Errorf("sqlite: %d postings with %d vectors", len(postings), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save postings")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for i, p := range postings {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO posting (title, description, url, content, source_id, match_similarity, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Title, p.Description, p.URL, p.Content, p.SourceID, p.MatchSimilarity, createdAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert posting %q", p.Title)
		}

		if len(vectors) > i && len(vectors[i]) > 0 {
			postingID, err := res.LastInsertId()
			if err != nil {
				return eris.Wrap(err, "sqlite: last insert id")
			}
			vectorJSON, err := json.Marshal(vectors[i])
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal vector")
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO embedding (vector, posting_id) VALUES (?, ?)`,
				string(vectorJSON), postingID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert embedding for %q", p.Title)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save postings")
}

func (s *SQLiteStore) FindEmbeddings(ctx context.Context, isMatch bool, limit int) ([]model.Embedding, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.vector, e.posting_id
		 FROM embedding e
		 JOIN posting p ON p.id = e.posting_id
		 WHERE p.is_match = ?
		 ORDER BY p.created_at DESC
		 LIMIT ?`,
		isMatch, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find embeddings")
	}
	defer rows.Close()

	var embeddings []model.Embedding
	for rows.Next() {
		var e model.Embedding
		var vectorJSON sql.NullString
		var postingID sql.NullInt64

		if err := rows.Scan(&e.ID, &vectorJSON, &postingID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan embedding")
		}
		if vectorJSON.Valid {
			if err := json.Unmarshal([]byte(vectorJSON.String), &e.Vector); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal vector")
			}
		}
		e.PostingID = postingID.Int64
		embeddings = append(embeddings, e)
	}
	return embeddings, eris.Wrap(rows.Err(), "sqlite: find embeddings iterate")
}

func (s *SQLiteStore) RecordExtraction(ctx context.Context, sourceID int64, llmModel string, usage model.TokenUsage, cost float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction (source_id, model, prompt_tokens, completion_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sourceID, llmModel, usage.PromptTokens, usage.CompletionTokens, cost, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record extraction for source %d", sourceID)
}

func (s *SQLiteStore) SumExtractionCost(ctx context.Context, days int) ([]CostSummary, error) {
	if days <= 0 {
		days = 30
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.name, COALESCE(SUM(e.cost), 0)
		 FROM extraction e
		 JOIN source s ON s.id = e.source_id
		 WHERE e.created_at >= ?
		 GROUP BY s.id, s.name
		 ORDER BY 3 DESC`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: sum extraction cost")
	}
	defer rows.Close()

	var summaries []CostSummary
	for rows.Next() {
		var c CostSummary
		if err := rows.Scan(&c.SourceID, &c.SourceName, &c.Cost); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cost summary")
		}
		summaries = append(summaries, c)
	}
	return summaries, eris.Wrap(rows.Err(), "sqlite: sum extraction cost iterate")
}

func (s *SQLiteStore) SaveSuggestions(ctx context.Context, sourceID int64, suggestions []model.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save suggestions")
	}
	defer func() { _ = tx.Rollback() }()

	for _, sug := range suggestions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO suggestion (name, url, source_id) VALUES (?, ?, ?)`,
			sug.Name, sug.URL, sourceID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert suggestion %q", sug.Name)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save suggestions")
}

func (s *SQLiteStore) FindSuggestions(ctx context.Context, sourceID int64, limit int) ([]model.Suggestion, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, source_id FROM suggestion WHERE source_id = ? ORDER BY id DESC LIMIT ?`,
		sourceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find suggestions")
	}
	defer rows.Close()

	var suggestions []model.Suggestion
	for rows.Next() {
		var sug model.Suggestion
		var srcID sql.NullInt64
		if err := rows.Scan(&sug.ID, &sug.Name, &sug.URL, &srcID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suggestion")
		}
		sug.SourceID = srcID.Int64
		suggestions = append(suggestions, sug)
	}
	return suggestions, eris.Wrap(rows.Err(), "sqlite: find suggestions iterate")
}
