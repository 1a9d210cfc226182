// Package pipeline orchestrates the per-source refresh pass: crawl, diff,
// extract, dedup, enrich and rank, with bounded concurrency across sources.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobfeed/jobfeed/internal/browser"
	"github.com/jobfeed/jobfeed/internal/chunk"
	"github.com/jobfeed/jobfeed/internal/cost"
	"github.com/jobfeed/jobfeed/internal/diff"
	"github.com/jobfeed/jobfeed/internal/enrich"
	"github.com/jobfeed/jobfeed/internal/extract"
	"github.com/jobfeed/jobfeed/internal/fetch"
	"github.com/jobfeed/jobfeed/internal/model"
	"github.com/jobfeed/jobfeed/internal/rank"
	"github.com/jobfeed/jobfeed/internal/store"
	"github.com/jobfeed/jobfeed/pkg/openai"
)

// SourceStatus reports how a source's refresh pass ended.
type SourceStatus string

const (
	// StatusExtracted means new content was found and postings extracted.
	StatusExtracted SourceStatus = "extracted"
	// StatusSkipped means the crawl found nothing new since the cached
	// snapshot.
	StatusSkipped SourceStatus = "skipped"
	// StatusFailed means the pass aborted; Err carries the cause.
	StatusFailed SourceStatus = "failed"
)

// SourceResult is the outcome of one source's refresh pass. A failure in
// one source never affects its siblings.
type SourceResult struct {
	Source      model.Source
	Postings    []model.Posting
	Vectors     [][]float32
	Content     string
	Usage       model.TokenUsage
	Status      SourceStatus
	Err         error
	Unreachable bool
}

// Config tunes a refresh pass.
type Config struct {
	Workers         int
	ChunkChars      int
	MaxExtractChars int
	DedupWindow     time.Duration
	FeedbackLimit   int
	EmbedMaxChars   int
	SettleBudget    time.Duration
	SettlePoll      time.Duration
	// APIKey and Model are fallbacks used when the stored settings carry
	// none.
	APIKey string
	Model  string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.ChunkChars <= 0 {
		c.ChunkChars = 7000
	}
	if c.MaxExtractChars <= 0 {
		c.MaxExtractChars = 3 * c.ChunkChars
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * 24 * time.Hour
	}
	if c.FeedbackLimit <= 0 {
		c.FeedbackLimit = 10
	}
	if c.EmbedMaxChars <= 0 {
		c.EmbedMaxChars = 8000
	}
	if c.SettleBudget <= 0 {
		c.SettleBudget = 10 * time.Second
	}
	if c.SettlePoll <= 0 {
		c.SettlePoll = 500 * time.Millisecond
	}
	return c
}

// AIFactory builds an LLM client for the API key resolved at refresh time.
// Stored settings take precedence over static configuration, so the client
// cannot be constructed up front.
type AIFactory func(apiKey string) openai.Client

// Orchestrator runs refresh passes over the configured sources.
type Orchestrator struct {
	store   store.Store
	browser browser.Browser
	newAI   AIFactory
	cfg     Config
}

// New creates an Orchestrator.
func New(st store.Store, b browser.Browser, newAI AIFactory, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:   st,
		browser: b,
		newAI:   newAI,
		cfg:     cfg.withDefaults(),
	}
}

// Refresh crawls and extracts the given source, or every active source when
// sourceID is zero. Each source runs through a bounded worker pool and
// fails independently; the returned slice carries one result per source.
// Results are persisted before returning: snapshots and reachability for
// every crawled source, postings plus embeddings transactionally, and one
// extraction usage row per source that consumed tokens.
func (o *Orchestrator) Refresh(ctx context.Context, sourceID int64) ([]SourceResult, error) {
	sources, err := o.loadSources(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	apiKey, llmModel, err := o.credentials(ctx)
	if err != nil {
		return nil, err
	}

	filters, err := o.store.FindFilters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load filters")
	}
	criteria := extract.Criteria(filters)

	liked, disliked, err := o.feedbackVectors(ctx)
	if err != nil {
		return nil, err
	}

	ai := o.newAI(apiKey)
	run := &refreshRun{
		orch:      o,
		extractor: extract.New(ai, llmModel),
		ranker:    rank.New(ai, rank.WithMaxChars(o.cfg.EmbedMaxChars)),
		fetcher: fetch.New(o.browser,
			fetch.WithSettleBudget(o.cfg.SettleBudget),
			fetch.WithSettlePoll(o.cfg.SettlePoll)),
		enricher: enrich.NewEnricher(o.browser,
			enrich.WithSettleBudget(o.cfg.SettleBudget),
			enrich.WithSettlePoll(o.cfg.SettlePoll)),
		criteria: criteria,
		liked:    liked,
		disliked: disliked,
	}

	results := make([]SourceResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = run.processSource(gctx, src)
			return nil
		})
	}
	// Workers never return errors; failures land in their result.
	_ = g.Wait()

	o.persist(ctx, llmModel, results)
	return results, nil
}

func (o *Orchestrator) loadSources(ctx context.Context, sourceID int64) ([]model.Source, error) {
	if sourceID > 0 {
		src, err := o.store.FindSource(ctx, sourceID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load source")
		}
		if src == nil {
			return nil, eris.Errorf("pipeline: source %d not found", sourceID)
		}
		return []model.Source{*src}, nil
	}

	sources, err := o.store.FindActiveSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load sources")
	}
	return sources, nil
}

// credentials resolves the API key and model, preferring stored settings
// over static configuration.
func (o *Orchestrator) credentials(ctx context.Context) (string, string, error) {
	apiKey := o.cfg.APIKey
	llmModel := o.cfg.Model

	settings, err := o.store.FindSettings(ctx)
	if err != nil {
		return "", "", eris.Wrap(err, "pipeline: load settings")
	}
	if settings != nil {
		if settings.APIKey != "" {
			apiKey = settings.APIKey
		}
		if settings.Model != "" {
			llmModel = settings.Model
		}
	}

	if apiKey == "" {
		return "", "", eris.New("pipeline: no API key configured")
	}
	if llmModel == "" {
		return "", "", eris.New("pipeline: no model configured")
	}
	return apiKey, llmModel, nil
}

func (o *Orchestrator) feedbackVectors(ctx context.Context) (liked, disliked [][]float32, err error) {
	likedEmb, err := o.store.FindEmbeddings(ctx, true, o.cfg.FeedbackLimit)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load liked embeddings")
	}
	dislikedEmb, err := o.store.FindEmbeddings(ctx, false, o.cfg.FeedbackLimit)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load disliked embeddings")
	}

	for _, e := range likedEmb {
		liked = append(liked, e.Vector)
	}
	for _, e := range dislikedEmb {
		disliked = append(disliked, e.Vector)
	}
	return liked, disliked, nil
}

// refreshRun carries the per-refresh collaborators shared by all workers.
type refreshRun struct {
	orch      *Orchestrator
	extractor *extract.Extractor
	ranker    *rank.Ranker
	fetcher   *fetch.Fetcher
	enricher  *enrich.Enricher
	criteria  string
	liked     [][]float32
	disliked  [][]float32
}

// processSource runs the strictly sequential per-source pass. It never
// panics outward and never returns: every failure is captured in the
// result so sibling sources keep running.
func (r *refreshRun) processSource(ctx context.Context, src model.Source) SourceResult {
	res := SourceResult{Source: src, Status: StatusFailed, Content: src.Content}
	cfg := r.orch.cfg

	ps, err := r.fetcher.Fetch(ctx, src)
	if err != nil {
		res.Err = err
		res.Unreachable = errors.Is(err, fetch.ErrUnreachable)
		zap.L().Warn("pipeline: crawl failed",
			zap.Int64("source_id", src.ID),
			zap.String("source", src.Name),
			zap.Bool("unreachable", res.Unreachable),
			zap.Error(err))
		return res
	}
	res.Content = ps.Content()

	fresh := diff.LimitContent(diff.NewContent(ps, src.Content), cfg.MaxExtractChars)
	if fresh.Len() == 0 {
		res.Status = StatusSkipped
		return res
	}

	for _, page := range fresh.Pages {
		stubs, usage, err := r.extractor.Extract(ctx, chunk.Split(page.Content, cfg.ChunkChars), r.criteria)
		res.Usage.Add(usage)
		if err != nil {
			res.Err = eris.Wrapf(err, "pipeline: extract %s", page.URL)
			return res
		}
		if len(stubs) == 0 {
			continue
		}

		stubs, err = r.dedup(ctx, src.ID, stubs)
		if err != nil {
			res.Err = err
			return res
		}

		for _, stub := range stubs {
			posting, vector, err := r.buildPosting(ctx, src, page.URL, stub)
			if err != nil {
				// A failed source persists no postings at all.
				res.Postings, res.Vectors = nil, nil
				res.Err = err
				return res
			}
			res.Postings = append(res.Postings, posting)
			res.Vectors = append(res.Vectors, vector)
		}
	}

	res.Status = StatusExtracted
	return res
}

func (r *refreshRun) dedup(ctx context.Context, sourceID int64, stubs []model.PostingStub) ([]model.PostingStub, error) {
	titles := make([]string, 0, len(stubs))
	for _, s := range stubs {
		titles = append(titles, s.Title)
	}

	cutoff := time.Now().UTC().Add(-r.orch.cfg.DedupWindow)
	existing, err := r.orch.store.FindPostings(ctx, sourceID, titles, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dedup lookup")
	}
	return enrich.Dedup(stubs, existing), nil
}

// buildPosting enriches and ranks one stub. Enrichment failure degrades
// to a posting without detail content; an embedding failure fails the
// source, since every persisted posting carries its vector.
func (r *refreshRun) buildPosting(ctx context.Context, src model.Source, pageURL string, stub model.PostingStub) (model.Posting, []float32, error) {
	posting := model.Posting{
		Title:       stub.Title,
		Description: stub.Description,
		URL:         pageURL,
		SourceID:    src.ID,
	}

	detail, err := r.enricher.Enrich(ctx, pageURL, stub.Title)
	if err != nil {
		zap.L().Debug("pipeline: enrich failed",
			zap.String("title", stub.Title),
			zap.Error(err))
	} else {
		posting.URL = detail.URL
		posting.Content = detail.Content
	}

	vector, err := r.ranker.Embed(ctx, posting)
	if err != nil {
		return model.Posting{}, nil, eris.Wrapf(err, "pipeline: embed %q", stub.Title)
	}
	posting.MatchSimilarity = rank.Score(vector, r.liked, r.disliked)
	return posting, vector, nil
}

// persist writes every result back: the crawl snapshot and reachability
// flag unconditionally, postings with their vectors in one transaction,
// and an extraction usage row when tokens were spent. Persistence errors
// are attached to the result they belong to.
func (o *Orchestrator) persist(ctx context.Context, llmModel string, results []SourceResult) {
	for i := range results {
		res := &results[i]

		if err := o.store.UpdateSourceContent(ctx, res.Source.ID, res.Content, res.Unreachable); err != nil {
			zap.L().Error("pipeline: update source snapshot failed",
				zap.Int64("source_id", res.Source.ID),
				zap.Error(err))
			if res.Err == nil {
				res.Err = err
			}
			continue
		}

		if len(res.Postings) > 0 {
			if err := o.store.SavePostings(ctx, res.Postings, res.Vectors); err != nil {
				zap.L().Error("pipeline: save postings failed",
					zap.Int64("source_id", res.Source.ID),
					zap.Error(err))
				res.Status = StatusFailed
				if res.Err == nil {
					res.Err = err
				}
				continue
			}
		}

		if res.Usage.TotalTokens > 0 {
			usd, _ := cost.Of(res.Usage, llmModel)
			if err := o.store.RecordExtraction(ctx, res.Source.ID, llmModel, res.Usage, usd); err != nil {
				zap.L().Error("pipeline: record extraction failed",
					zap.Int64("source_id", res.Source.ID),
					zap.Error(err))
			}
		}
	}
}
