// Package openai is a minimal client for the OpenAI assistants, embeddings
// and models endpoints, covering exactly the surface the extraction
// pipeline consumes.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jobfeed/jobfeed/internal/resilience"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// Usage reports token consumption for one run or embedding call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is a single user message within a thread run.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Run identifies a completed thread run and its token usage.
type Run struct {
	ID       string
	ThreadID string
	Usage    Usage
}

// Client is the LLM service surface consumed by the pipeline.
type Client interface {
	// ListModels returns the model names available to the account.
	ListModels(ctx context.Context) ([]string, error)
	// FindAssistant returns the id of the assistant named name, or "" when
	// no such assistant exists.
	FindAssistant(ctx context.Context, name string) (string, error)
	// CreateAssistant registers a named assistant and returns its id.
	CreateAssistant(ctx context.Context, name, instructions, model string) (string, error)
	// CreateThreadRun starts a run over messages and blocks until it
	// completes, either consuming the streamed event sequence or polling
	// the run status.
	CreateThreadRun(ctx context.Context, assistantID string, messages []Message) (*Run, error)
	// RunMessages returns the message texts the run produced.
	RunMessages(ctx context.Context, threadID, runID string) ([]string, error)
	// CreateEmbedding returns the embedding vector for input.
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithEmbeddingModel overrides the default embedding model.
func WithEmbeddingModel(model string) Option {
	return func(c *httpClient) { c.embeddingModel = model }
}

// WithStreaming toggles streamed run consumption. When disabled, runs are
// created without streaming and completed via status polling.
func WithStreaming(enabled bool) Option {
	return func(c *httpClient) { c.stream = enabled }
}

// WithRetry overrides the retry policy applied to transient API failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	apiKey         string
	baseURL        string
	embeddingModel string
	stream         bool
	http           *http.Client
	retry          resilience.RetryConfig
}

// NewClient creates an OpenAI API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		embeddingModel: defaultEmbeddingModel,
		stream:         true,
		retry:          resilience.DefaultRetryConfig(),
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "openai: marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	return req, nil
}

// doJSON performs a request and decodes the JSON response into out,
// retrying transient failures (429, 5xx, network errors).
func (c *httpClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	raw, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		req, reqErr := c.newRequest(ctx, method, path, payload)
		if reqErr != nil {
			return nil, reqErr
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, resilience.NewTransientError(doErr, 0)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, eris.Wrap(readErr, "openai: read response")
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := eris.Errorf("openai: unexpected status %d: %s", resp.StatusCode, string(respBody))
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}
		return respBody, nil
	})
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrap(err, "openai: unmarshal response")
	}
	return nil
}
