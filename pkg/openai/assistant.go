package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	runPollInterval = time.Second
	runPollTimeout  = 120 * time.Second

	// streamDone is the completion sentinel terminating a streamed run.
	streamDone = "[DONE]"
)

type assistantList struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

func (c *httpClient) FindAssistant(ctx context.Context, name string) (string, error) {
	var list assistantList
	if err := c.doJSON(ctx, http.MethodGet, "/assistants?limit=100", nil, &list); err != nil {
		return "", eris.Wrap(err, "openai: list assistants")
	}
	for _, a := range list.Data {
		if a.Name == name {
			return a.ID, nil
		}
	}
	return "", nil
}

func (c *httpClient) CreateAssistant(ctx context.Context, name, instructions, model string) (string, error) {
	body := map[string]any{
		"name":         name,
		"instructions": instructions,
		"model":        model,
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/assistants", body, &created); err != nil {
		return "", eris.Wrap(err, "openai: create assistant")
	}
	if created.ID == "" {
		return "", eris.New("openai: create assistant returned no id")
	}
	return created.ID, nil
}

func (c *httpClient) CreateThreadRun(ctx context.Context, assistantID string, messages []Message) (*Run, error) {
	body := map[string]any{
		"assistant_id": assistantID,
		"stream":       c.stream,
		"thread": map[string]any{
			"messages": messages,
		},
	}

	if c.stream {
		return c.streamRun(ctx, body)
	}

	var created runStatus
	if err := c.doJSON(ctx, http.MethodPost, "/threads/runs", body, &created); err != nil {
		return nil, eris.Wrap(err, "openai: create run")
	}
	return c.pollRun(ctx, created.ThreadID, created.ID)
}

type runStatus struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
	Usage    *Usage `json:"usage"`
}

// streamRun creates the run with streaming enabled and consumes the event
// sequence until the completion sentinel, collecting the run identifiers
// from thread.run.created and the token usage from thread.run.completed.
func (c *httpClient) streamRun(ctx context.Context, body map[string]any) (*Run, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/threads/runs", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create streamed run")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, eris.Errorf("openai: streamed run status %d: %s", resp.StatusCode, string(raw))
	}

	run := &Run{}
	event := ""
	failed := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if data == streamDone {
				if run.ID == "" {
					return nil, eris.New("openai: stream ended without run metadata")
				}
				if failed != "" {
					return nil, eris.Errorf("openai: run failed: %s", failed)
				}
				return run, nil
			}

			switch event {
			case "thread.run.created":
				var meta runStatus
				if err := json.Unmarshal([]byte(data), &meta); err != nil {
					return nil, eris.Wrap(err, "openai: decode run metadata")
				}
				run.ID = meta.ID
				run.ThreadID = meta.ThreadID
			case "thread.run.completed":
				var meta runStatus
				if err := json.Unmarshal([]byte(data), &meta); err == nil && meta.Usage != nil {
					run.Usage = *meta.Usage
				}
			case "thread.run.failed", "thread.run.expired", "thread.run.cancelled":
				failed = event
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "openai: read stream")
	}
	return nil, eris.New("openai: stream ended without completion sentinel")
}

// pollRun polls the run status endpoint until the run completes or the
// budget expires. Applied only when streaming is disabled.
func (c *httpClient) pollRun(ctx context.Context, threadID, runID string) (*Run, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runPollTimeout)
		defer cancel()
	}

	for {
		var status runStatus
		err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &status)
		if err != nil {
			return nil, eris.Wrap(err, "openai: poll run")
		}

		switch status.Status {
		case "completed":
			run := &Run{ID: runID, ThreadID: threadID}
			if status.Usage != nil {
				run.Usage = *status.Usage
			}
			return run, nil
		case "queued", "in_progress":
		default:
			return nil, eris.Errorf("openai: run %s %s", runID, status.Status)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "openai: poll run timed out")
		case <-time.After(runPollInterval):
		}
	}
}

type threadMessages struct {
	Data []struct {
		RunID   string `json:"run_id"`
		Content []struct {
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

func (c *httpClient) RunMessages(ctx context.Context, threadID, runID string) ([]string, error) {
	var list threadMessages
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, &list); err != nil {
		return nil, eris.Wrap(err, "openai: list thread messages")
	}

	var texts []string
	for _, m := range list.Data {
		if m.RunID != runID {
			continue
		}
		for _, part := range m.Content {
			if part.Text.Value != "" {
				texts = append(texts, part.Text.Value)
			}
		}
	}
	return texts, nil
}
