// Package modelclient is an HTTP-backed queue.Backend that calls the
// external model runtime's embedding and NER endpoints, the way
// embedding_agent's OpenAIProvider calls out to a remote embedding API.
package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
)

const (
	embedPath          = "/api/embeddings"
	generatePath       = "/api/generate"
	tagsPath           = "/api/tags"
	defaultGenTimeout  = 120 * time.Second
	defaultTagsTimeout = 10 * time.Second
	// nerPath is assumed: the documented model runtime endpoints
	// (generate/embeddings/tags/show/pull/delete) don't name an NER
	// route, so this targets the same host under the obvious extension
	// path. If the runtime exposes something else, only this constant
	// needs to change.
	nerPath = "/api/ner"
)

// Client calls a single Ollama-style model runtime over HTTP for embedding
// and named-entity-recognition requests.
type Client struct {
	baseURL           string
	model             string
	embedTimeout      time.Duration
	nerTimeout        time.Duration
	completionTimeout time.Duration
	listTimeout       time.Duration
	httpClient        *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL           string // e.g. "http://localhost:11434"
	Model             string
	EmbedTimeout      time.Duration // default 5s, matching the embeddings endpoint's documented budget
	NERTimeout        time.Duration
	CompletionTimeout time.Duration // default 120s
	ListTimeout       time.Duration // default 10s
}

// New constructs a Client, applying documented defaults for zero-value
// timeouts.
func New(cfg Config) *Client {
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout == 0 {
		embedTimeout = 5 * time.Second
	}
	nerTimeout := cfg.NERTimeout
	if nerTimeout == 0 {
		nerTimeout = 5 * time.Second
	}
	completionTimeout := cfg.CompletionTimeout
	if completionTimeout == 0 {
		completionTimeout = defaultGenTimeout
	}
	listTimeout := cfg.ListTimeout
	if listTimeout == 0 {
		listTimeout = defaultTagsTimeout
	}
	return &Client{
		baseURL:           cfg.BaseURL,
		model:             cfg.Model,
		embedTimeout:      embedTimeout,
		nerTimeout:        nerTimeout,
		completionTimeout: completionTimeout,
		listTimeout:       listTimeout,
		httpClient:        &http.Client{},
	}
}

// embeddingRequest/embeddingResponse mirror the documented single-prompt
// shape (`{model, prompt}` → `{embedding: [...]}`); the runtime has no
// batched embeddings endpoint, so a multi-text call fans out one request
// per text, same as the individual-request fallback path it's grounded on.
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed satisfies queue.Backend. The queue's own batching decides how many
// texts land in one Embed call; this fans them out concurrently since the
// runtime only accepts one prompt per request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	embeddings := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			var resp embeddingResponse
			if err := c.post(ctx, embedPath, embeddingRequest{Model: c.model, Prompt: text}, &resp); err != nil {
				errs[i] = err
				return
			}
			embeddings[i] = resp.Embedding
		}(i, text)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("modelclient: embedding %d of %d failed: %w", i, len(texts), err)
		}
	}
	return embeddings, nil
}

type nerRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type nerResponse struct {
	Entities [][]envelope.Entity `json:"entities"`
}

// NER satisfies queue.Backend.
func (c *Client) NER(ctx context.Context, texts []string) ([][]envelope.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, c.nerTimeout)
	defer cancel()

	var resp nerResponse
	if err := c.post(ctx, nerPath, nerRequest{Model: c.model, Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Entities) != len(texts) {
		return nil, fmt.Errorf("modelclient: ner endpoint returned %d entity sets for %d inputs", len(resp.Entities), len(texts))
	}
	return resp.Entities, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete posts a non-streamed completion request.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.completionTimeout)
	defer cancel()

	var resp generateResponse
	if err := c.post(ctx, generatePath, generateRequest{Model: c.model, Prompt: prompt, Stream: false}, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one model entry from the listing endpoint.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListModels returns the runtime's installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tagsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("modelclient: failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modelclient: request to %s failed: %w", tagsPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("modelclient: failed to read response from %s: %w", tagsPath, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("modelclient: %s returned status %d: %s", tagsPath, resp.StatusCode, string(body))
	}

	var out tagsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("modelclient: failed to parse response from %s: %w", tagsPath, err)
	}
	return out.Models, nil
}

// Health reports whether the model runtime is reachable, by way of the
// listing endpoint — the documented surface names no dedicated health
// route.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("modelclient: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("modelclient: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("modelclient: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("modelclient: failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelclient: %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("modelclient: failed to parse response from %s: %w", path, err)
	}
	return nil
}
