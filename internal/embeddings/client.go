// Package embeddings produces dense vectors for text via an
// OpenAI-compatible /v1/embeddings endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnavailable indicates the embedding endpoint could not be reached or
// returned a server error. Callers fall back to text-only search.
var ErrUnavailable = errors.New("embedding provider unavailable")

// ErrRateLimited indicates the endpoint returned 429.
var ErrRateLimited = errors.New("embedding provider rate limited")

const maxAttempts = 3

type request struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Client embeds text through a remote endpoint, caching identical strings
// in a bounded LRU so one recall operation never re-embeds the same input.
type Client struct {
	host       string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	httpClient *http.Client
	cache      *lruCache

	requests    atomic.Int64
	cacheHits   atomic.Int64
	tokensTotal atomic.Int64
}

func NewClient(host, apiKey, model string, dimensions, batchSize, cacheSize int) *Client {
	if batchSize <= 0 {
		batchSize = 32
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	return &Client{
		host:       host,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      newLRUCache(cacheSize),
	}
}

// Dimensions reports the vector dimension this client produces.
func (c *Client) Dimensions() int { return c.dimensions }

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order. Cached inputs
// are served locally; the remainder is fetched in batches of batchSize.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.cache.get(t); ok {
			c.cacheHits.Add(1)
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	for start := 0; start < len(missing); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		vecs, err := c.fetch(ctx, missing[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			c.cache.put(missing[start+j], vec)
			out[missingIdx[start+j]] = vec
		}
	}

	return out, nil
}

// fetch calls the endpoint with retries. Only transient failures retry;
// 4xx other than 429 fail immediately.
func (c *Client) fetch(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	backoff := 250 * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vecs, err := c.fetchOnce(ctx, inputs)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		if attempt < maxAttempts {
			log.Debug().Err(err).Int("attempt", attempt).Msg("embedding_retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, inputs []string) ([][]float32, error) {
	c.requests.Add(1)

	body, err := json.Marshal(request{
		Input:          inputs,
		Model:          c.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("embeddings: bad status code %d", resp.StatusCode)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}
	c.tokensTotal.Add(int64(parsed.Usage.TotalTokens))

	vecs := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embeddings: dimension mismatch: got %d want %d", len(d.Embedding), c.dimensions)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Stats reports best-effort usage counters. Persisting them is a caller
// concern and never happens on the embed path.
func (c *Client) Stats() (requests, cacheHits, tokens int64) {
	return c.requests.Load(), c.cacheHits.Load(), c.tokensTotal.Load()
}
