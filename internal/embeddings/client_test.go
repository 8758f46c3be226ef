package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, dim int, failures *atomic.Int32, failStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && failures.Load() > 0 {
			failures.Add(-1)
			w.WriteHeader(failStatus)
			return
		}
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"data": []any{}, "usage": map[string]int{"total_tokens": len(req.Input)}}
		data := make([]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			data[i] = map[string]any{"embedding": vec, "index": i}
		}
		resp["data"] = data
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestEmbedBatchOrderAndDim(t *testing.T) {
	srv := embeddingServer(t, 4, nil, 0)
	defer srv.Close()

	c := NewClient(srv.URL, "key", "test-model", 4, 32, 100)
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(i+1), v[0])
	}
}

func TestEmbedCachesIdenticalStrings(t *testing.T) {
	srv := embeddingServer(t, 2, nil, 0)
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 2, 32, 100)
	_, err := c.Embed(context.Background(), "same")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "same")
	require.NoError(t, err)

	requests, hits, _ := c.Stats()
	assert.Equal(t, int64(1), requests)
	assert.Equal(t, int64(1), hits)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	srv := embeddingServer(t, 2, &failures, http.StatusInternalServerError)
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 2, 32, 100)
	vec, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 2)
}

func TestEmbedRateLimitedSurfacesTypedError(t *testing.T) {
	var failures atomic.Int32
	failures.Store(10)
	srv := embeddingServer(t, 2, &failures, http.StatusTooManyRequests)
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 2, 32, 100)
	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestEmbedUnavailableWhenServerDown(t *testing.T) {
	srv := embeddingServer(t, 2, nil, 0)
	srv.Close()

	c := NewClient(srv.URL, "", "m", 2, 32, 100)
	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDimensionMismatchRejected(t *testing.T) {
	srv := embeddingServer(t, 3, nil, 0)
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 8, 32, 100)
	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestLRUEviction(t *testing.T) {
	cache := newLRUCache(2)
	cache.put("a", []float32{1})
	cache.put("b", []float32{2})

	// Touch "a" so "b" is the eviction candidate.
	_, ok := cache.get("a")
	require.True(t, ok)

	cache.put("c", []float32{3})
	assert.Equal(t, 2, cache.len())

	_, ok = cache.get("b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = cache.get("a")
	assert.True(t, ok)
	_, ok = cache.get("c")
	assert.True(t, ok)
}

func TestBatchSplitsLargeInput(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.LessOrEqual(t, len(req.Input), 2, "batch size cap must hold")

		data := make([]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"embedding": []float32{1, 2}, "index": i}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 2, 2, 100)
	inputs := make([]string, 5)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("text %d", i)
	}
	vecs, err := c.EmbedBatch(context.Background(), inputs)
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, int32(3), calls.Load())
}
