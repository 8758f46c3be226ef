package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ConaryLabs/mira/internal/llm"
)

// fakeEmbedder maps known strings to fixed vectors and counts calls so the
// test can assert prototypes are embedded exactly once.
type fakeEmbedder struct {
	vectors    map[string][]float32
	fallback   []float32
	batchCalls int
	embedCalls int
	fail       bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.fail {
		return nil, llm.ErrUnavailable
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	if f.fail {
		return nil, llm.ErrUnavailable
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = f.fallback
		}
	}
	return out, nil
}

func newFakeEmbedder() *fakeEmbedder {
	vectors := make(map[string][]float32)
	for _, p := range codePrototypes {
		vectors[p] = []float32{1, 0}
	}
	for _, p := range chatPrototypes {
		vectors[p] = []float32{0, 1}
	}
	return &fakeEmbedder{vectors: vectors, fallback: []float32{0, 1}}
}

func TestEmbeddingClassification(t *testing.T) {
	emb := newFakeEmbedder()
	emb.vectors["implement the handler"] = []float32{1, 0}
	c := NewClassifier(emb)

	got := c.Classify(context.Background(), "implement the handler", false)
	assert.Equal(t, TaskCode, got)

	got = c.Classify(context.Background(), "tell me a story", false)
	assert.Equal(t, TaskChat, got)
}

func TestPrototypesEmbeddedOnce(t *testing.T) {
	emb := newFakeEmbedder()
	c := NewClassifier(emb)

	for i := 0; i < 5; i++ {
		c.Classify(context.Background(), "anything at all", false)
	}
	assert.Equal(t, 1, emb.batchCalls, "prototype vectors must be computed once, not per call")
	assert.Equal(t, 5, emb.embedCalls)
}

func TestAmbiguousFallsBackToKeywords(t *testing.T) {
	emb := newFakeEmbedder()
	// Equidistant from both prototype sets: margin below threshold.
	emb.vectors["borderline request"] = []float32{1, 1}
	c := NewClassifier(emb)

	got := c.Classify(context.Background(), "borderline request", false)
	assert.Equal(t, TaskChat, got, "ambiguous text with no keywords defaults to chat")
}

func TestEmbedderDownFallsBackToKeywords(t *testing.T) {
	emb := newFakeEmbedder()
	emb.fail = true
	c := NewClassifier(emb)

	got := c.Classify(context.Background(), "fix this compile error", false)
	assert.Equal(t, TaskCode, got)
}
