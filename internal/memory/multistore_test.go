package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHead is an in-memory HeadStore for tests.
type fakeHead struct {
	mu      sync.Mutex
	name    string
	points  map[int64]Entry
	failing bool
}

func newFakeHead(name string) *fakeHead {
	return &fakeHead{name: name, points: make(map[int64]Entry)}
}

func (f *fakeHead) Save(ctx context.Context, e *Entry) error {
	if f.failing {
		return errors.New("head down")
	}
	if len(e.Embedding) == 0 {
		return ErrMissingEmbedding
	}
	f.mu.Lock()
	f.points[e.ID] = *e
	f.mu.Unlock()
	return nil
}

func (f *fakeHead) Delete(ctx context.Context, rowID int64) error {
	if f.failing {
		return errors.New("head down")
	}
	f.mu.Lock()
	delete(f.points, rowID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHead) DeleteEventually(ctx context.Context, rowID int64) error {
	return f.Delete(ctx, rowID)
}

func (f *fakeHead) Search(ctx context.Context, sessionID string, vector []float32, k int) ([]SearchHit, error) {
	if f.failing {
		return nil, errors.New("head down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []SearchHit
	for _, e := range f.points {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		hits = append(hits, SearchHit{Entry: e, Score: 0.9})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeHead) Scroll(ctx context.Context, offset *int64, limit int) ([]int64, error) {
	ids, err := f.ScrollAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeHead) ScrollAll(ctx context.Context) ([]int64, error) {
	if f.failing {
		return nil, errors.New("head down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeHead) Collection() string { return f.name }
func (f *fakeHead) Close() error       { return nil }

func multiWithFakes() (*MultiStore, map[Head]*fakeHead) {
	fakes := map[Head]*fakeHead{}
	stores := map[Head]HeadStore{}
	for _, h := range AllHeads() {
		fh := newFakeHead(string(h))
		fakes[h] = fh
		stores[h] = fh
	}
	return NewMultiStoreWith(stores), fakes
}

func TestSaveRequiresEmbedding(t *testing.T) {
	m, _ := multiWithFakes()
	_, err := m.Save(context.Background(), HeadSemantic, &Entry{ID: 1, Content: "x"})
	assert.ErrorIs(t, err, ErrMissingEmbedding)
}

func TestSaveReturnsPointID(t *testing.T) {
	m, fakes := multiWithFakes()
	id, err := m.Save(context.Background(), HeadSemantic, &Entry{ID: 42, Content: "x", Embedding: []float32{1}})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Contains(t, fakes[HeadSemantic].points, int64(42))
}

func TestDeleteFromAllToleratesFailures(t *testing.T) {
	m, fakes := multiWithFakes()
	ctx := context.Background()

	for _, h := range AllHeads() {
		_, err := m.Save(ctx, h, &Entry{ID: 7, Content: "x", Embedding: []float32{1}})
		require.NoError(t, err)
	}
	fakes[HeadCode].failing = true

	m.DeleteFromAll(ctx, 7)
	for h, fh := range fakes {
		if h == HeadCode {
			continue
		}
		assert.NotContains(t, fh.points, int64(7), "head %s", h)
	}
}

func TestSearchAllSkipsFailedHeads(t *testing.T) {
	m, fakes := multiWithFakes()
	ctx := context.Background()

	_, err := m.Save(ctx, HeadSemantic, &Entry{ID: 1, SessionID: "s1", Content: "a", Embedding: []float32{1}})
	require.NoError(t, err)
	_, err = m.Save(ctx, HeadCode, &Entry{ID: 2, SessionID: "s1", Content: "b", Embedding: []float32{1}})
	require.NoError(t, err)
	fakes[HeadSummary].failing = true

	results := m.SearchAll(ctx, "s1", []float32{1}, 10)
	heads := map[Head]bool{}
	for _, hr := range results {
		heads[hr.Head] = true
	}
	assert.True(t, heads[HeadSemantic])
	assert.True(t, heads[HeadCode])
	assert.False(t, heads[HeadSummary], "failed head must be skipped, not fail the search")
}

func TestSearchRestrictedBySession(t *testing.T) {
	m, _ := multiWithFakes()
	ctx := context.Background()

	_, err := m.Save(ctx, HeadSemantic, &Entry{ID: 1, SessionID: "s1", Content: "a", Embedding: []float32{1}})
	require.NoError(t, err)
	_, err = m.Save(ctx, HeadSemantic, &Entry{ID: 2, SessionID: "s2", Content: "b", Embedding: []float32{1}})
	require.NoError(t, err)

	hits, err := m.Search(ctx, HeadSemantic, "s1", []float32{1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ID)
}

func TestScrollAll(t *testing.T) {
	m, _ := multiWithFakes()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_, err := m.Save(ctx, HeadCode, &Entry{ID: i, Content: "x", Embedding: []float32{1}})
		require.NoError(t, err)
	}
	ids, err := m.ScrollAll(ctx, HeadCode)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids)
}

func TestEnabledHeadsStableOrder(t *testing.T) {
	m, _ := multiWithFakes()
	assert.Equal(t, AllHeads(), m.EnabledHeads())
}

func TestParseHead(t *testing.T) {
	h, err := ParseHead("code")
	require.NoError(t, err)
	assert.Equal(t, HeadCode, h)
	_, err = ParseHead("bogus")
	assert.Error(t, err)
}
