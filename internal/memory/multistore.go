package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HeadStore is the per-collection surface MultiStore routes to. *Store
// implements it; tests substitute in-memory fakes.
type HeadStore interface {
	Save(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, rowID int64) error
	DeleteEventually(ctx context.Context, rowID int64) error
	Search(ctx context.Context, sessionID string, vector []float32, k int) ([]SearchHit, error)
	Scroll(ctx context.Context, offset *int64, limit int) ([]int64, error)
	ScrollAll(ctx context.Context) ([]int64, error)
	Collection() string
	Close() error
}

// HeadResult pairs a head with its search hits, similarity order preserved.
type HeadResult struct {
	Head Head
	Hits []SearchHit
}

// MultiStore routes saves, deletes and searches to per-head collections.
// A head that fails to initialize or search is logged and skipped; saves
// across heads are not transactional and are repaired by scrolling.
type MultiStore struct {
	mu     sync.RWMutex
	stores map[Head]HeadStore
}

// NewMultiStore connects every head's collection as "<base>-<head>".
// Heads whose collection cannot be initialized are skipped with a warning;
// at least one head must come up.
func NewMultiStore(dsn, collectionBase string, dimension int) (*MultiStore, error) {
	m := &MultiStore{stores: make(map[Head]HeadStore)}
	for _, head := range AllHeads() {
		name := fmt.Sprintf("%s-%s", collectionBase, head)
		store, err := NewStore(dsn, name, dimension)
		if err != nil {
			log.Warn().Err(err).Str("head", string(head)).Msg("head_collection_unavailable")
			continue
		}
		m.stores[head] = store
	}
	if len(m.stores) == 0 {
		return nil, errors.New("no vector collections could be initialized")
	}
	return m, nil
}

// NewMultiStoreWith builds a MultiStore from pre-built head stores (tests).
func NewMultiStoreWith(stores map[Head]HeadStore) *MultiStore {
	return &MultiStore{stores: stores}
}

// EnabledHeads lists the heads that came up, in stable order.
func (m *MultiStore) EnabledHeads() []Head {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var heads []Head
	for _, h := range AllHeads() {
		if _, ok := m.stores[h]; ok {
			heads = append(heads, h)
		}
	}
	return heads
}

// Save writes the entry's point into one head. The row must already exist;
// an entry without an embedding is rejected with ErrMissingEmbedding.
func (m *MultiStore) Save(ctx context.Context, head Head, e *Entry) (string, error) {
	if len(e.Embedding) == 0 {
		return "", ErrMissingEmbedding
	}
	store, ok := m.store(head)
	if !ok {
		return "", fmt.Errorf("collection for head %s not initialized", head)
	}
	if err := store.Save(ctx, e); err != nil {
		return "", err
	}
	return PointID(e.ID), nil
}

// Delete removes the point from one head. Missing heads and missing points
// are no-ops.
func (m *MultiStore) Delete(ctx context.Context, head Head, rowID int64) error {
	store, ok := m.store(head)
	if !ok {
		return nil
	}
	return store.Delete(ctx, rowID)
}

// DeleteFromAll removes the point from every head, logging per-head
// failures without failing the whole sweep.
func (m *MultiStore) DeleteFromAll(ctx context.Context, rowID int64) {
	for _, head := range m.EnabledHeads() {
		if err := m.Delete(ctx, head, rowID); err != nil {
			log.Warn().Err(err).Str("head", string(head)).Int64("id", rowID).Msg("vector_delete_failed")
		}
	}
}

// Search queries one head.
func (m *MultiStore) Search(ctx context.Context, head Head, sessionID string, vector []float32, k int) ([]SearchHit, error) {
	store, ok := m.store(head)
	if !ok {
		return nil, nil
	}
	return store.Search(ctx, sessionID, vector, k)
}

// SearchAll fans out over every enabled head in parallel and returns the
// per-head results that succeeded, preserving within-head similarity order.
// Head order in the result is stable.
func (m *MultiStore) SearchAll(ctx context.Context, sessionID string, vector []float32, kPerHead int) []HeadResult {
	heads := m.EnabledHeads()
	results := make([]HeadResult, len(heads))

	g, gctx := errgroup.WithContext(ctx)
	for i, head := range heads {
		i, head := i, head
		g.Go(func() error {
			hits, err := m.Search(gctx, head, sessionID, vector, kPerHead)
			if err != nil {
				log.Warn().Err(err).Str("head", string(head)).Msg("head_search_failed")
				return nil
			}
			results[i] = HeadResult{Head: head, Hits: hits}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]HeadResult, 0, len(heads))
	for i := range results {
		if results[i].Head != "" {
			out = append(out, results[i])
		}
	}
	return out
}

// Scroll pages point ids for one head.
func (m *MultiStore) Scroll(ctx context.Context, head Head, offset *int64, limit int) ([]int64, error) {
	store, ok := m.store(head)
	if !ok {
		return nil, fmt.Errorf("collection for head %s not initialized", head)
	}
	return store.Scroll(ctx, offset, limit)
}

// ScrollAll walks one head's entire collection.
func (m *MultiStore) ScrollAll(ctx context.Context, head Head) ([]int64, error) {
	store, ok := m.store(head)
	if !ok {
		return nil, fmt.Errorf("collection for head %s not initialized", head)
	}
	return store.ScrollAll(ctx)
}

// DeleteEventually retries the delete on one head until it lands.
func (m *MultiStore) DeleteEventually(ctx context.Context, head Head, rowID int64) error {
	store, ok := m.store(head)
	if !ok {
		return nil
	}
	return store.DeleteEventually(ctx, rowID)
}

// Close releases every head's client.
func (m *MultiStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, store := range m.stores {
		_ = store.Close()
	}
}

func (m *MultiStore) store(head Head) (HeadStore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[head]
	return store, ok
}
