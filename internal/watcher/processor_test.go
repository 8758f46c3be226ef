package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/persistence"
)

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

// memHead is a minimal in-memory vector head.
type memHead struct {
	mu     sync.Mutex
	name   string
	points map[int64]memory.Entry
}

func (m *memHead) Save(ctx context.Context, e *memory.Entry) error {
	if len(e.Embedding) == 0 {
		return memory.ErrMissingEmbedding
	}
	m.mu.Lock()
	m.points[e.ID] = *e
	m.mu.Unlock()
	return nil
}

func (m *memHead) Delete(ctx context.Context, rowID int64) error {
	m.mu.Lock()
	delete(m.points, rowID)
	m.mu.Unlock()
	return nil
}

func (m *memHead) DeleteEventually(ctx context.Context, rowID int64) error { return m.Delete(ctx, rowID) }

func (m *memHead) Search(ctx context.Context, sessionID string, vector []float32, k int) ([]memory.SearchHit, error) {
	return nil, errors.New("not used")
}

func (m *memHead) Scroll(ctx context.Context, offset *int64, limit int) ([]int64, error) {
	return m.ScrollAll(ctx)
}

func (m *memHead) ScrollAll(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := range m.points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memHead) Collection() string { return m.name }
func (m *memHead) Close() error       { return nil }

type fixture struct {
	pool      *persistence.Pool
	processor *Processor
	registry  *Registry
	codeHead  *memHead
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	pool, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	codeHead := &memHead{name: "code", points: make(map[int64]memory.Entry)}
	store := memory.NewMultiStoreWith(map[memory.Head]memory.HeadStore{memory.HeadCode: codeHead})
	service := memory.NewService(pool, staticEmbedder{}, store)

	registry := NewRegistry()
	cfg := config.WatcherConfig{MaxBatchSize: 50, ProcessDelayMS: 0, GitCooldownMS: 500}
	return &fixture{
		pool:      pool,
		processor: NewProcessor(pool, service, registry, cfg),
		registry:  registry,
		codeHead:  codeHead,
		dir:       t.TempDir(),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) FileChangeEvent {
	t.Helper()
	path := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return FileChangeEvent{ProjectID: 1, Path: path, RelativePath: rel, ChangeType: Modified, AttachmentID: "att1"}
}

func TestFileLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Created.
	ev := f.write(t, "src/a.rs", "fn x(){}\n")
	ev.ChangeType = Created
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})

	fileID, hash, err := f.pool.GetFileRecord(ctx, "att1", "src/a.rs")
	require.NoError(t, err)
	require.NotZero(t, fileID)
	require.NotEmpty(t, hash)

	symbols, err := f.pool.SymbolsForFile(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "x", symbols[0].Name)
	points, _ := f.codeHead.ScrollAll(ctx)
	assert.Len(t, points, 1)

	// Modified.
	ev = f.write(t, "src/a.rs", "fn x(){}\nfn y(){}\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})

	fileID2, hash2, err := f.pool.GetFileRecord(ctx, "att1", "src/a.rs")
	require.NoError(t, err)
	assert.Equal(t, fileID, fileID2)
	assert.NotEqual(t, hash, hash2)

	symbols, err = f.pool.SymbolsForFile(ctx, fileID2)
	require.NoError(t, err)
	assert.Len(t, symbols, 2)

	// Deleted.
	require.NoError(t, os.Remove(filepath.Join(f.dir, "src/a.rs")))
	del := FileChangeEvent{ProjectID: 1, Path: filepath.Join(f.dir, "src/a.rs"), RelativePath: "src/a.rs", ChangeType: Deleted, AttachmentID: "att1"}
	f.processor.ProcessBatch(ctx, []FileChangeEvent{del})

	gone, _, err := f.pool.GetFileRecord(ctx, "att1", "src/a.rs")
	require.NoError(t, err)
	assert.Zero(t, gone, "repository_files row must be gone")

	symbols, err = f.pool.SymbolsForFile(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, symbols, "code symbols must be gone")

	points, _ = f.codeHead.ScrollAll(ctx)
	assert.Empty(t, points, "vector points must be gone")

	changes, err := f.pool.LocalChangesForPath(ctx, 1, "src/a.rs")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "created", changes[0].ChangeType)
	assert.Equal(t, "modified", changes[1].ChangeType)
	assert.Equal(t, "deleted", changes[2].ChangeType)
}

func TestUnchangedHashIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := f.write(t, "a.go", "func A() {}\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})

	changes, err := f.pool.LocalChangesForPath(ctx, 1, "a.go")
	require.NoError(t, err)
	assert.Len(t, changes, 1, "same hash must not produce a second change record")
}

func TestGitCooldownSkipsEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.registry.MarkGitOperation("att1")
	ev := f.write(t, "b.go", "func B() {}\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})

	fileID, _, err := f.pool.GetFileRecord(ctx, "att1", "b.go")
	require.NoError(t, err)
	assert.Zero(t, fileID, "events inside the cooldown window are dropped")
}

func TestPerFileFailureDoesNotStopBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	missing := FileChangeEvent{ProjectID: 1, Path: filepath.Join(f.dir, "nope.go"), RelativePath: "nope.go", ChangeType: Created, AttachmentID: "att1"}
	good := f.write(t, "ok.go", "func OK() {}\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{missing, good})

	fileID, _, err := f.pool.GetFileRecord(ctx, "att1", "ok.go")
	require.NoError(t, err)
	assert.NotZero(t, fileID)
}

func TestBatchSizeCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.processor.cfg.MaxBatchSize = 1

	ev1 := f.write(t, "one.go", "func One() {}\n")
	ev2 := f.write(t, "two.go", "func Two() {}\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev1, ev2})

	id2, _, err := f.pool.GetFileRecord(ctx, "att1", "two.go")
	require.NoError(t, err)
	assert.Zero(t, id2, "events beyond max_batch_size are not processed by this batch")
}

func TestUnknownLanguageStillHashed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := f.write(t, "notes.xyz", "whatever\n")
	f.processor.ProcessBatch(ctx, []FileChangeEvent{ev})

	fileID, hash, err := f.pool.GetFileRecord(ctx, "att1", "notes.xyz")
	require.NoError(t, err)
	require.NotZero(t, fileID)
	assert.NotEmpty(t, hash)
}

func TestCooldownExpiry(t *testing.T) {
	r := NewRegistry()
	r.MarkGitOperation("att1")
	assert.True(t, r.InGitCooldown("att1", 500*time.Millisecond))
	assert.False(t, r.InGitCooldown("att1", 0))
	assert.False(t, r.InGitCooldown("other", 500*time.Millisecond))
}
