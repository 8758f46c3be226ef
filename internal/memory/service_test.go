package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConaryLabs/mira/internal/persistence"
)

type testEmbedder struct {
	fail bool
}

func (e testEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	return []float32{1, 0}, nil
}

func serviceFixture(t *testing.T, embedder Embedder) (*Service, *persistence.Pool, map[Head]*fakeHead) {
	t.Helper()
	pool, err := persistence.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store, fakes := multiWithFakes()
	return NewService(pool, embedder, store), pool, fakes
}

func TestSaveUserMessageWritesRowAndPoint(t *testing.T) {
	ctx := context.Background()
	svc, pool, fakes := serviceFixture(t, testEmbedder{})

	id, err := svc.SaveUserMessage(ctx, "s1", "hello", nil)
	require.NoError(t, err)

	msg, err := pool.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.HasEmbed)
	assert.Contains(t, fakes[HeadSemantic].points, id)

	sess, err := pool.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "active", sess.Status)
}

func TestSaveMessageToleratesEmbedderFailure(t *testing.T) {
	ctx := context.Background()
	svc, pool, fakes := serviceFixture(t, testEmbedder{fail: true})

	id, err := svc.SaveUserMessage(ctx, "s1", "hello", nil)
	require.NoError(t, err, "a dead embedder must not lose the message")

	msg, err := pool.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.HasEmbed)
	assert.NotContains(t, fakes[HeadSemantic].points, id)
}

func TestSaveMessageToleratesVectorFailure(t *testing.T) {
	ctx := context.Background()
	svc, pool, fakes := serviceFixture(t, testEmbedder{})
	fakes[HeadSemantic].failing = true

	id, err := svc.SaveUserMessage(ctx, "s1", "hello", nil)
	require.NoError(t, err)

	msg, err := pool.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.HasEmbed, "failed vector write leaves the row repairable")
}

func TestReembedMessage(t *testing.T) {
	ctx := context.Background()
	svc, pool, fakes := serviceFixture(t, testEmbedder{})
	fakes[HeadSemantic].failing = true

	id, err := svc.SaveUserMessage(ctx, "s1", "hello", nil)
	require.NoError(t, err)

	fakes[HeadSemantic].failing = false
	msgs, err := pool.MessagesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, svc.ReembedMessage(ctx, &msgs[0]))
	msg, err := pool.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.HasEmbed)
	assert.Contains(t, fakes[HeadSemantic].points, id)
}

func TestSearchCodeWithoutStore(t *testing.T) {
	pool, err := persistence.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer pool.Close()

	svc := NewService(pool, testEmbedder{}, nil)
	hits, err := svc.SearchCode(context.Background(), "query", 5)
	require.NoError(t, err)
	assert.Nil(t, hits)
}
