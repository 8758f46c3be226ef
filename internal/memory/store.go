package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
)

// ErrMissingEmbedding is returned by Save when the entry has no vector.
var ErrMissingEmbedding = errors.New("cannot save entry without embedding")

const deleteRetryCap = 60 * time.Second

// Store is one head's collection on the Qdrant service.
type Store struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewStore connects to Qdrant (gRPC, port 6334 by default) and ensures the
// collection exists with cosine distance. An API key may be passed as a
// query parameter on the DSN.
func NewStore(dsn, collection string, dimension int) (*Store, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	if dimension <= 0 {
		return nil, errors.New("vector dimension must be positive")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
		}
	}

	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &Store{client: client, collection: collection, dimension: dimension}
	if err := s.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Collection reports the collection name.
func (s *Store) Collection() string { return s.collection }

// Save upserts the entry's point. The point id is the row id.
func (s *Store) Save(ctx context.Context, e *Entry) error {
	if len(e.Embedding) == 0 {
		return ErrMissingEmbedding
	}
	if e.ID == 0 {
		return errors.New("cannot save entry without row id")
	}

	payload := map[string]any{
		"session_id": e.SessionID,
		"kind":       e.Kind,
		"content":    e.Content,
		"salience":   e.Salience,
		"pinned":     e.Pinned,
		"created_at": e.CreatedAt,
	}
	if e.ProjectID != nil {
		payload["project_id"] = *e.ProjectID
	}
	if len(e.Tags) > 0 {
		b, _ := json.Marshal(e.Tags)
		payload["tags"] = string(b)
	}

	vec := make([]float32, len(e.Embedding))
	copy(vec, e.Embedding)

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDNum(uint64(e.ID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	return err
}

// Delete removes a point. Deleting a missing point is a no-op.
func (s *Store) Delete(ctx context.Context, rowID int64) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(rowID))),
	})
	return err
}

// DeleteEventually retries Delete with exponential backoff capped at one
// minute until it succeeds or ctx is cancelled. Cleanup must win in the end.
func (s *Store) DeleteEventually(ctx context.Context, rowID int64) error {
	backoff := time.Second
	for {
		err := s.Delete(ctx, rowID)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("collection", s.collection).Int64("id", rowID).Msg("vector_delete_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > deleteRetryCap {
			backoff = deleteRetryCap
		}
	}
}

// Search returns the k nearest points by cosine similarity, restricted to a
// session when sessionID is non-empty, ordered by similarity descending.
func (s *Store) Search(ctx context.Context, sessionID string, vector []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var filter *qdrant.Filter
	if sessionID != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("session_id", sessionID)},
		}
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(points))
	for _, pt := range points {
		id := int64(pt.Id.GetNum())
		hits = append(hits, SearchHit{
			Entry: entryFromPayload(id, pt.Payload),
			Score: pt.Score,
		})
	}
	return hits, nil
}

// Scroll pages through point ids for repair and GC tasks.
func (s *Store) Scroll(ctx context.Context, offset *int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	req := &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
	}
	if offset != nil {
		req.Offset = qdrant.NewIDNum(uint64(*offset))
	}
	points, err := s.client.Scroll(ctx, req)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(points))
	for _, pt := range points {
		ids = append(ids, int64(pt.Id.GetNum()))
	}
	return ids, nil
}

// ScrollAll walks the entire collection.
func (s *Store) ScrollAll(ctx context.Context) ([]int64, error) {
	var all []int64
	var offset *int64
	for {
		batch, err := s.Scroll(ctx, offset, 256)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
		last := batch[len(batch)-1] + 1
		offset = &last
	}
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func entryFromPayload(id int64, payload map[string]*qdrant.Value) Entry {
	e := Entry{ID: id}
	if v, ok := payload["session_id"]; ok {
		e.SessionID = v.GetStringValue()
	}
	if v, ok := payload["kind"]; ok {
		e.Kind = v.GetStringValue()
	}
	if v, ok := payload["content"]; ok {
		e.Content = v.GetStringValue()
	}
	if v, ok := payload["salience"]; ok {
		e.Salience = v.GetDoubleValue()
	}
	if v, ok := payload["pinned"]; ok {
		e.Pinned = v.GetBoolValue()
	}
	if v, ok := payload["created_at"]; ok {
		e.CreatedAt = v.GetIntegerValue()
	}
	if v, ok := payload["project_id"]; ok {
		pid := v.GetIntegerValue()
		e.ProjectID = &pid
	}
	if v, ok := payload["tags"]; ok {
		if raw := v.GetStringValue(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &e.Tags)
		}
	}
	return e
}
