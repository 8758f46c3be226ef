package memory

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/ConaryLabs/mira/internal/persistence"
)

// Embedder is the slice of the embedding client the service needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service ties rows to vector points: every saved message gets a database
// row first, then an embedding and a point keyed by the row id. A failed
// vector write leaves has_embedding=0 for the repair worker.
type Service struct {
	pool     *persistence.Pool
	embedder Embedder
	store    *MultiStore // nil when the vector service is disabled
}

func NewService(pool *persistence.Pool, embedder Embedder, store *MultiStore) *Service {
	return &Service{pool: pool, embedder: embedder, store: store}
}

// Pool exposes the row store.
func (s *Service) Pool() *persistence.Pool { return s.pool }

// Store exposes the multi-head vector store, nil when disabled.
func (s *Service) Store() *MultiStore { return s.store }

// SaveUserMessage persists a user turn and embeds it into the semantic head.
func (s *Service) SaveUserMessage(ctx context.Context, sessionID, content string, projectID *int64) (int64, error) {
	return s.saveMessage(ctx, sessionID, "user", content, projectID, nil)
}

// SaveAssistantMessage persists an assistant turn.
func (s *Service) SaveAssistantMessage(ctx context.Context, sessionID, content string, projectID *int64) (int64, error) {
	return s.saveMessage(ctx, sessionID, "assistant", content, projectID, nil)
}

// SaveTaggedMessage persists a turn with tags (e.g. "summary").
func (s *Service) SaveTaggedMessage(ctx context.Context, sessionID, role, content string, projectID *int64, tags []string) (int64, error) {
	return s.saveMessage(ctx, sessionID, role, content, projectID, tags)
}

func (s *Service) saveMessage(ctx context.Context, sessionID, role, content string, projectID *int64, tags []string) (int64, error) {
	if err := s.pool.TouchSession(ctx, sessionID, projectID, ""); err != nil {
		return 0, err
	}

	msg := &persistence.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tags:      tags,
	}
	if projectID != nil {
		msg.ProjectID = sql.NullInt64{Int64: *projectID, Valid: true}
	}
	id, err := s.pool.StoreMessage(ctx, msg)
	if err != nil {
		return 0, err
	}

	s.embedRow(ctx, HeadSemantic, &Entry{
		ID:        id,
		SessionID: sessionID,
		ProjectID: projectID,
		Kind:      role,
		Content:   content,
		Tags:      tags,
		Salience:  msg.Salience,
		CreatedAt: msg.CreatedAt,
	})
	return id, nil
}

// embedRow embeds and saves a point best-effort, recording success in
// has_embedding. Rows with failed writes are re-embedded later.
func (s *Service) embedRow(ctx context.Context, head Head, e *Entry) {
	if s.store == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, e.Content)
	if err != nil {
		log.Warn().Err(err).Int64("id", e.ID).Msg("message_embedding_failed")
		return
	}
	e.Embedding = vec
	if _, err := s.store.Save(ctx, head, e); err != nil {
		log.Warn().Err(err).Int64("id", e.ID).Str("head", string(head)).Msg("vector_save_failed")
		return
	}
	if err := s.pool.MarkMessageEmbedded(ctx, e.ID, true); err != nil {
		log.Warn().Err(err).Int64("id", e.ID).Msg("mark_embedded_failed")
	}
}

// ReembedMessage retries the vector write for one repaired row.
func (s *Service) ReembedMessage(ctx context.Context, m *persistence.Message) error {
	if s.store == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		return err
	}
	var pid *int64
	if m.ProjectID.Valid {
		pid = &m.ProjectID.Int64
	}
	entry := &Entry{
		ID:        m.ID,
		SessionID: m.SessionID,
		ProjectID: pid,
		Kind:      m.Role,
		Content:   m.Content,
		Tags:      m.Tags,
		Salience:  m.Salience,
		Pinned:    m.Pinned,
		CreatedAt: m.CreatedAt,
		Embedding: vec,
	}
	if _, err := s.store.Save(ctx, HeadSemantic, entry); err != nil {
		return err
	}
	return s.pool.MarkMessageEmbedded(ctx, m.ID, true)
}

// SearchCode retrieves the code-head snippets closest to the query.
func (s *Service) SearchCode(ctx context.Context, query string, k int) ([]SearchHit, error) {
	if s.store == nil {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.store.Search(ctx, HeadCode, "", vec, k)
}

// IndexCodeSymbol embeds one code symbol into the code head.
func (s *Service) IndexCodeSymbol(ctx context.Context, sym *persistence.CodeSymbol, snippet string) error {
	if s.store == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, snippet)
	if err != nil {
		return err
	}
	pid := sym.ProjectID
	_, err = s.store.Save(ctx, HeadCode, &Entry{
		ID:        sym.ID,
		ProjectID: &pid,
		Kind:      sym.Kind,
		Content:   snippet,
		Embedding: vec,
	})
	return err
}

// RemoveCodeSymbols deletes code-head points for dropped symbol rows.
func (s *Service) RemoveCodeSymbols(ctx context.Context, ids []int64) {
	if s.store == nil {
		return
	}
	for _, id := range ids {
		if err := s.store.Delete(ctx, HeadCode, id); err != nil {
			log.Warn().Err(err).Int64("id", id).Msg("code_point_delete_failed")
		}
	}
}

// SaveSummaryEntry embeds a summary row into the summary head.
func (s *Service) SaveSummaryEntry(ctx context.Context, sum *persistence.Summary) {
	if s.store == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, sum.Content)
	if err != nil {
		log.Warn().Err(err).Int64("id", sum.ID).Msg("summary_embedding_failed")
		return
	}
	var pid *int64
	if sum.ProjectID.Valid {
		pid = &sum.ProjectID.Int64
	}
	if _, err := s.store.Save(ctx, HeadSummary, &Entry{
		ID:        sum.ID,
		SessionID: sum.SessionID,
		ProjectID: pid,
		Kind:      "summary",
		Content:   sum.Content,
		Tags:      []string{"summary"},
		Salience:  7.0,
		CreatedAt: sum.CreatedAt,
		Embedding: vec,
	}); err != nil {
		log.Warn().Err(err).Int64("id", sum.ID).Msg("summary_vector_save_failed")
	}
}
