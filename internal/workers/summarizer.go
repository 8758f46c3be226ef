package workers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/llm"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

const summarySystemPrompt = `Condense the following conversation segment into a short factual summary.
Keep decisions, facts and open questions; drop pleasantries.`

// Summarizer rolls chat history into tiered summaries. Level 1 covers raw
// messages once a session accumulates enough of them; level 2 condenses
// enough level-1 summaries. Summaries are reversible through Unroll.
type Summarizer struct {
	pool     *persistence.Pool
	service  *memory.Service
	provider llm.Provider
	cfg      config.SummarizerConfig
	locks    *advisoryLocks
}

func NewSummarizer(pool *persistence.Pool, service *memory.Service, provider llm.Provider, cfg config.SummarizerConfig) *Summarizer {
	return &Summarizer{pool: pool, service: service, provider: provider, cfg: cfg, locks: newAdvisoryLocks()}
}

// RunOnce sweeps every active session.
func (s *Summarizer) RunOnce(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	sessions, err := s.pool.ActiveSessionIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("summarizer_session_list_failed")
		return
	}
	for _, sessionID := range sessions {
		if err := s.RollSession(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("rolling_summary_failed")
		}
	}
}

// RollSession applies level-1 then level-2 summarization for one session.
func (s *Summarizer) RollSession(ctx context.Context, sessionID string) error {
	sess, err := s.pool.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	var projectID int64 // 0 means global; the lock table treats it as one key
	var projectRef sql.NullInt64
	if sess != nil && sess.ProjectID.Valid {
		projectID = sess.ProjectID.Int64
		projectRef = sess.ProjectID
	}
	if !s.locks.tryAcquire(projectID) {
		return nil
	}
	defer s.locks.release(projectID)

	if err := s.rollLevel1(ctx, sessionID, projectRef); err != nil {
		return err
	}
	return s.rollLevel2(ctx, sessionID, projectRef)
}

func (s *Summarizer) rollLevel1(ctx context.Context, sessionID string, projectID sql.NullInt64) error {
	count, err := s.pool.CountUnsummarized(ctx, sessionID)
	if err != nil {
		return err
	}
	if count <= s.cfg.RollingThresholdL1 {
		return nil
	}

	msgs, err := s.pool.UnsummarizedRange(ctx, sessionID, s.cfg.RollingThresholdL1)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	content, err := s.compose(ctx, renderMessages(msgs))
	if err != nil {
		return err
	}

	summary := &persistence.Summary{
		SessionID:  sessionID,
		ProjectID:  projectID,
		Content:    content,
		RangeStart: msgs[0].ID,
		RangeEnd:   msgs[len(msgs)-1].ID,
		Level:      1,
	}
	if _, err := s.pool.StoreSummaryTx(ctx, summary); err != nil {
		return err
	}
	s.service.SaveSummaryEntry(ctx, summary)

	observability.LoggerWithTrace(ctx).Info().
		Str("session_id", sessionID).
		Int64("range_start", summary.RangeStart).
		Int64("range_end", summary.RangeEnd).
		Msg("level1_summary_created")
	return nil
}

func (s *Summarizer) rollLevel2(ctx context.Context, sessionID string, projectID sql.NullInt64) error {
	level1, err := s.pool.SummariesAtLevel(ctx, sessionID, 1)
	if err != nil {
		return err
	}
	// Level 2 condenses enough level-1 summaries to cover the L2 message
	// threshold.
	needed := s.cfg.RollingThresholdL2 / s.cfg.RollingThresholdL1
	if needed < 2 {
		needed = 2
	}

	level2, err := s.pool.SummariesAtLevel(ctx, sessionID, 2)
	if err != nil {
		return err
	}
	covered := int64(0)
	for _, l2 := range level2 {
		if l2.RangeEnd > covered {
			covered = l2.RangeEnd
		}
	}

	var eligible []persistence.Summary
	for _, l1 := range level1 {
		if l1.RangeStart > covered {
			eligible = append(eligible, l1)
		}
	}
	if len(eligible) < needed {
		return nil
	}
	eligible = eligible[:needed]

	var parts []string
	for _, l1 := range eligible {
		parts = append(parts, l1.Content)
	}
	content, err := s.compose(ctx, strings.Join(parts, "\n\n"))
	if err != nil {
		return err
	}

	summary := &persistence.Summary{
		SessionID:  sessionID,
		ProjectID:  projectID,
		Content:    content,
		RangeStart: eligible[0].RangeStart,
		RangeEnd:   eligible[len(eligible)-1].RangeEnd,
		Level:      2,
	}
	if _, err := s.pool.StoreSummaryRow(ctx, summary); err != nil {
		return err
	}
	s.service.SaveSummaryEntry(ctx, summary)
	return nil
}

// Unroll reverses a summary: covered messages return to live recall and
// the summary row and its vector point disappear.
func (s *Summarizer) Unroll(ctx context.Context, summaryID int64) (int, error) {
	restored, err := s.pool.UnrollSummary(ctx, summaryID)
	if err != nil {
		return 0, err
	}
	if store := s.service.Store(); store != nil {
		if err := store.Delete(ctx, memory.HeadSummary, summaryID); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Int64("summary_id", summaryID).Msg("summary_point_delete_failed")
		}
	}
	return restored, nil
}

func (s *Summarizer) compose(ctx context.Context, text string) (string, error) {
	if s.provider == nil {
		// Headless fallback used in tests: first line of the raw text.
		if idx := strings.IndexByte(text, '\n'); idx > 0 {
			return "Summary: " + text[:idx], nil
		}
		return "Summary: " + text, nil
	}
	reply, err := s.provider.Chat(ctx, []llm.Message{llm.UserMessage(text)}, summarySystemPrompt)
	if err != nil {
		return "", fmt.Errorf("compose summary: %w", err)
	}
	return reply.Content, nil
}

func renderMessages(msgs []persistence.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
