package workers

import (
	"context"
	"encoding/json"

	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

// Patterns mines the session behavior log into reusable patterns. A
// pattern's confidence is the share of the session's events its key
// accounts for; repeats reinforce the occurrence count through the upsert.
type Patterns struct {
	pool *persistence.Pool
}

func NewPatterns(pool *persistence.Pool) *Patterns {
	return &Patterns{pool: pool}
}

// MineSession folds one session's event log into per-type patterns.
func (p *Patterns) MineSession(ctx context.Context, sessionID string, projectID int64) error {
	events, err := p.pool.BehaviorEventsForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.EventType]++
	}

	for eventType, count := range counts {
		data, _ := json.Marshal(map[string]any{"count": count, "total": len(events)})
		pat := &persistence.BehaviorPattern{
			ProjectID:   projectID,
			PatternType: "event_frequency",
			PatternKey:  eventType,
			PatternData: string(data),
			Confidence:  float64(count) / float64(len(events)),
		}
		if err := p.pool.UpsertBehaviorPattern(ctx, pat); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).
				Str("pattern_key", eventType).Msg("pattern_upsert_failed")
		}
	}
	return nil
}
