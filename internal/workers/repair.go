package workers

import (
	"context"
	"time"

	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

const repairBatchSize = 50

// Repair closes the eventual-consistency gap between rows and points:
// rows whose vector write failed get re-embedded, and points whose row is
// gone get collected.
type Repair struct {
	pool    *persistence.Pool
	service *memory.Service
}

func NewRepair(pool *persistence.Pool, service *memory.Service) *Repair {
	return &Repair{pool: pool, service: service}
}

// ReembedMissing retries the vector write for rows with has_embedding=0.
func (r *Repair) ReembedMissing(ctx context.Context) int {
	log := observability.LoggerWithTrace(ctx)

	msgs, err := r.pool.MessagesMissingEmbedding(ctx, repairBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("repair_scan_failed")
		return 0
	}

	repaired := 0
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return repaired
		}
		if err := r.service.ReembedMessage(ctx, &msgs[i]); err != nil {
			log.Debug().Err(err).Int64("id", msgs[i].ID).Msg("reembed_failed")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		log.Info().Int("repaired", repaired).Msg("embeddings_repaired")
	}
	return repaired
}

// CollectOrphans scrolls each head and deletes points whose owning row no
// longer exists. Deletes retry until they land; cleanup must win.
func (r *Repair) CollectOrphans(ctx context.Context) int {
	log := observability.LoggerWithTrace(ctx)
	store := r.service.Store()
	if store == nil {
		return 0
	}

	collected := 0
	for _, head := range store.EnabledHeads() {
		ids, err := store.ScrollAll(ctx, head)
		if err != nil {
			log.Warn().Err(err).Str("head", string(head)).Msg("orphan_scroll_failed")
			continue
		}
		for _, id := range ids {
			exists, err := r.rowExists(ctx, head, id)
			if err != nil || exists {
				continue
			}
			if err := store.DeleteEventually(ctx, head, id); err != nil {
				log.Warn().Err(err).Str("head", string(head)).Int64("id", id).Msg("orphan_delete_failed")
				continue
			}
			collected++
		}
	}
	if collected > 0 {
		log.Info().Int("collected", collected).Msg("orphan_points_collected")
	}
	return collected
}

func (r *Repair) rowExists(ctx context.Context, head memory.Head, id int64) (bool, error) {
	table := "chat_history"
	switch head {
	case memory.HeadCode:
		table = "code_symbols"
	case memory.HeadSummary:
		table = "chat_summaries"
	case memory.HeadDocuments, memory.HeadRelationship:
		table = "memory_facts"
	}
	var n int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Start runs the repair loop until ctx ends.
func (r *Repair) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReembedMissing(ctx)
			r.CollectOrphans(ctx)
		}
	}
}
