package recall

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

const (
	// Salience below this never reaches the prompt; decay already pushed it
	// out of relevance.
	salienceFloor = 3.0

	multiHeadLatencyBudget  = 1500 * time.Millisecond
	singleHeadLatencyBudget = 1000 * time.Millisecond
)

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Context is the bundle handed to the provider: recent messages in
// chronological order, semantic hits in composite order.
type Context struct {
	Recent   []persistence.Message
	Semantic []ScoredEntry
}

// Options tunes one pipeline instance.
type Options struct {
	RecentCount   int
	SemanticCount int
	HalfLifeHours float64
}

// Pipeline builds recall contexts. When multi is set it fans out across
// heads; otherwise it searches the single fallback head.
type Pipeline struct {
	embedder Embedder
	pool     *persistence.Pool
	multi    *memory.MultiStore
	single   memory.HeadStore
	scorer   *Scorer
	opts     Options
}

func NewPipeline(embedder Embedder, pool *persistence.Pool, multi *memory.MultiStore, opts Options) *Pipeline {
	if opts.RecentCount <= 0 {
		opts.RecentCount = 20
	}
	if opts.SemanticCount <= 0 {
		opts.SemanticCount = 10
	}
	scorer := NewScorer()
	if opts.HalfLifeHours > 0 {
		scorer = NewScorerWithWeights(0.4, 0.3, 0.3, 2.0, 1.5, opts.HalfLifeHours)
	}
	return &Pipeline{embedder: embedder, pool: pool, multi: multi, scorer: scorer, opts: opts}
}

// NewSingleHeadPipeline builds a pipeline over one head only.
func NewSingleHeadPipeline(embedder Embedder, pool *persistence.Pool, single memory.HeadStore, opts Options) *Pipeline {
	p := NewPipeline(embedder, pool, nil, opts)
	p.single = single
	return p
}

// BuildContext assembles the recall bundle for one prompt. The embedding
// and the recent-message load run in parallel; an embedding failure
// degrades to recent-only context rather than failing the operation.
func (p *Pipeline) BuildContext(ctx context.Context, sessionID, userText string) (*Context, error) {
	log := observability.LoggerWithTrace(ctx)
	start := time.Now()

	budget := singleHeadLatencyBudget
	if p.multi != nil {
		budget = multiHeadLatencyBudget
	}

	var (
		queryVec []float32
		recent   []persistence.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := p.embedder.Embed(gctx, userText)
		if err != nil {
			log.Warn().Err(err).Msg("recall_embedding_failed")
			return nil
		}
		queryVec = vec
		return nil
	})
	g.Go(func() error {
		msgs, err := p.pool.LoadRecent(gctx, sessionID, p.opts.RecentCount)
		if err != nil {
			return err
		}
		recent = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Context{Recent: recent}
	if queryVec == nil {
		// Text-only fallback: no semantic hits this round.
		return result, nil
	}

	candidates := p.gatherCandidates(ctx, sessionID, queryVec)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.refreshSalience(ctx, candidates)

	now := time.Now()
	scored := candidates[:0]
	for i := range candidates {
		c := &candidates[i]
		p.scorer.Score(c, now)
		if c.Entry.Salience < salienceFloor {
			continue
		}
		scored = append(scored, *c)
	}
	SortEntries(scored)
	if len(scored) > p.opts.SemanticCount {
		scored = scored[:p.opts.SemanticCount]
	}
	result.Semantic = scored

	if elapsed := time.Since(start); elapsed > budget {
		log.Warn().Dur("elapsed", elapsed).Dur("budget", budget).Msg("slow_context_build")
	} else {
		log.Debug().Dur("elapsed", elapsed).
			Int("recent", len(result.Recent)).
			Int("semantic", len(result.Semantic)).
			Msg("context_built")
	}
	return result, nil
}

// gatherCandidates runs the head searches and deduplicates across heads by
// row id, keeping each candidate's source head and within-head rank.
func (p *Pipeline) gatherCandidates(ctx context.Context, sessionID string, queryVec []float32) []ScoredEntry {
	var results []memory.HeadResult
	if p.multi != nil {
		heads := len(p.multi.EnabledHeads())
		if heads == 0 {
			return nil
		}
		kPerHead := p.opts.SemanticCount / heads
		if kPerHead < 10 {
			kPerHead = 10
		}
		results = p.multi.SearchAll(ctx, sessionID, queryVec, kPerHead)
	} else if p.single != nil {
		k := p.opts.SemanticCount + p.opts.SemanticCount/2
		hits, err := p.single.Search(ctx, sessionID, queryVec, k)
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("single_head_search_failed")
			return nil
		}
		results = []memory.HeadResult{{Head: memory.HeadSemantic, Hits: hits}}
	}

	seen := make(map[int64]struct{})
	var candidates []ScoredEntry
	for _, hr := range results {
		for rank, hit := range hr.Hits {
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			similarity := float64(hit.Score)
			if similarity <= 0 {
				similarity = RankSimilarity(rank)
			}
			candidates = append(candidates, ScoredEntry{
				Entry:      hit.Entry,
				SourceHead: hr.Head,
				Rank:       rank,
				Similarity: similarity,
			})
		}
	}
	return candidates
}

// refreshSalience replaces payload salience with the current database value
// for message-backed candidates. The database is the source of truth; the
// vector payload is only a cache.
func (p *Pipeline) refreshSalience(ctx context.Context, candidates []ScoredEntry) {
	for i := range candidates {
		c := &candidates[i]
		if c.SourceHead != memory.HeadSemantic && c.SourceHead != memory.HeadSummary {
			continue
		}
		msg, err := p.pool.GetMessage(ctx, c.Entry.ID)
		if err != nil || msg == nil {
			continue
		}
		c.Entry.Salience = msg.Salience
		c.Entry.Pinned = msg.Pinned
		if len(msg.Tags) > 0 {
			c.Entry.Tags = msg.Tags
		}
	}
}
