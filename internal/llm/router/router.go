package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/llm"
	"github.com/ConaryLabs/mira/internal/observability"
)

// Tier names one provider handle. Escalation runs fast -> voice -> thinker.
type Tier string

const (
	TierFast    Tier = "fast"
	TierVoice   Tier = "voice"
	TierThinker Tier = "thinker"
)

var escalationChain = []Tier{TierFast, TierVoice, TierThinker}

// Stats is a snapshot of routing counters.
type Stats struct {
	Routed    map[Tier]int64
	Fallbacks int64
	SavedUSD  float64
}

// Router owns the tier providers and the routing decision. Stats are
// process-local and mutex-protected.
type Router struct {
	cfg        config.RouterConfig
	classifier *Classifier
	providers  map[Tier]llm.Provider

	mu        sync.Mutex
	routed    map[Tier]int64
	fallbacks int64
	savedUSD  float64
}

// New wires a router over the configured tier providers. Missing tiers are
// allowed; routing to one falls through to the next tier in the chain.
func New(cfg config.RouterConfig, classifier *Classifier, providers map[Tier]llm.Provider) *Router {
	return &Router{
		cfg:        cfg,
		classifier: classifier,
		providers:  providers,
		routed:     make(map[Tier]int64),
	}
}

// IsEnabled reports whether routing decisions are active.
func (r *Router) IsEnabled() bool { return r.cfg.Enabled }

// Config exposes the routing configuration.
func (r *Router) Config() config.RouterConfig { return r.cfg }

// GetProvider returns one tier's provider, nil when unconfigured.
func (r *Router) GetProvider(tier Tier) llm.Provider { return r.providers[tier] }

// Fast returns the fast tier provider.
func (r *Router) Fast() llm.Provider { return r.providers[TierFast] }

// Voice returns the voice tier provider.
func (r *Router) Voice() llm.Provider { return r.providers[TierVoice] }

// Thinker returns the thinker tier provider.
func (r *Router) Thinker() llm.Provider { return r.providers[TierThinker] }

// DefaultTier is where all traffic goes when routing is disabled.
func (r *Router) DefaultTier() Tier {
	tier := Tier(r.cfg.DefaultTier)
	if _, ok := r.providers[tier]; !ok {
		tier = TierVoice
	}
	return tier
}

// TierFor maps a classified task to a tier. Identical (task, config)
// inputs always produce the same tier.
func (r *Router) TierFor(task TaskType) Tier {
	if !r.cfg.Enabled {
		return r.DefaultTier()
	}
	var tier Tier
	switch task {
	case TaskCode:
		tier = TierFast
	default:
		tier = TierThinker
	}
	// A missing tier escalates to the next configured one.
	for _, candidate := range chainFrom(tier) {
		if _, ok := r.providers[candidate]; ok {
			return candidate
		}
	}
	return r.DefaultTier()
}

// Route picks the provider for a task and records the decision.
func (r *Router) Route(ctx context.Context, task TaskType) (Tier, llm.Provider) {
	tier := r.TierFor(task)
	provider := r.providers[tier]

	r.mu.Lock()
	r.routed[tier]++
	if tier == TierFast {
		// Cost saved relative to sending the request to the thinker tier.
		r.savedUSD += (r.cfg.Thinker.CostPerMTok - r.cfg.Fast.CostPerMTok) / 1000.0
	}
	r.mu.Unlock()

	if r.cfg.LogRouting {
		observability.LoggerWithTrace(ctx).Debug().
			Str("task", task.String()).Str("tier", string(tier)).Msg("routed")
	}
	return tier, provider
}

// Infer classifies the request text and routes it.
func (r *Router) Infer(ctx context.Context, message string, hasProject bool) (Tier, llm.Provider) {
	if !r.cfg.Enabled {
		tier := r.DefaultTier()
		return tier, r.providers[tier]
	}
	task := r.classifier.Classify(ctx, message, hasProject)
	return r.Route(ctx, task)
}

// RouteWithFallback runs fn against the routed provider and, when enabled,
// escalates along the fixed chain on typed provider failures. Other errors
// and successes return immediately.
func (r *Router) RouteWithFallback(ctx context.Context, task TaskType, fn func(tier Tier, p llm.Provider) error) error {
	start := r.TierFor(task)
	chain := chainFrom(start)

	var lastErr error
	for i, tier := range chain {
		provider, ok := r.providers[tier]
		if !ok {
			continue
		}
		if i > 0 {
			if !r.cfg.EnableFallback {
				break
			}
			r.mu.Lock()
			r.fallbacks++
			r.mu.Unlock()
			observability.LoggerWithTrace(ctx).Warn().
				Str("tier", string(tier)).Err(lastErr).Msg("router_fallback")
		}

		err := fn(tier, provider)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isFallbackWorthy(err) {
			return err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider configured for tier %s", start)
	}
	return lastErr
}

// StatsSnapshot copies the counters.
func (r *Router) StatsSnapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	routed := make(map[Tier]int64, len(r.routed))
	for k, v := range r.routed {
		routed[k] = v
	}
	return Stats{Routed: routed, Fallbacks: r.fallbacks, SavedUSD: r.savedUSD}
}

func chainFrom(start Tier) []Tier {
	for i, t := range escalationChain {
		if t == start {
			return escalationChain[i:]
		}
	}
	return escalationChain
}

func isFallbackWorthy(err error) bool {
	return errors.Is(err, llm.ErrUnavailable) ||
		errors.Is(err, llm.ErrRateLimited) ||
		errors.Is(err, llm.ErrTimeout)
}
