package workers

import (
	"context"
	"math"
	"time"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
)

// Decay ages salience in the database on a schedule. One UPDATE per
// project applies s <- max(0, s * exp(-lambda * dt)); read paths never
// re-decay, the stored value is the truth.
type Decay struct {
	pool  *persistence.Pool
	cfg   config.DecayConfig
	locks *advisoryLocks

	lastRun time.Time
}

func NewDecay(pool *persistence.Pool, cfg config.DecayConfig) *Decay {
	return &Decay{pool: pool, cfg: cfg, locks: newAdvisoryLocks(), lastRun: time.Now()}
}

// Factor computes the multiplicative decay for an elapsed interval.
func (d *Decay) Factor(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1.0
	}
	lambda := math.Ln2 / d.cfg.HalfLifeHours
	return math.Exp(-lambda * elapsed.Hours())
}

// RunOnce decays every project plus the global scope by the time elapsed
// since the previous run.
func (d *Decay) RunOnce(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)

	now := time.Now()
	factor := d.Factor(now.Sub(d.lastRun))
	d.lastRun = now
	if factor >= 1.0 {
		return
	}

	projects, err := d.pool.ListProjects(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("decay_project_list_failed")
		return
	}

	total := int64(0)
	for _, proj := range projects {
		if !d.locks.tryAcquire(proj.ID) {
			continue
		}
		pid := proj.ID
		n, err := d.pool.DecaySalience(ctx, &pid, factor)
		d.locks.release(proj.ID)
		if err != nil {
			log.Warn().Err(err).Int64("project_id", proj.ID).Msg("decay_failed")
			continue
		}
		total += n
	}

	// Global-scope rows (no project).
	if d.locks.tryAcquire(0) {
		if n, err := d.pool.DecaySalience(ctx, nil, factor); err == nil {
			total += n
		} else {
			log.Warn().Err(err).Msg("decay_global_failed")
		}
		d.locks.release(0)
	}

	log.Debug().Float64("factor", factor).Int64("rows", total).Msg("salience_decayed")
}

// Start runs the decay job on its configured interval until ctx ends.
func (d *Decay) Start(ctx context.Context) {
	interval := time.Duration(d.cfg.IntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}
