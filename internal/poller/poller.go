// Package poller re-checks in-flight payments against the ledger until they
// finalize or expire. It runs on a fixed interval because ledger finality is
// asynchronous and push notifications are not assumed reliable.
package poller

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"stablerails/internal/domain"
	"stablerails/internal/payment"
	"stablerails/internal/store"
)

type Config struct {
	Interval time.Duration
	// BatchSize caps how many intents one cycle picks up per query.
	BatchSize int
	// Concurrency bounds in-flight checks within one cycle.
	Concurrency int
	// OrphanAge is how long an intent may sit in confirmed before the orphan
	// sweep retries its completion.
	OrphanAge time.Duration
	// RefundWindow is how long after completion funds stay unsweepable.
	RefundWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.OrphanAge == 0 {
		c.OrphanAge = time.Minute
	}
	if c.RefundWindow == 0 {
		c.RefundWindow = 14 * 24 * time.Hour
	}
	return c
}

// Poller owns the background settlement loop. Instances are stateless; any
// number may run against the same store.
type Poller struct {
	cfg   Config
	store store.Store
	coord *payment.Coordinator
	now   func() time.Time
}

func New(cfg Config, st store.Store, coord *payment.Coordinator) *Poller {
	return &Poller{cfg: cfg.withDefaults(), store: st, coord: coord, now: time.Now}
}

// Run blocks until ctx is cancelled, executing one cycle per tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Printf("poller running every %s", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle runs every sweep once. Each sweep swallows transient errors: doing
// nothing is always safe because every transition is guarded, and the next
// tick retries.
func (p *Poller) Cycle(ctx context.Context) {
	p.checkInFlight(ctx)
	p.expireStale(ctx)
	p.retryOrphans(ctx)
	p.markSweepEligible(ctx)
}

func (p *Poller) checkInFlight(ctx context.Context) {
	intents, err := p.store.InFlight(ctx, p.cfg.BatchSize)
	if err != nil {
		log.Printf("poller: list in-flight: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, intent := range intents {
		intent := intent
		g.Go(func() error {
			if err := p.coord.CheckInFlight(gctx, intent); err != nil {
				// Transient failure; the intent stays put for the next cycle.
				log.Printf("poller: intent %s: %v", intent.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) expireStale(ctx context.Context) {
	intents, err := p.store.Expirable(ctx, p.now(), p.cfg.BatchSize)
	if err != nil {
		log.Printf("poller: list expirable: %v", err)
		return
	}
	for _, intent := range intents {
		// Expiry races against a late confirmation; whichever guarded write
		// lands first wins, the loser is a no-op.
		if intent.Status == domain.StatusSubmitted || intent.Status == domain.StatusConfirming {
			if err := p.coord.CheckInFlight(ctx, intent); err != nil {
				log.Printf("poller: final check before expiry %s: %v", intent.ID, err)
			}
			continue
		}
		if err := p.coord.ExpireIntent(ctx, intent); err != nil {
			log.Printf("poller: expire %s: %v", intent.ID, err)
		}
	}
}

// retryOrphans re-runs completion for intents that confirmed but never got
// their ledger rows, typically after a crash between the two steps.
func (p *Poller) retryOrphans(ctx context.Context) {
	before := p.now().Add(-p.cfg.OrphanAge)
	intents, err := p.store.OrphanedConfirmed(ctx, before, p.cfg.BatchSize)
	if err != nil {
		log.Printf("poller: list orphans: %v", err)
		return
	}
	for _, intent := range intents {
		if err := p.coord.Finalize(ctx, intent); err != nil {
			log.Printf("poller: finalize orphan %s: %v", intent.ID, err)
		}
	}
}

func (p *Poller) markSweepEligible(ctx context.Context) {
	before := p.now().Add(-p.cfg.RefundWindow)
	intents, err := p.store.SweepCandidates(ctx, before, p.cfg.BatchSize)
	if err != nil {
		log.Printf("poller: list sweep candidates: %v", err)
		return
	}
	for _, intent := range intents {
		applied, err := p.store.MarkSweepEligible(ctx, intent.ID)
		if err != nil {
			log.Printf("poller: mark sweep eligible %s: %v", intent.ID, err)
			continue
		}
		if applied {
			log.Printf("intent %s eligible for treasury sweep", intent.ID)
		}
	}
}
