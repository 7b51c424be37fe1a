// Package scheduler drives the periodic work of the hub: expiring pending
// commands and retrying discovery of unreachable partners.
package scheduler

import (
	"context"
	"sync"
	"time"

	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
)

// Sweeper expires pending commands. *command.Dispatcher implements it.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Discoverer refreshes a partner's versions and endpoints.
// *handshake.Handshaker implements it.
type Discoverer interface {
	Discover(ctx context.Context, partnerID string) (partner.Partner, error)
}

// DueLister returns partners whose discovery retry is due.
// *partner.Registry implements it.
type DueLister interface {
	Due(ctx context.Context, now time.Time) ([]partner.Partner, error)
}

// Config sets the loop periods.
type Config struct {
	SweepInterval     time.Duration
	DiscoveryInterval time.Duration
}

// Scheduler runs the sweep and discovery loops.
type Scheduler struct {
	sweeper    Sweeper
	partners   DueLister
	discoverer Discoverer
	jobs       outbound.Submitter
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds a scheduler. Zero intervals default to 1s and 30s.
func New(sweeper Sweeper, partners DueLister, discoverer Discoverer, jobs outbound.Submitter, cfg Config) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 30 * time.Second
	}
	return &Scheduler{
		sweeper:    sweeper,
		partners:   partners,
		discoverer: discoverer,
		jobs:       jobs,
		cfg:        cfg,
		now:        time.Now,
		inflight:   make(map[string]bool),
	}
}

// SetClock replaces time.Now.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Run blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	discovery := time.NewTicker(s.cfg.DiscoveryInterval)
	defer discovery.Stop()

	s.RetryDiscovery(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.Sweep()
		case <-discovery.C:
			s.RetryDiscovery(ctx)
		}
	}
}

// Sweep expires overdue commands and returns how many timed out.
func (s *Scheduler) Sweep() int {
	n := s.sweeper.Sweep(s.now())
	if n > 0 {
		obs.Info("commands timed out", map[string]any{"count": n})
	}
	return n
}

// RetryDiscovery submits a discovery job for every due partner that has none
// running and returns how many were submitted.
func (s *Scheduler) RetryDiscovery(ctx context.Context) int {
	due, err := s.partners.Due(ctx, s.now())
	if err != nil {
		obs.Error("list due partners", err, nil)
		return 0
	}
	submitted := 0
	for _, p := range due {
		if !s.claim(p.ID) {
			continue
		}
		id := p.ID
		err := s.jobs.Submit(outbound.Job{
			Kind:      "discovery",
			PartnerID: id,
			Run: func(ctx context.Context) error {
				_, err := s.discoverer.Discover(ctx, id)
				if !outbound.IsDeferred(err) {
					s.release(id)
				}
				return err
			},
		})
		if err != nil {
			s.release(id)
			obs.Warn("discovery not scheduled", map[string]any{"partner_id": id, "error": err.Error()})
			continue
		}
		submitted++
	}
	return submitted
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
