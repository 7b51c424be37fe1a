// Package outbound runs partner calls (discovery, command delivery, callback
// reports, pushes) off the request path on a fixed set of workers.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ocpihub.org/internal/obs"
)

var (
	ErrQueueFull = errors.New("outbound queue full")
	ErrClosed    = errors.New("outbound pool closed")
)

// Job is one unit of outbound work.
type Job struct {
	Kind      string
	PartnerID string
	Run       func(ctx context.Context) error
	// Timeout overrides the pool default when positive.
	Timeout time.Duration
}

// Submitter accepts jobs. *Pool and Inline implement it.
type Submitter interface {
	Submit(job Job) error
}

// Config sizes the pool.
type Config struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// PerPartner caps the workers one partner's jobs may hold at once.
	PerPartner int `yaml:"per_partner"`
}

// DefaultConfig returns 8 workers, a queue of 1024, a 30s job timeout and
// at most 2 workers per partner.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 1024, JobTimeout: 30 * time.Second, PerPartner: 2}
}

// DeferredError asks the pool to run the job again after After. The job is
// not counted as failed and holds no worker meanwhile.
type DeferredError struct {
	After time.Duration
	Cause error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred for %s: %v", e.After, e.Cause)
}

func (e *DeferredError) Unwrap() error { return e.Cause }

// Defer wraps cause into a DeferredError.
func Defer(after time.Duration, cause error) error {
	return &DeferredError{After: after, Cause: cause}
}

// IsDeferred reports whether err asks for a later run.
func IsDeferred(err error) bool {
	var d *DeferredError
	return errors.As(err, &d)
}

type workerKey struct{}

// InWorker reports whether ctx belongs to a pool job, which may return
// Defer instead of waiting.
func InWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerKey{}).(bool)
	return v
}

// Pool is a fixed-size worker pool with one FIFO lane per partner. Lanes
// are served round robin and a partner never holds more than PerPartner
// workers, so a slow partner leaves the other workers to everyone else.
type Pool struct {
	timeout    time.Duration
	size       int
	perPartner int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	lanes    map[string][]Job
	order    []string
	active   map[string]int
	queued   int
	deferred int
	closed   bool
}

// New starts the workers.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.PerPartner <= 0 {
		cfg.PerPartner = def.PerPartner
	}
	if cfg.Workers > 1 && cfg.PerPartner >= cfg.Workers {
		cfg.PerPartner = cfg.Workers - 1
	}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), workerKey{}, true))
	p := &Pool{
		timeout:    cfg.JobTimeout,
		size:       cfg.QueueSize,
		perPartner: cfg.PerPartner,
		ctx:        ctx,
		cancel:     cancel,
		lanes:      make(map[string][]Job),
		active:     make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("outbound job without Run")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.queued >= p.size {
		obs.ObserveOutboundJob(job.Kind, "dropped")
		return ErrQueueFull
	}
	p.push(job)
	return nil
}

// push appends job to its lane. Callers hold mu.
func (p *Pool) push(job Job) {
	if _, ok := p.lanes[job.PartnerID]; !ok {
		p.order = append(p.order, job.PartnerID)
	}
	p.lanes[job.PartnerID] = append(p.lanes[job.PartnerID], job)
	p.queued++
	p.cond.Signal()
}

// next pops the first job of the first lane with a free slot and moves that
// lane to the back. Jobs without a partner are not capped. Callers hold mu.
func (p *Pool) next() (Job, bool) {
	for i, id := range p.order {
		if id != "" && p.active[id] >= p.perPartner {
			continue
		}
		lane := p.lanes[id]
		job := lane[0]
		p.order = append(p.order[:i:i], p.order[i+1:]...)
		if len(lane) == 1 {
			delete(p.lanes, id)
		} else {
			p.lanes[id] = lane[1:]
			p.order = append(p.order, id)
		}
		p.queued--
		p.active[id]++
		return job, true
	}
	return Job{}, false
}

func (p *Pool) done(id string) {
	p.mu.Lock()
	if p.active[id]--; p.active[id] <= 0 {
		delete(p.active, id)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// later puts job back into its lane after d unless the pool is shutting down.
func (p *Pool) later(job Job, d time.Duration) {
	p.mu.Lock()
	p.deferred++
	p.mu.Unlock()
	time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.deferred--
		if p.ctx.Err() != nil {
			obs.ObserveOutboundJob(job.Kind, "dropped")
		} else {
			p.push(job)
		}
		p.cond.Broadcast()
	})
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Close stops accepting jobs and waits for queued and deferred ones to
// finish. When ctx ends first, running jobs are cancelled and deferred ones
// dropped.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// worker is the processing loop for a single concurrent worker.
func (p *Pool) worker(workerID int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		job, ok := p.next()
		for !ok {
			if p.closed && p.queued == 0 && p.deferred == 0 {
				p.cond.Broadcast()
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
			job, ok = p.next()
		}
		p.mu.Unlock()

		var d *DeferredError
		if err := run(p.ctx, job, p.timeout, workerID); errors.As(err, &d) {
			p.later(job, d.After)
		}
		p.done(job.PartnerID)
	}
}

func run(parent context.Context, job Job, timeout time.Duration, workerID int) error {
	if job.Timeout > 0 {
		timeout = job.Timeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if IsDeferred(err) {
		obs.ObserveOutboundJob(job.Kind, "deferred")
		return err
	}
	if err != nil {
		obs.ObserveOutboundJob(job.Kind, "error")
		obs.Error("outbound job failed", err, map[string]any{
			"kind":        job.Kind,
			"partner_id":  job.PartnerID,
			"worker_id":   workerID,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return err
	}
	obs.ObserveOutboundJob(job.Kind, "ok")
	return nil
}

// Inline runs jobs synchronously on the caller's goroutine. Tests and
// single-shot tools use it in place of a Pool.
type Inline struct {
	Timeout time.Duration
}

func (i Inline) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("outbound job without Run")
	}
	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().JobTimeout
	}
	_ = run(context.Background(), job, timeout, -1)
	return nil
}
