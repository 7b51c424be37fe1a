package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
)

type fakeSweeper struct{ at []time.Time }

func (f *fakeSweeper) Sweep(now time.Time) int {
	f.at = append(f.at, now)
	return 2
}

type fakeDue struct {
	partners []partner.Partner
	err      error
}

func (f fakeDue) Due(context.Context, time.Time) ([]partner.Partner, error) {
	return f.partners, f.err
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDiscoverer) Discover(_ context.Context, id string) (partner.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return partner.Partner{ID: id}, nil
}

// heldPool queues jobs without running them.
type heldPool struct {
	jobs []outbound.Job
	full bool
}

func (h *heldPool) Submit(job outbound.Job) error {
	if h.full {
		return outbound.ErrQueueFull
	}
	h.jobs = append(h.jobs, job)
	return nil
}

func TestSweepUsesClock(t *testing.T) {
	sw := &fakeSweeper{}
	s := New(sw, fakeDue{}, &fakeDiscoverer{}, &heldPool{}, Config{})
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return at })

	assert.Equal(t, 2, s.Sweep())
	require.Len(t, sw.at, 1)
	assert.Equal(t, at, sw.at[0])
}

func TestRetryDiscoverySkipsInflight(t *testing.T) {
	due := fakeDue{partners: []partner.Partner{{ID: "a"}, {ID: "b"}}}
	disc := &fakeDiscoverer{}
	pool := &heldPool{}
	s := New(&fakeSweeper{}, due, disc, pool, Config{})
	ctx := context.Background()

	assert.Equal(t, 2, s.RetryDiscovery(ctx))
	assert.Equal(t, 0, s.RetryDiscovery(ctx), "jobs still queued")

	require.NoError(t, pool.jobs[0].Run(ctx))
	assert.Equal(t, 1, s.RetryDiscovery(ctx), "finished partner is eligible again")
	assert.Equal(t, []string{"a"}, disc.calls)
}

func TestRetryDiscoveryQueueFull(t *testing.T) {
	due := fakeDue{partners: []partner.Partner{{ID: "a"}}}
	pool := &heldPool{full: true}
	s := New(&fakeSweeper{}, due, &fakeDiscoverer{}, pool, Config{})
	ctx := context.Background()

	assert.Equal(t, 0, s.RetryDiscovery(ctx))
	pool.full = false
	assert.Equal(t, 1, s.RetryDiscovery(ctx), "rejected submit releases the claim")
}

func TestRetryDiscoveryListError(t *testing.T) {
	s := New(&fakeSweeper{}, fakeDue{err: errors.New("down")}, &fakeDiscoverer{}, &heldPool{}, Config{})
	assert.Equal(t, 0, s.RetryDiscovery(context.Background()))
}

func TestRunWithRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := partner.NewRegistry(partner.NewMemoryStore(), nil)
	disc := &fakeDiscoverer{}
	s := New(&fakeSweeper{}, reg, disc, outbound.Inline{}, Config{SweepInterval: time.Millisecond, DiscoveryInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
