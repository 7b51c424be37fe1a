package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/resource"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *resource.MemoryStore
	bus    *events.Bus
	clock  time.Time
	seen   []events.ResourceChanged
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: resource.NewMemoryStore(), bus: events.New(), clock: t0}
	f.engine = New(f.store, f.bus, cfg, WithClock(func() time.Time { return f.clock }))
	events.On(f.bus, func(evt events.ResourceChanged) { f.seen = append(f.seen, evt) })
	return f
}

func loc(path ...string) resource.Key {
	return resource.NewKey(ocpi.ModuleLocations, "NL", "ABC", path...)
}

func TestPutRejectsStaleWritesForAllModules(t *testing.T) {
	ctx := context.Background()
	for _, m := range ocpi.DataModules {
		t.Run(string(m.ID), func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			key := resource.NewKey(m.ID, "DE", "GEF", "X1")

			first, err := f.engine.Put(ctx, key, []byte(`{"id":"X1","v":1}`), t0, WriteOptions{})
			require.NoError(t, err)

			for _, ts := range []time.Time{t0, t0.Add(-time.Minute)} {
				_, err = f.engine.Put(ctx, key, []byte(`{"id":"X1","v":2}`), ts, WriteOptions{})
				require.ErrorIs(t, err, ocpi.ErrStaleWrite)
			}
			got, err := f.engine.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, first.ETag, got.ETag)

			allowed, err := f.engine.Put(ctx, key, []byte(`{"id":"X1","v":3}`), t0.Add(-time.Minute),
				WriteOptions{Policy: Policy{AllowDowngrade: Bool(true)}})
			require.NoError(t, err)
			assert.True(t, allowed.LastUpdated.Equal(t0.Add(-time.Minute)))

			newer, err := f.engine.Put(ctx, key, []byte(`{"id":"X1","v":4}`), t0.Add(time.Hour), WriteOptions{})
			require.NoError(t, err)
			assert.NotEqual(t, first.ETag, newer.ETag)
		})
	}
}

func TestPolicyPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Global = Policy{AllowDowngrade: Bool(true), Retention: Keep(RetentionTombstone)}
	cfg.Modules = map[ocpi.ModuleID]Policy{ocpi.ModuleTariffs: {AllowDowngrade: Bool(false)}}

	got := resolve(cfg.Global, cfg.Modules, ocpi.ModuleLocations, Policy{})
	assert.True(t, got.allowDowngrade)
	assert.True(t, got.failOnMissing)
	assert.Equal(t, RetentionTombstone, got.retention)

	got = resolve(cfg.Global, cfg.Modules, ocpi.ModuleTariffs, Policy{})
	assert.False(t, got.allowDowngrade)

	got = resolve(cfg.Global, cfg.Modules, ocpi.ModuleTariffs, Policy{AllowDowngrade: Bool(true), FailOnMissing: Bool(false)})
	assert.True(t, got.allowDowngrade)
	assert.False(t, got.failOnMissing)

	got = resolve(Policy{}, nil, ocpi.ModuleCDRs, Policy{})
	assert.Equal(t, builtin, got)
}

func TestPatchIsIdempotentForOneBump(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	key := loc("L1")
	_, err := f.engine.Put(ctx, key, []byte(`{"id":"L1","name":"old","address":"a"}`), t0, WriteOptions{})
	require.NoError(t, err)

	t1 := t0.Add(time.Minute)
	patch := []byte(`{"name":"new"}`)
	once, err := f.engine.Patch(ctx, key, patch, t1, WriteOptions{})
	require.NoError(t, err)
	twice, err := f.engine.Patch(ctx, key, patch, t1, WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, once.ETag, twice.ETag)
	assert.JSONEq(t, string(once.Payload), string(twice.Payload))
	assert.JSONEq(t, `{"id":"L1","name":"new","address":"a","last_updated":"2026-05-01T12:01:00Z"}`, string(twice.Payload))
	assert.Len(t, f.seen, 2, "the replay must not raise a change event")

	_, err = f.engine.Patch(ctx, key, []byte(`{"name":"other"}`), t1, WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrStaleWrite)
}

func TestPatchMalformedMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	key := loc("L1")
	before, err := f.engine.Put(ctx, key, []byte(`{"id":"L1"}`), t0, WriteOptions{})
	require.NoError(t, err)

	var syntaxErr error
	var v any
	syntaxErr = json.Unmarshal([]byte(`{"name":`), &v)
	require.Error(t, syntaxErr)

	_, err = f.engine.Patch(ctx, key, []byte(`{"name":`), t0.Add(time.Minute), WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrProtocol)
	assert.Contains(t, err.Error(), syntaxErr.Error())

	_, err = f.engine.Patch(ctx, key, []byte(`["name"]`), t0.Add(time.Minute), WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrProtocol)

	_, err = f.engine.Patch(ctx, key, []byte(`null`), t0.Add(time.Minute), WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrProtocol)

	after, err := f.engine.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.ETag, after.ETag)
	assert.True(t, after.LastUpdated.Equal(t0))
}

func TestPatchMissingTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.engine.Patch(ctx, loc("L9"), []byte(`{"name":"x"}`), t0, WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrNotFound)

	created, err := f.engine.Patch(ctx, loc("L9"), []byte(`{"name":"x"}`), t0,
		WriteOptions{Policy: Policy{FailOnMissing: Bool(false)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x","last_updated":"2026-05-01T12:00:00Z"}`, string(created.Payload))

	_, err = f.engine.Patch(ctx, loc("L8", "E1"), []byte(`{"uid":"E1"}`), t0,
		WriteOptions{Policy: Policy{FailOnMissing: Bool(false)}})
	require.ErrorIs(t, err, ocpi.ErrNotFound, "auto-create still needs the parent")
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, retention := range []Retention{RetentionRemove, RetentionTombstone} {
		t.Run(string(retention), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Global.Retention = Keep(retention)
			f := newFixture(t, cfg)

			require.NoError(t, f.engine.Delete(ctx, loc("absent"), WriteOptions{}))

			_, err := f.engine.Put(ctx, loc("L1"), []byte(`{"id":"L1"}`), t0, WriteOptions{})
			require.NoError(t, err)
			_, err = f.engine.Put(ctx, loc("L1", "E1"), []byte(`{"uid":"E1"}`), t0, WriteOptions{})
			require.NoError(t, err)

			f.clock = t0.Add(time.Hour)
			require.NoError(t, f.engine.Delete(ctx, loc("L1"), WriteOptions{}))
			count := len(f.seen)
			require.NoError(t, f.engine.Delete(ctx, loc("L1"), WriteOptions{}))
			assert.Len(t, f.seen, count, "second delete is a no-op")

			_, err = f.engine.Get(ctx, loc("L1"))
			require.ErrorIs(t, err, ocpi.ErrNotFound)
			_, err = f.engine.Get(ctx, loc("L1", "E1"))
			require.ErrorIs(t, err, ocpi.ErrNotFound)

			page, err := f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations})
			require.NoError(t, err)
			assert.Zero(t, page.Total)

			stored, err := f.store.Get(ctx, loc("L1"))
			if retention == RetentionRemove {
				require.ErrorIs(t, err, ocpi.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.True(t, stored.Deleted)

			// The tombstone keeps the record's own timestamp, not the clock
			// at deletion, and blocks writes that are not newer.
			assert.True(t, stored.LastUpdated.Equal(t0))
			_, err = f.engine.Put(ctx, loc("L1"), []byte(`{"id":"L1"}`), t0, WriteOptions{})
			require.ErrorIs(t, err, ocpi.ErrStaleWrite)
			_, err = f.engine.Put(ctx, loc("L1"), []byte(`{"id":"L1"}`), t0.Add(30*time.Minute), WriteOptions{})
			require.NoError(t, err)
			_, err = f.engine.Get(ctx, loc("L1"))
			require.NoError(t, err)
		})
	}
}

func TestCascadeBumpsAncestors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, err := f.engine.Put(ctx, loc("L1", "E1"), []byte(`{"uid":"E1"}`), t0, WriteOptions{})
	require.ErrorIs(t, err, ocpi.ErrNotFound, "child without parent")

	l1, err := f.engine.Put(ctx, loc("L1"), []byte(`{"id":"L1"}`), t0, WriteOptions{})
	require.NoError(t, err)
	e1, err := f.engine.Put(ctx, loc("L1", "E1"), []byte(`{"uid":"E1"}`), t0, WriteOptions{})
	require.NoError(t, err)

	t2 := t0.Add(2 * time.Minute)
	f.seen = nil
	_, err = f.engine.Put(ctx, loc("L1", "E1", "C1"), []byte(`{"id":"C1"}`), t2, WriteOptions{Source: "p1"})
	require.NoError(t, err)

	gotL1, _ := f.engine.Get(ctx, loc("L1"))
	gotE1, _ := f.engine.Get(ctx, loc("L1", "E1"))
	assert.True(t, gotL1.LastUpdated.Equal(t2))
	assert.True(t, gotE1.LastUpdated.Equal(t2))
	assert.NotEqual(t, l1.ETag, gotL1.ETag)
	assert.NotEqual(t, e1.ETag, gotE1.ETag)
	assert.Contains(t, string(gotL1.Payload), `"last_updated":"2026-05-01T12:02:00Z"`)

	var ops []string
	for _, evt := range f.seen {
		ops = append(ops, string(evt.Op)+":"+evt.Path)
		assert.Equal(t, "p1", evt.SourcePartner)
	}
	assert.Equal(t, []string{"cascade:L1/E1", "cascade:L1", "put:L1/E1/C1"}, ops)

	// An older child write does not move ancestors backwards.
	_, err = f.engine.Put(ctx, loc("L1", "E2"), []byte(`{"uid":"E2"}`), t0.Add(time.Minute), WriteOptions{})
	require.NoError(t, err)
	gotL1, _ = f.engine.Get(ctx, loc("L1"))
	assert.True(t, gotL1.LastUpdated.Equal(t2))
}

func TestPaginationIsComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	for i := 0; i < 23; i++ {
		// Pairs share a creation time so the sequence decides their order.
		f.clock = t0.Add(time.Duration(i/2) * time.Second)
		_, err := f.engine.Put(ctx, loc(fmt.Sprintf("L%02d", i)), []byte(`{}`), t0.Add(time.Duration(i)*time.Minute), WriteOptions{})
		require.NoError(t, err)
	}
	_, err := f.engine.Put(ctx, resource.NewKey(ocpi.ModuleLocations, "DE", "XYZ", "other"), []byte(`{}`), t0, WriteOptions{})
	require.NoError(t, err)

	owners := []resource.Owner{{CountryCode: "NL", PartyID: "ABC"}}
	filters := []ListQuery{
		{},
		{DateFrom: t0.Add(5 * time.Minute)},
		{DateFrom: t0.Add(5 * time.Minute), DateTo: t0.Add(17 * time.Minute)},
	}
	for fi, filter := range filters {
		filter.Module = ocpi.ModuleLocations
		filter.Owners = owners
		full, err := f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations, Owners: owners, DateFrom: filter.DateFrom, DateTo: filter.DateTo, Limit: 1000})
		require.NoError(t, err)
		require.Nil(t, full.Next)
		assert.Equal(t, 23, full.Total)

		var want []string
		for _, r := range full.Items {
			want = append(want, r.Key.Path)
		}
		for limit := 1; limit <= 25; limit++ {
			q := filter
			q.Limit = limit
			var got []string
			for pages := 0; ; pages++ {
				require.Less(t, pages, 100, "runaway pagination")
				page, err := f.engine.List(ctx, q)
				require.NoError(t, err)
				assert.Equal(t, full.Filtered, page.Filtered)
				for _, r := range page.Items {
					got = append(got, r.Key.Path)
				}
				if page.Next == nil {
					break
				}
				// The next link carries everything needed; rebuild the query from it.
				parsed, err := ParseQuery(page.Next.Values())
				require.NoError(t, err)
				parsed.Module, parsed.Owners = q.Module, q.Owners
				q = parsed
			}
			require.Equal(t, want, got, "filter %d limit %d", fi, limit)
		}
	}

	page, err := f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations, Owners: owners, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"L00", "L01", "L02", "L03", "L04"}, paths(page.Items))
}

func TestListClampsLimitAndRejectsUnknownModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DefaultLimit: 2, MaxLimit: 3})
	for i := 0; i < 5; i++ {
		_, err := f.engine.Put(ctx, loc(fmt.Sprintf("L%d", i)), []byte(`{}`), t0, WriteOptions{})
		require.NoError(t, err)
	}
	page, err := f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	page, err = f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Limit)
	require.NotNil(t, page.Next)
	assert.Equal(t, 3, page.Next.Offset)

	page, err = f.engine.List(ctx, ListQuery{Module: ocpi.ModuleLocations, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.Next)

	_, err = f.engine.List(ctx, ListQuery{Module: ocpi.ModuleCommands})
	require.ErrorIs(t, err, ocpi.ErrProtocol)
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(url.Values{
		"date_from": {"2026-05-01T12:00:00Z"},
		"date_to":   {"2026-05-02T00:00:00"},
		"offset":    {"10"},
		"limit":     {"5"},
		"match":     {"ignored"},
	})
	require.NoError(t, err)
	assert.True(t, q.DateFrom.Equal(t0))
	assert.True(t, q.DateTo.Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10, q.Offset)
	assert.Equal(t, 5, q.Limit)

	for _, bad := range []url.Values{{"offset": {"-1"}}, {"limit": {"x"}}, {"date_from": {"yesterday"}}} {
		_, err := ParseQuery(bad)
		require.ErrorIs(t, err, ocpi.ErrProtocol)
	}
}

func paths(rs []resource.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Key.Path)
	}
	return out
}

func TestDeleteNeverStampsHubTime(t *testing.T) {
	ctx := context.Background()
	for _, retention := range []Retention{RetentionRemove, RetentionTombstone} {
		t.Run(string(retention), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Global.Retention = Keep(retention)
			f := newFixture(t, cfg)

			_, err := f.engine.Put(ctx, loc("L1"), []byte(`{"id":"L1"}`), t0, WriteOptions{})
			require.NoError(t, err)
			_, err = f.engine.Put(ctx, loc("L1", "E1"), []byte(`{"uid":"E1"}`), t0.Add(time.Second), WriteOptions{})
			require.NoError(t, err)
			before, err := f.engine.Get(ctx, loc("L1"))
			require.NoError(t, err)

			f.clock = t0.Add(3 * time.Second)
			require.NoError(t, f.engine.Delete(ctx, loc("L1", "E1"), WriteOptions{}))

			after, err := f.engine.Get(ctx, loc("L1"))
			require.NoError(t, err)
			assert.True(t, after.LastUpdated.Equal(t0.Add(time.Second)), "parent at %s", after.LastUpdated)
			assert.Equal(t, before.ETag, after.ETag)

			_, err = f.engine.Patch(ctx, loc("L1"), []byte(`{"name":"Depot"}`), t0.Add(2*time.Second), WriteOptions{Source: "p1"})
			require.NoError(t, err, "a newer partner write must not lose to the hub clock")
		})
	}
}
