package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ocpihub.org/internal/ocpi"
)

func TestKeyNavigation(t *testing.T) {
	k := NewKey(ocpi.ModuleLocations, "nl", "abc", "L1", "E1", "C1")
	if k.CountryCode != "NL" || k.PartyID != "ABC" || k.Depth() != 3 || k.Root() != "L1" {
		t.Fatalf("unexpected key %+v", k)
	}
	anc := k.Ancestors()
	if len(anc) != 2 || anc[0].Path != "L1/E1" || anc[1].Path != "L1" {
		t.Fatalf("unexpected ancestors %v", anc)
	}
	root := NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1")
	if !root.Contains(k) || k.Contains(root) {
		t.Fatal("containment broken")
	}
	if root.Contains(NewKey(ocpi.ModuleLocations, "NL", "ABC", "L10")) {
		t.Fatal("prefix of id must not count as containment")
	}
	if _, ok := root.Parent(); ok {
		t.Fatal("top-level key has no parent")
	}
}

func TestKeyValidate(t *testing.T) {
	if err := NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1", "E1", "C1").Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	bad := []Key{
		NewKey(ocpi.ModuleTariffs, "NL", "ABC", "T1", "x"),
		NewKey(ocpi.ModuleCommands, "NL", "ABC", "x"),
		NewKey(ocpi.ModuleLocations, "", "ABC", "L1"),
		NewKey(ocpi.ModuleLocations, "NL", "ABC"),
		{Module: ocpi.ModuleLocations, CountryCode: "NL", PartyID: "ABC", Path: "L1//C"},
	}
	for _, k := range bad {
		if err := k.Validate(); !errors.Is(err, ocpi.ErrProtocol) {
			t.Fatalf("key %v: expected ErrProtocol, got %v", k, err)
		}
	}
}

func TestETagDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("CET", 3600))
	a, err := ComputeETag([]byte(`{"b":1,"a":[1,2,{"y":true,"x":null}]}`), ts)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeETag([]byte("{ \"a\": [1, 2, {\"x\": null, \"y\": true}],\n \"b\": 1 }"), ts.UTC().Truncate(time.Microsecond))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("etag depends on formatting: %s vs %s", a, b)
	}
	if len(a) != 34 || a[0] != '"' || a[33] != '"' {
		t.Fatalf("unexpected etag shape %s", a)
	}
	c, _ := ComputeETag([]byte(`{"b":1,"a":[1,2,{"y":true,"x":null}]}`), ts.Add(time.Second))
	if c == a {
		t.Fatal("etag must change with last_updated")
	}
	if _, err := ComputeETag([]byte(`{"a":`), ts); !errors.Is(err, ocpi.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestStamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out, err := Stamp([]byte(`{"name":"x","last_updated":"2000-01-01T00:00:00Z"}`), ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"last_updated":"2026-01-02T03:04:05Z","name":"x"}` {
		t.Fatalf("unexpected stamped payload %s", out)
	}
	out, err = Stamp([]byte(` [1, 2] `), ts)
	if err != nil || string(out) != `[1,2]` {
		t.Fatalf("non-object payload: %s %v", out, err)
	}
}

func TestMemoryStoreUpdateAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	put := func(k Key, created time.Time) {
		t.Helper()
		_, err := s.Update(ctx, k, func(cur *Resource) (*Resource, error) {
			return &Resource{Key: k, LastUpdated: created, Created: created, Payload: []byte(`{}`)}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	put(NewKey(ocpi.ModuleLocations, "NL", "ABC", "L2"), base)
	put(NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1"), base)
	put(NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1", "E1"), base)
	put(NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1", "E1", "C1"), base)
	put(NewKey(ocpi.ModuleLocations, "DE", "XYZ", "L0"), base.Add(-time.Hour))
	put(NewKey(ocpi.ModuleTariffs, "NL", "ABC", "T1"), base)

	list, err := s.List(ctx, Scope{Module: ocpi.ModuleLocations, TopLevelOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, r := range list {
		paths = append(paths, r.Key.Path)
	}
	if fmt.Sprint(paths) != "[L0 L2 L1]" {
		t.Fatalf("unexpected order %v", paths)
	}

	list, _ = s.List(ctx, Scope{Module: ocpi.ModuleLocations, Owners: []Owner{{CountryCode: "nl", PartyID: "abc"}}})
	if len(list) != 4 {
		t.Fatalf("owner filter: got %d", len(list))
	}

	desc, _ := s.Descendants(ctx, NewKey(ocpi.ModuleLocations, "NL", "ABC", "L1"))
	if len(desc) != 2 || desc[0].Path != "L1/E1/C1" || desc[1].Path != "L1/E1" {
		t.Fatalf("unexpected descendants %v", desc)
	}

	k := NewKey(ocpi.ModuleLocations, "NL", "ABC", "L2")
	before, _ := s.Get(ctx, k)
	if _, err := s.Update(ctx, k, func(cur *Resource) (*Resource, error) {
		cur.Payload = []byte(`{"x":1}`)
		return cur, nil
	}); err != nil {
		t.Fatal(err)
	}
	after, _ := s.Get(ctx, k)
	if after.Seq != before.Seq || string(after.Payload) != `{"x":1}` {
		t.Fatalf("update lost seq or payload: %+v", after)
	}

	if _, err := s.Update(ctx, k, func(*Resource) (*Resource, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, k); !errors.Is(err, ocpi.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateAbortLeavesRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := NewKey(ocpi.ModuleTariffs, "NL", "ABC", "T1")
	_, _ = s.Update(ctx, k, func(*Resource) (*Resource, error) {
		return &Resource{Payload: []byte(`{"v":1}`)}, nil
	})
	boom := errors.New("boom")
	_, err := s.Update(ctx, k, func(cur *Resource) (*Resource, error) {
		cur.Payload[6] = '9'
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.Get(ctx, k)
	if string(got.Payload) != `{"v":1}` {
		t.Fatalf("aborted update leaked: %s", got.Payload)
	}
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	k := NewKey(ocpi.ModuleSessions, "NL", "ABC", "S1")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, k, func(cur *Resource) (*Resource, error) {
				n := 0
				if cur != nil {
					n = int(cur.Created.Unix())
				}
				return &Resource{Created: time.Unix(int64(n+1), 0), Payload: []byte(`{}`)}, nil
			})
		}()
	}
	wg.Wait()
	got, _ := s.Get(ctx, k)
	if got.Created.Unix() != 50 {
		t.Fatalf("lost updates: %d", got.Created.Unix())
	}
}
