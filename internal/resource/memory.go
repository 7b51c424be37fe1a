package resource

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"ocpihub.org/internal/ocpi"
)

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	items map[Key]*Resource
}

// MemoryStore keeps resources in lock-striped shards. A whole object tree
// hashes to one shard, so descendant lookups touch a single lock.
type MemoryStore struct {
	shards [shardCount]shard
	seq    atomic.Uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].items = make(map[Key]*Resource)
	}
	return s
}

func (s *MemoryStore) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.Module))
	h.Write([]byte{0})
	h.Write([]byte(k.CountryCode))
	h.Write([]byte{0})
	h.Write([]byte(k.PartyID))
	h.Write([]byte{0})
	h.Write([]byte(k.Root()))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Resource, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.items[key]
	if !ok {
		return Resource{}, ocpi.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, key Key, fn UpdateFunc) (*Resource, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur *Resource
	if r, ok := sh.items[key]; ok {
		c := r.Clone()
		cur = &c
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(sh.items, key)
		return nil, nil
	}
	stored := next.Clone()
	stored.Key = key
	if cur != nil && stored.Seq == 0 {
		stored.Seq = cur.Seq
	}
	if stored.Seq == 0 {
		stored.Seq = s.seq.Add(1)
	}
	sh.items[key] = &stored
	out := stored.Clone()
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, scope Scope) ([]Resource, error) {
	var out []Resource
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.items {
			if scope.matches(r) {
				out = append(out, r.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	SortStable(out)
	return out, nil
}

func (s *MemoryStore) Descendants(_ context.Context, key Key) ([]Key, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	var out []Key
	for k := range sh.items {
		if k != key && key.Contains(k) {
			out = append(out, k)
		}
	}
	sh.mu.RUnlock()
	SortDeepestFirst(out)
	return out, nil
}

// SortStable orders resources by Created, then insertion sequence.
func SortStable(rs []Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Created.Equal(rs[j].Created) {
			return rs[i].Created.Before(rs[j].Created)
		}
		return rs[i].Seq < rs[j].Seq
	})
}

// SortDeepestFirst orders keys so children come before their parents.
func SortDeepestFirst(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i].Path, "/"), strings.Count(keys[j].Path, "/")
		if di != dj {
			return di > dj
		}
		return keys[i].Path < keys[j].Path
	})
}
