// Package replication implements PUT/PATCH/DELETE/GET/List semantics over the
// version store with downgrade protection, cascading and change events.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/resource"
)

// Config holds the global and per-module policy layers and paging limits.
type Config struct {
	Global       Policy                   `yaml:"global"`
	Modules      map[ocpi.ModuleID]Policy `yaml:"modules"`
	DefaultLimit int                      `yaml:"default_limit"`
	MaxLimit     int                      `yaml:"max_limit"`
}

// DefaultConfig returns built-in policies with a page size of 50 (max 1000).
func DefaultConfig() Config {
	return Config{DefaultLimit: 50, MaxLimit: 1000}
}

// Engine is the synchronisation engine.
type Engine struct {
	store resource.Store
	bus   *events.Bus
	cfg   Config
	now   func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine on top of store. bus may be nil.
func New(store resource.Store, bus *events.Bus, cfg Config, opts ...Option) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	e := &Engine{store: store, bus: bus, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxLimit is the largest page size List hands out.
func (e *Engine) MaxLimit() int { return e.cfg.MaxLimit }

// Put fully replaces the object at key.
func (e *Engine) Put(ctx context.Context, key resource.Key, payload []byte, lastUpdated time.Time, opts WriteOptions) (resource.Resource, error) {
	res, err := e.put(ctx, key, payload, lastUpdated, opts)
	e.observe(key, events.OpPut, err, false)
	return res, err
}

func (e *Engine) put(ctx context.Context, key resource.Key, payload []byte, lastUpdated time.Time, opts WriteOptions) (resource.Resource, error) {
	if err := key.Validate(); err != nil {
		return resource.Resource{}, err
	}
	if lastUpdated.IsZero() {
		return resource.Resource{}, fmt.Errorf("%w: last_updated is required", ocpi.ErrProtocol)
	}
	lu := resource.Normalize(lastUpdated)
	stamped, err := resource.Stamp(payload, lu)
	if err != nil {
		return resource.Resource{}, err
	}
	etag, err := resource.ComputeETag(stamped, lu)
	if err != nil {
		return resource.Resource{}, err
	}
	if err := e.requireParent(ctx, key); err != nil {
		return resource.Resource{}, err
	}
	pol := resolve(e.cfg.Global, e.cfg.Modules, key.Module, opts.Policy)
	now := resource.Normalize(e.now())

	stored, err := e.store.Update(ctx, key, func(cur *resource.Resource) (*resource.Resource, error) {
		if cur != nil && !lu.After(cur.LastUpdated) && !pol.allowDowngrade {
			return nil, staleError(lu, cur.LastUpdated)
		}
		next := &resource.Resource{Key: key, LastUpdated: lu, ETag: etag, Payload: stamped, Created: now}
		if cur != nil {
			next.Created = cur.Created
			next.Seq = cur.Seq
		}
		return next, nil
	})
	if err != nil {
		return resource.Resource{}, err
	}
	e.cascade(ctx, key, lu, opts.Source)
	e.publish(events.OpPut, *stored, opts.Source)
	return *stored, nil
}

// Patch merges an RFC 7386 patch into the stored object.
func (e *Engine) Patch(ctx context.Context, key resource.Key, patch []byte, lastUpdated time.Time, opts WriteOptions) (resource.Resource, error) {
	res, noop, err := e.patch(ctx, key, patch, lastUpdated, opts)
	e.observe(key, events.OpPatch, err, noop)
	return res, err
}

func (e *Engine) patch(ctx context.Context, key resource.Key, patch []byte, lastUpdated time.Time, opts WriteOptions) (resource.Resource, bool, error) {
	if err := key.Validate(); err != nil {
		return resource.Resource{}, false, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(patch, &obj); err != nil {
		return resource.Resource{}, false, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	if obj == nil {
		return resource.Resource{}, false, fmt.Errorf("%w: patch must be a JSON object", ocpi.ErrProtocol)
	}
	if lastUpdated.IsZero() {
		return resource.Resource{}, false, fmt.Errorf("%w: last_updated is required", ocpi.ErrProtocol)
	}
	lu := resource.Normalize(lastUpdated)
	pol := resolve(e.cfg.Global, e.cfg.Modules, key.Module, opts.Policy)
	now := resource.Normalize(e.now())
	if err := e.requireParent(ctx, key); err != nil {
		return resource.Resource{}, false, err
	}

	noop := false
	stored, err := e.store.Update(ctx, key, func(cur *resource.Resource) (*resource.Resource, error) {
		base := []byte(`{}`)
		next := &resource.Resource{Key: key, Created: now}
		if cur == nil || cur.Deleted {
			if pol.failOnMissing {
				return nil, fmt.Errorf("%w: %s", ocpi.ErrNotFound, key)
			}
		} else {
			base = cur.Payload
			next.Created = cur.Created
		}
		if cur != nil {
			next.Seq = cur.Seq
		}

		merged, err := jsonpatch.MergePatch(base, patch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
		}
		stamped, err := resource.Stamp(merged, lu)
		if err != nil {
			return nil, err
		}

		if cur != nil && !lu.After(cur.LastUpdated) && !pol.allowDowngrade {
			// Replaying the write that produced the current state changes nothing.
			if !cur.Deleted && lu.Equal(cur.LastUpdated) && bytes.Equal(stamped, cur.Payload) {
				noop = true
				return cur, nil
			}
			return nil, staleError(lu, cur.LastUpdated)
		}

		etag, err := resource.ComputeETag(stamped, lu)
		if err != nil {
			return nil, err
		}
		next.LastUpdated = lu
		next.ETag = etag
		next.Payload = stamped
		return next, nil
	})
	if err != nil {
		return resource.Resource{}, false, err
	}
	if noop {
		return *stored, true, nil
	}
	e.cascade(ctx, key, lu, opts.Source)
	e.publish(events.OpPatch, *stored, opts.Source)
	return *stored, false, nil
}

// Delete removes or tombstones the object and everything nested below it.
// Deleting an absent object succeeds without effect.
func (e *Engine) Delete(ctx context.Context, key resource.Key, opts WriteOptions) error {
	noop, err := e.delete(ctx, key, opts)
	e.observe(key, events.OpDelete, err, noop)
	return err
}

func (e *Engine) delete(ctx context.Context, key resource.Key, opts WriteOptions) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	pol := resolve(e.cfg.Global, e.cfg.Modules, key.Module, opts.Policy)

	var removed *resource.Resource
	mark := func(cur *resource.Resource) (*resource.Resource, error) {
		if cur == nil || cur.Deleted {
			return cur, nil
		}
		snapshot := cur.Clone()
		if removed == nil {
			removed = &snapshot
		}
		if pol.retention == RetentionRemove {
			return nil, nil
		}
		// The tombstone keeps the partner's last_updated; hub time never
		// enters the ordering.
		cur.Deleted = true
		return cur, nil
	}

	if _, err := e.store.Update(ctx, key, mark); err != nil {
		return false, err
	}
	if removed == nil {
		return true, nil
	}
	target := *removed

	children, err := e.store.Descendants(ctx, key)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if _, err := e.store.Update(ctx, child, mark); err != nil {
			return false, err
		}
	}

	e.cascade(ctx, key, target.LastUpdated, opts.Source)
	e.publish(events.OpDelete, target, opts.Source)
	return false, nil
}

// Get returns a live object.
func (e *Engine) Get(ctx context.Context, key resource.Key) (resource.Resource, error) {
	if err := key.Validate(); err != nil {
		return resource.Resource{}, err
	}
	res, err := e.store.Get(ctx, key)
	if err != nil {
		return resource.Resource{}, err
	}
	if res.Deleted {
		return resource.Resource{}, fmt.Errorf("%w: %s", ocpi.ErrNotFound, key)
	}
	return res, nil
}

// List returns one page of top-level objects filtered by last_updated in
// [DateFrom, DateTo) in creation order.
func (e *Engine) List(ctx context.Context, q ListQuery) (Page, error) {
	if _, ok := ocpi.LookupModule(q.Module); !ok {
		return Page{}, fmt.Errorf("%w: unknown module %q", ocpi.ErrProtocol, q.Module)
	}
	if q.Offset < 0 {
		return Page{}, fmt.Errorf("%w: negative offset", ocpi.ErrProtocol)
	}
	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}
	if q.Limit > e.cfg.MaxLimit {
		q.Limit = e.cfg.MaxLimit
	}
	all, err := e.store.List(ctx, resource.Scope{Module: q.Module, Owners: q.Owners, TopLevelOnly: true})
	if err != nil {
		return Page{}, err
	}

	filtered := all[:0:0]
	for _, r := range all {
		if !q.DateFrom.IsZero() && r.LastUpdated.Before(q.DateFrom) {
			continue
		}
		if !q.DateTo.IsZero() && !r.LastUpdated.Before(q.DateTo) {
			continue
		}
		filtered = append(filtered, r)
	}

	page := Page{Total: len(all), Filtered: len(filtered), Offset: q.Offset, Limit: q.Limit}
	if q.Offset < len(filtered) {
		end := q.Offset + q.Limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page.Items = filtered[q.Offset:end]
		if end < len(filtered) {
			next := q
			next.Offset = end
			page.Next = &next
		}
	}
	return page, nil
}

func (e *Engine) requireParent(ctx context.Context, key resource.Key) error {
	parent, ok := key.Parent()
	if !ok {
		return nil
	}
	p, err := e.store.Get(ctx, parent)
	if errors.Is(err, ocpi.ErrNotFound) || (err == nil && p.Deleted) {
		return fmt.Errorf("%w: parent %s does not exist", ocpi.ErrNotFound, parent)
	}
	return err
}

// cascade bumps every ancestor whose LastUpdated is older than lu.
func (e *Engine) cascade(ctx context.Context, key resource.Key, lu time.Time, source string) {
	for _, anc := range key.Ancestors() {
		bumped := false
		stored, err := e.store.Update(ctx, anc, func(cur *resource.Resource) (*resource.Resource, error) {
			if cur == nil || cur.Deleted || !lu.After(cur.LastUpdated) {
				return cur, nil
			}
			stamped, err := resource.Stamp(cur.Payload, lu)
			if err != nil {
				return nil, err
			}
			etag, err := resource.ComputeETag(stamped, lu)
			if err != nil {
				return nil, err
			}
			cur.Payload = stamped
			cur.LastUpdated = lu
			cur.ETag = etag
			bumped = true
			return cur, nil
		})
		if err != nil {
			obs.Error("cascade failed", err, map[string]any{"key": anc.String()})
			return
		}
		if !bumped {
			return
		}
		e.publish(events.OpCascade, *stored, source)
	}
}

func (e *Engine) publish(op events.ResourceOp, r resource.Resource, source string) {
	e.bus.Publish(events.ResourceChanged{
		Op:            op,
		Module:        string(r.Key.Module),
		CountryCode:   r.Key.CountryCode,
		PartyID:       r.Key.PartyID,
		Path:          r.Key.Path,
		LastUpdated:   r.LastUpdated,
		ETag:          r.ETag,
		SourcePartner: source,
	})
}

func (e *Engine) observe(key resource.Key, op events.ResourceOp, err error, noop bool) {
	outcome := "applied"
	switch {
	case noop:
		outcome = "noop"
	case errors.Is(err, ocpi.ErrStaleWrite):
		outcome = "stale"
	case errors.Is(err, ocpi.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ocpi.ErrProtocol):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	obs.ObserveSyncWrite(string(key.Module), string(op), outcome)
}

func staleError(incoming, stored time.Time) error {
	return fmt.Errorf("%w: last_updated %s is not newer than %s", ocpi.ErrStaleWrite,
		incoming.Format(time.RFC3339Nano), stored.Format(time.RFC3339Nano))
}
