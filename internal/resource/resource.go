// Package resource is the version store: a keyed store of versioned objects
// (LastUpdated, ETag, opaque payload) per module, nested up to three levels
// (location, evse, connector).
package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ocpihub.org/internal/ocpi"
)

// Key addresses one object. Path is "id", "id/child" or "id/child/grandchild".
type Key struct {
	Module      ocpi.ModuleID
	CountryCode string
	PartyID     string
	Path        string
}

// NewKey builds a key, upper-casing the party identifiers.
func NewKey(module ocpi.ModuleID, countryCode, partyID string, segments ...string) Key {
	return Key{
		Module:      module,
		CountryCode: strings.ToUpper(strings.TrimSpace(countryCode)),
		PartyID:     strings.ToUpper(strings.TrimSpace(partyID)),
		Path:        strings.Join(segments, "/"),
	}
}

// Segments splits the path.
func (k Key) Segments() []string {
	if k.Path == "" {
		return nil
	}
	return strings.Split(k.Path, "/")
}

// Depth is the number of path segments.
func (k Key) Depth() int { return len(k.Segments()) }

// Root returns the top-level object id.
func (k Key) Root() string {
	if i := strings.IndexByte(k.Path, '/'); i >= 0 {
		return k.Path[:i]
	}
	return k.Path
}

// Parent returns the enclosing object, false for top-level keys.
func (k Key) Parent() (Key, bool) {
	i := strings.LastIndexByte(k.Path, '/')
	if i < 0 {
		return Key{}, false
	}
	p := k
	p.Path = k.Path[:i]
	return p, true
}

// Ancestors returns parents from the closest to the root.
func (k Key) Ancestors() []Key {
	var out []Key
	for cur, ok := k.Parent(); ok; cur, ok = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// Contains reports whether other is k itself or nested below it.
func (k Key) Contains(other Key) bool {
	if k.Module != other.Module || k.CountryCode != other.CountryCode || k.PartyID != other.PartyID {
		return false
	}
	return other.Path == k.Path || strings.HasPrefix(other.Path, k.Path+"/")
}

func (k Key) String() string {
	return string(k.Module) + "/" + k.CountryCode + "/" + k.PartyID + "/" + k.Path
}

// Validate checks the key against the module's nesting depth.
func (k Key) Validate() error {
	m, ok := ocpi.LookupModule(k.Module)
	if !ok {
		return fmt.Errorf("%w: unknown module %q", ocpi.ErrProtocol, k.Module)
	}
	if k.CountryCode == "" || k.PartyID == "" {
		return fmt.Errorf("%w: country_code and party_id are required", ocpi.ErrProtocol)
	}
	segs := k.Segments()
	if len(segs) == 0 || len(segs) > m.Depth {
		return fmt.Errorf("%w: %s objects nest at most %d levels", ocpi.ErrProtocol, m.ID, m.Depth)
	}
	for _, s := range segs {
		if s == "" || len(s) > 48 {
			return fmt.Errorf("%w: invalid object id %q", ocpi.ErrProtocol, s)
		}
	}
	return nil
}

// Resource is one stored version of an object.
type Resource struct {
	Key         Key
	LastUpdated time.Time
	ETag        string
	Payload     json.RawMessage
	Created     time.Time
	// Seq is the store-wide insertion sequence; it breaks ties between equal Created values.
	Seq     uint64
	Deleted bool
}

// Clone returns a copy that shares nothing mutable with r.
func (r Resource) Clone() Resource {
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	return r
}

// Normalize truncates to microseconds in UTC, the precision PostgreSQL keeps.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Canonical re-encodes payload with sorted object keys and no insignificant whitespace.
func Canonical(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ocpi.ErrProtocol)
	}
	return json.Marshal(v)
}

// ComputeETag derives the entity tag from the canonical payload and LastUpdated.
func ComputeETag(payload []byte, lastUpdated time.Time) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(Normalize(lastUpdated).Format(time.RFC3339Nano)))
	return `"` + hex.EncodeToString(h.Sum(nil))[:32] + `"`, nil
}

// Stamp writes last_updated into an object payload and returns the canonical form.
// Non-object payloads are only canonicalised.
func Stamp(payload []byte, lastUpdated time.Time) (json.RawMessage, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return nil, err
	}
	if len(canon) == 0 || canon[0] != '{' {
		return canon, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(canon, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	ts, _ := json.Marshal(Normalize(lastUpdated).Format(time.RFC3339Nano))
	obj["last_updated"] = ts
	return json.Marshal(obj)
}

// Owner is a (country, party) pair.
type Owner struct {
	CountryCode string
	PartyID     string
}

// Scope selects objects for List.
type Scope struct {
	Module ocpi.ModuleID
	// Owners restricts the result to these parties; empty means all.
	Owners         []Owner
	TopLevelOnly   bool
	IncludeDeleted bool
}

func (s Scope) matches(r *Resource) bool {
	if r.Key.Module != s.Module {
		return false
	}
	if r.Deleted && !s.IncludeDeleted {
		return false
	}
	if s.TopLevelOnly && strings.Contains(r.Key.Path, "/") {
		return false
	}
	if len(s.Owners) == 0 {
		return true
	}
	for _, o := range s.Owners {
		if strings.EqualFold(o.CountryCode, r.Key.CountryCode) && strings.EqualFold(o.PartyID, r.Key.PartyID) {
			return true
		}
	}
	return false
}

// UpdateFunc computes the next version from the current one (nil when absent).
// Returning nil deletes the record; returning an error aborts without changes.
type UpdateFunc func(cur *Resource) (*Resource, error)

// Store persists resources. Update is an atomic read-modify-write on one key.
type Store interface {
	// Get returns the stored record, tombstones included, or ocpi.ErrNotFound.
	Get(ctx context.Context, key Key) (Resource, error)
	// Update applies fn atomically and returns the stored result (nil when deleted).
	Update(ctx context.Context, key Key, fn UpdateFunc) (*Resource, error)
	// List returns matching records ordered by Created, then Seq.
	List(ctx context.Context, scope Scope) ([]Resource, error)
	// Descendants returns the keys nested below key, deepest first.
	Descendants(ctx context.Context, key Key) ([]Key, error)
}
