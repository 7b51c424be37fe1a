package partner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ocpihub.org/internal/ocpi"
)

// Store persists partners. Implementations reject role and token collisions
// with ocpi.ErrCredentials and leave the stored state unchanged.
type Store interface {
	Create(ctx context.Context, p Partner) error
	Get(ctx context.Context, id string) (Partner, error)
	// FindByToken matches the current or the pending TokenA.
	FindByToken(ctx context.Context, token string) (Partner, error)
	FindByRole(ctx context.Context, countryCode, partyID string, role ocpi.Role) (Partner, error)
	// Update applies fn to a copy and stores it atomically; an error from fn aborts.
	Update(ctx context.Context, id string, fn func(*Partner) error) (Partner, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Partner, error)
}

// MemoryStore implements Store with in-process concurrency safety.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Partner
	byToken map[string]string // token -> partner id
	byRole  map[string]string // CC/PID/ROLE -> partner id
}

// NewMemoryStore creates an empty registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Partner),
		byToken: make(map[string]string),
		byRole:  make(map[string]string),
	}
}

func roleKey(cc, pid string, role ocpi.Role) string {
	return strings.ToUpper(cc) + "/" + strings.ToUpper(pid) + "/" + string(role)
}

func tokensOf(p *Partner) []string {
	var out []string
	if p.TokenA != "" {
		out = append(out, p.TokenA)
	}
	if p.PendingTokenA != "" {
		out = append(out, p.PendingTokenA)
	}
	return out
}

// checkConflicts must run with mu held.
func (s *MemoryStore) checkConflicts(p *Partner) error {
	for _, r := range p.Roles {
		if owner, ok := s.byRole[roleKey(r.CountryCode, r.PartyID, r.Role)]; ok && owner != p.ID {
			return fmt.Errorf("%w: %s", ocpi.ErrRoleConflict, r.Identity())
		}
	}
	for _, tok := range tokensOf(p) {
		if owner, ok := s.byToken[tok]; ok && owner != p.ID {
			return fmt.Errorf("%w: token already in use", ocpi.ErrCredentials)
		}
	}
	return nil
}

func (s *MemoryStore) index(p *Partner) {
	for _, r := range p.Roles {
		s.byRole[roleKey(r.CountryCode, r.PartyID, r.Role)] = p.ID
	}
	for _, tok := range tokensOf(p) {
		s.byToken[tok] = p.ID
	}
}

func (s *MemoryStore) unindex(p *Partner) {
	for _, r := range p.Roles {
		k := roleKey(r.CountryCode, r.PartyID, r.Role)
		if s.byRole[k] == p.ID {
			delete(s.byRole, k)
		}
	}
	for _, tok := range tokensOf(p) {
		if s.byToken[tok] == p.ID {
			delete(s.byToken, tok)
		}
	}
}

func (s *MemoryStore) Create(_ context.Context, p Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID]; exists {
		return fmt.Errorf("%w: partner %s exists", ocpi.ErrCredentials, p.ID)
	}
	cp := p.Clone()
	if err := s.checkConflicts(&cp); err != nil {
		return err
	}
	s.byID[cp.ID] = &cp
	s.index(&cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Partner{}, fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindByToken(_ context.Context, token string) (Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok || token == "" {
		return Partner{}, ocpi.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) FindByRole(_ context.Context, countryCode, partyID string, role ocpi.Role) (Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRole[roleKey(countryCode, partyID, role)]
	if !ok {
		return Partner{}, ocpi.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Partner) error) (Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return Partner{}, fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Partner{}, err
	}
	next.ID = id
	if err := s.checkConflicts(&next); err != nil {
		return Partner{}, err
	}
	s.unindex(cur)
	s.byID[id] = &next
	s.index(&next)
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: partner %s", ocpi.ErrNotFound, id)
	}
	s.unindex(cur)
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Partner, error) {
	s.mu.RLock()
	out := make([]Partner, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
