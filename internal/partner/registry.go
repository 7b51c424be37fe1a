package partner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
)

// Registry is the partner registry service.
type Registry struct {
	store Store
	bus   *events.Bus
	now   func() time.Time
}

// NewRegistry wraps store. bus may be nil.
func NewRegistry(store Store, bus *events.Bus) *Registry {
	return &Registry{store: store, bus: bus, now: time.Now}
}

// SetClock replaces time.Now; used by tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func validateRoles(roles []ocpi.CredentialsRole) error {
	if len(roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ocpi.ErrProtocol)
	}
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		if !role.Role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ocpi.ErrProtocol, role.Role)
		}
		if len(role.CountryCode) != 2 || len(role.PartyID) != 3 {
			return fmt.Errorf("%w: role %s needs a 2-letter country_code and 3-character party_id", ocpi.ErrProtocol, role.Identity())
		}
		if seen[role.Identity()] {
			return fmt.Errorf("%w: duplicate role %s", ocpi.ErrProtocol, role.Identity())
		}
		seen[role.Identity()] = true
	}
	return nil
}

func normalizeRoles(roles []ocpi.CredentialsRole) []ocpi.CredentialsRole {
	out := make([]ocpi.CredentialsRole, len(roles))
	for i, role := range roles {
		role.CountryCode = strings.ToUpper(strings.TrimSpace(role.CountryCode))
		role.PartyID = strings.ToUpper(strings.TrimSpace(role.PartyID))
		out[i] = role
	}
	return out
}

// Register adds a partner registered out of band. Role overlap with another
// partner fails with ocpi.ErrCredentials.
func (r *Registry) Register(ctx context.Context, reg Registration) (Partner, error) {
	roles := normalizeRoles(reg.Roles)
	if err := validateRoles(roles); err != nil {
		return Partner{}, err
	}
	tokenA := reg.TokenA
	if tokenA == "" {
		var err error
		if tokenA, err = ids.NewToken(); err != nil {
			return Partner{}, err
		}
	}
	now := r.now().UTC()
	p := Partner{
		ID:           ids.New(),
		Roles:        roles,
		TokenA:       tokenA,
		TokenStatus:  TokenAllowed,
		TokenB:       reg.TokenB,
		VersionsURL:  reg.VersionsURL,
		Version:      reg.Version,
		Endpoints:    reg.Endpoints,
		RemoteStatus: StatusUnknown,
		PartyStatus:  PartyEnabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		return Partner{}, err
	}
	r.changed(ctx, p, "registered")
	return p, nil
}

// Invite creates a partner that holds only a registration token. The token
// reaches the versions and credentials endpoints until registration completes.
func (r *Registry) Invite(ctx context.Context) (Partner, error) {
	token, err := ids.NewToken()
	if err != nil {
		return Partner{}, err
	}
	return r.InviteWithToken(ctx, token)
}

// InviteWithToken is Invite with a caller-chosen token. Outbound registration
// uses it so the token handed to the partner works before the partner answers.
func (r *Registry) InviteWithToken(ctx context.Context, token string) (Partner, error) {
	if token == "" {
		return Partner{}, fmt.Errorf("%w: empty token", ocpi.ErrProtocol)
	}
	now := r.now().UTC()
	p := Partner{
		ID:           ids.New(),
		TokenA:       token,
		TokenStatus:  TokenAllowed,
		RemoteStatus: StatusUnknown,
		PartyStatus:  PartyEnabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		return Partner{}, err
	}
	r.changed(ctx, p, "invited")
	return p, nil
}

// LookupByToken resolves an inbound token. A hit on the pending token of a
// usable partner confirms the rotation: it becomes TokenA and the old token
// stops working. Blocked or disabled partners are returned unchanged.
func (r *Registry) LookupByToken(ctx context.Context, token string) (Partner, error) {
	if token == "" {
		return Partner{}, ocpi.ErrMissingToken
	}
	p, err := r.store.FindByToken(ctx, token)
	if errors.Is(err, ocpi.ErrNotFound) {
		return Partner{}, ocpi.ErrAuth
	}
	if err != nil {
		return Partner{}, err
	}
	if p.PendingTokenA != "" && p.PendingTokenA == token && p.Usable() {
		return r.confirm(ctx, p.ID, token, true)
	}
	return p, nil
}

// Get returns one partner.
func (r *Registry) Get(ctx context.Context, id string) (Partner, error) {
	return r.store.Get(ctx, id)
}

// FindByRole returns the partner owning (cc, pid, role).
func (r *Registry) FindByRole(ctx context.Context, countryCode, partyID string, role ocpi.Role) (Partner, error) {
	return r.store.FindByRole(ctx, countryCode, partyID, role)
}

// List returns all partners, invitations included, oldest first.
func (r *Registry) List(ctx context.Context) ([]Partner, error) {
	return r.store.List(ctx)
}

// UpdateStatus records reachability. Only transitions raise events.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status RemoteStatus) error {
	var prev RemoteStatus
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		prev = p.RemoteStatus
		p.RemoteStatus = status
		if status == StatusOnline {
			p.FailedAttempts = 0
			p.NextRetryAt = time.Time{}
		}
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	if prev != status {
		obs.ObservePartnerStatus(string(status))
		r.changed(ctx, p, "status")
	}
	return nil
}

// SetPartyStatus enables or disables a partner.
func (r *Registry) SetPartyStatus(ctx context.Context, id string, status PartyStatus) error {
	if status != PartyEnabled && status != PartyDisabled {
		return fmt.Errorf("%w: unknown party status %q", ocpi.ErrProtocol, status)
	}
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		p.PartyStatus = status
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	r.changed(ctx, p, "party_status")
	return nil
}

// SetTokenStatus allows or blocks the token we issued.
func (r *Registry) SetTokenStatus(ctx context.Context, id string, status TokenStatus) error {
	if status != TokenAllowed && status != TokenBlocked {
		return fmt.Errorf("%w: unknown token status %q", ocpi.ErrProtocol, status)
	}
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		p.TokenStatus = status
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	r.changed(ctx, p, "token_status")
	return nil
}

// UpdateCredentials replaces roles, TokenB and the versions URL.
func (r *Registry) UpdateCredentials(ctx context.Context, id string, upd CredentialsUpdate) (Partner, error) {
	roles := normalizeRoles(upd.Roles)
	if err := validateRoles(roles); err != nil {
		return Partner{}, err
	}
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		urlChanged := p.VersionsURL != upd.VersionsURL
		p.Roles = roles
		if upd.TokenB != "" {
			p.TokenB = upd.TokenB
		}
		p.VersionsURL = upd.VersionsURL
		if upd.TokenA != "" {
			p.TokenA = upd.TokenA
			p.PendingTokenA = ""
		}
		if upd.PendingTokenA != "" {
			p.PendingTokenA = upd.PendingTokenA
		}
		if urlChanged {
			p.Version = ""
			p.Endpoints = nil
		}
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return Partner{}, err
	}
	r.changed(ctx, p, "credentials")
	return p, nil
}

// RecordDiscovery stores the negotiated version and endpoints and marks the
// partner ONLINE.
func (r *Registry) RecordDiscovery(ctx context.Context, id string, version ocpi.VersionNumber, endpoints []ocpi.Endpoint) (Partner, error) {
	var prev RemoteStatus
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		prev = p.RemoteStatus
		p.Version = version
		p.Endpoints = append([]ocpi.Endpoint(nil), endpoints...)
		p.RemoteStatus = StatusOnline
		p.FailedAttempts = 0
		p.NextRetryAt = time.Time{}
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return Partner{}, err
	}
	if prev != StatusOnline {
		obs.ObservePartnerStatus(string(StatusOnline))
	}
	r.changed(ctx, p, "discovered")
	return p, nil
}

// RecordFailure marks the partner OFFLINE and schedules the next attempt
// using backoff(attempts).
func (r *Registry) RecordFailure(ctx context.Context, id string, backoff func(attempt int) time.Duration) (Partner, error) {
	var prev RemoteStatus
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		prev = p.RemoteStatus
		p.FailedAttempts++
		p.RemoteStatus = StatusOffline
		now := r.now().UTC()
		p.NextRetryAt = now.Add(backoff(p.FailedAttempts))
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Partner{}, err
	}
	if prev != StatusOffline {
		obs.ObservePartnerStatus(string(StatusOffline))
		r.changed(ctx, p, "status")
	}
	return p, nil
}

// BeginRotation mints a pending TokenA. Both tokens are accepted until
// ConfirmRotation or AbortRotation.
func (r *Registry) BeginRotation(ctx context.Context, id string) (string, error) {
	token, err := ids.NewToken()
	if err != nil {
		return "", err
	}
	_, err = r.store.Update(ctx, id, func(p *Partner) error {
		p.PendingTokenA = token
		p.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConfirmRotation promotes the pending token when it matches token.
func (r *Registry) ConfirmRotation(ctx context.Context, id, token string) (Partner, error) {
	return r.confirm(ctx, id, token, false)
}

func (r *Registry) confirm(ctx context.Context, id, token string, usableOnly bool) (Partner, error) {
	promoted := false
	p, err := r.store.Update(ctx, id, func(p *Partner) error {
		if p.PendingTokenA == "" || p.PendingTokenA != token {
			return nil
		}
		if usableOnly && !p.Usable() {
			return nil
		}
		p.TokenA = p.PendingTokenA
		p.PendingTokenA = ""
		p.UpdatedAt = r.now().UTC()
		promoted = true
		return nil
	})
	if err != nil {
		return Partner{}, err
	}
	if promoted {
		r.changed(ctx, p, "rotated")
	}
	return p, nil
}

// AbortRotation drops the pending token; the current one stays valid.
func (r *Registry) AbortRotation(ctx context.Context, id string) error {
	_, err := r.store.Update(ctx, id, func(p *Partner) error {
		p.PendingTokenA = ""
		return nil
	})
	return err
}

// Remove deletes the partner; its tokens stop working immediately.
func (r *Registry) Remove(ctx context.Context, id string) error {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.changed(ctx, p, "removed")
	return nil
}

// Due returns registered partners that are not ONLINE and whose retry time
// has come.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]Partner, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Partner
	for _, p := range all {
		if p.IsInvitation() || !p.Usable() || p.VersionsURL == "" || p.RemoteStatus == StatusOnline {
			continue
		}
		if p.NextRetryAt.IsZero() || !p.NextRetryAt.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Registry) changed(ctx context.Context, p Partner, change string) {
	r.bus.Publish(events.PartnerChanged{
		PartnerID:    p.ID,
		Change:       change,
		RemoteStatus: string(p.RemoteStatus),
		PartyStatus:  string(p.PartyStatus),
		At:           r.now().UTC(),
	})
	audit.Record(ctx, "partner."+change, map[string]any{
		"partner_id":    p.ID,
		"roles":         p.Label(),
		"remote_status": string(p.RemoteStatus),
		"party_status":  string(p.PartyStatus),
	})
}
