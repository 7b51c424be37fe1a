// Package handshake runs the credentials exchange: outbound and inbound
// registration, credential updates, unregistration, token rotation and
// endpoint discovery with retry backoff.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
)

// Config describes the local platform.
type Config struct {
	// BaseURL is the public URL the hub is reached at, without trailing slash.
	BaseURL string
	Roles   []ocpi.CredentialsRole
	// BackoffBase and BackoffMax bound the discovery retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Handshaker owns the registration flows.
type Handshaker struct {
	reg     *partner.Registry
	clients *ocpiclient.Cache
	jobs    outbound.Submitter
	cfg     Config
}

// New wires a Handshaker.
func New(reg *partner.Registry, clients *ocpiclient.Cache, jobs outbound.Submitter, cfg Config) *Handshaker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Handshaker{reg: reg, clients: clients, jobs: jobs, cfg: cfg}
}

// VersionsURL is our versions endpoint.
func (h *Handshaker) VersionsURL() string { return h.cfg.BaseURL + "/ocpi/versions" }

// Credentials is the object we hand to a partner together with token.
func (h *Handshaker) Credentials(token string) ocpi.Credentials {
	return ocpi.Credentials{
		Token: token,
		URL:   h.VersionsURL(),
		Roles: append([]ocpi.CredentialsRole(nil), h.cfg.Roles...),
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (h *Handshaker) Backoff(attempt int) time.Duration {
	d := h.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= h.cfg.BackoffMax {
			return h.cfg.BackoffMax
		}
	}
	if d > h.cfg.BackoffMax {
		return h.cfg.BackoffMax
	}
	return d
}

type discovery struct {
	version   ocpi.VersionNumber
	endpoints []ocpi.Endpoint
}

func (h *Handshaker) discover(ctx context.Context, cl *ocpiclient.Client, versionsURL string) (discovery, error) {
	versions, err := cl.Versions(ctx, versionsURL)
	if err != nil {
		return discovery{}, fmt.Errorf("fetch versions: %w", err)
	}
	v, ok := ocpi.HighestMutual(ocpi.SupportedVersions, versions)
	if !ok {
		return discovery{}, ocpi.ErrUnsupportedVersion
	}
	details, err := cl.VersionDetails(ctx, v.URL)
	if err != nil {
		return discovery{}, fmt.Errorf("fetch version details: %w", err)
	}
	if _, ok := ocpi.FindEndpoint(details.Endpoints, ocpi.ModuleCredentials, ocpi.InterfaceReceiver); !ok {
		return discovery{}, fmt.Errorf("%w: no credentials endpoint", ocpi.ErrNoMatchingEndpoints)
	}
	return discovery{version: v.Version, endpoints: details.Endpoints}, nil
}

// Register performs an outbound registration with a partner that gave us
// its versions URL and a registration token. The token we hand over is
// reserved as an invitation first so the partner can call back while the
// exchange is still in flight. A partner whose roles already belong to a
// registered partner updates that record.
func (h *Handshaker) Register(ctx context.Context, versionsURL, registrationToken string) (partner.Partner, error) {
	if strings.TrimSpace(versionsURL) == "" || registrationToken == "" {
		return partner.Partner{}, fmt.Errorf("%w: versions url and token are required", ocpi.ErrProtocol)
	}
	cl := h.clients.Uncached(registrationToken)
	found, err := h.discover(ctx, cl, versionsURL)
	if err != nil {
		return partner.Partner{}, err
	}
	ep, _ := ocpi.FindEndpoint(found.endpoints, ocpi.ModuleCredentials, ocpi.InterfaceReceiver)

	tokenA, err := ids.NewToken()
	if err != nil {
		return partner.Partner{}, err
	}
	placeholder, err := h.reg.InviteWithToken(ctx, tokenA)
	if err != nil {
		return partner.Partner{}, err
	}
	p, err := h.complete(ctx, cl, ep.URL, versionsURL, tokenA, placeholder)
	if err != nil {
		if rmErr := h.reg.Remove(ctx, placeholder.ID); rmErr != nil && !errors.Is(rmErr, ocpi.ErrNotFound) {
			obs.Error("drop registration placeholder failed", rmErr, map[string]any{"partner_id": placeholder.ID})
		}
		return partner.Partner{}, err
	}
	p, err = h.reg.RecordDiscovery(ctx, p.ID, found.version, found.endpoints)
	if err != nil {
		return partner.Partner{}, err
	}
	audit.Record(ctx, "handshake.registered", map[string]any{"partner_id": p.ID, "version": string(found.version)})
	return p, nil
}

func (h *Handshaker) complete(ctx context.Context, cl *ocpiclient.Client, credentialsURL, versionsURL, tokenA string, placeholder partner.Partner) (partner.Partner, error) {
	theirs, err := cl.PostCredentials(ctx, credentialsURL, h.Credentials(tokenA))
	if err != nil {
		return partner.Partner{}, fmt.Errorf("post credentials: %w", err)
	}
	if theirs.Token == "" || len(theirs.Roles) == 0 {
		return partner.Partner{}, fmt.Errorf("%w: partner returned incomplete credentials", ocpi.ErrProtocol)
	}
	if theirs.URL == "" {
		theirs.URL = versionsURL
	}
	upd := partner.CredentialsUpdate{Roles: theirs.Roles, TokenB: theirs.Token, VersionsURL: theirs.URL}

	existing, ok := h.existing(ctx, theirs.Roles)
	if !ok {
		return h.reg.UpdateCredentials(ctx, placeholder.ID, upd)
	}
	// The token moves to the known partner, so the placeholder goes first.
	if err := h.reg.Remove(ctx, placeholder.ID); err != nil {
		return partner.Partner{}, err
	}
	upd.TokenA = tokenA
	p, err := h.reg.UpdateCredentials(ctx, existing.ID, upd)
	if err != nil {
		return partner.Partner{}, err
	}
	h.clients.Invalidate(existing.ID)
	return p, nil
}

func (h *Handshaker) existing(ctx context.Context, roles []ocpi.CredentialsRole) (partner.Partner, bool) {
	for _, r := range roles {
		if p, err := h.reg.FindByRole(ctx, r.CountryCode, r.PartyID, r.Role); err == nil {
			return p, true
		}
	}
	return partner.Partner{}, false
}

func validateCredentials(creds ocpi.Credentials) error {
	if creds.Token == "" || creds.URL == "" || len(creds.Roles) == 0 {
		return fmt.Errorf("%w: token, url and roles are required", ocpi.ErrProtocol)
	}
	return nil
}

// Accept handles an inbound registration (POST credentials) from a caller
// holding a registration token. The new token stays pending until its first
// use so the registration token keeps working meanwhile. Discovery of the
// caller's endpoints runs on the outbound pool.
func (h *Handshaker) Accept(ctx context.Context, caller partner.Partner, creds ocpi.Credentials) (ocpi.Credentials, error) {
	if !caller.IsInvitation() {
		return ocpi.Credentials{}, fmt.Errorf("%w: already registered", ocpi.ErrCredentials)
	}
	return h.store(ctx, caller, creds, "handshake.accepted")
}

// Update handles PUT credentials from a registered caller.
func (h *Handshaker) Update(ctx context.Context, caller partner.Partner, creds ocpi.Credentials) (ocpi.Credentials, error) {
	if caller.IsInvitation() {
		return ocpi.Credentials{}, fmt.Errorf("%w: not registered", ocpi.ErrCredentials)
	}
	return h.store(ctx, caller, creds, "handshake.updated")
}

func (h *Handshaker) store(ctx context.Context, caller partner.Partner, creds ocpi.Credentials, event string) (ocpi.Credentials, error) {
	if err := validateCredentials(creds); err != nil {
		return ocpi.Credentials{}, err
	}
	tokenA, err := ids.NewToken()
	if err != nil {
		return ocpi.Credentials{}, err
	}
	p, err := h.reg.UpdateCredentials(ctx, caller.ID, partner.CredentialsUpdate{
		Roles:         creds.Roles,
		TokenB:        creds.Token,
		VersionsURL:   creds.URL,
		PendingTokenA: tokenA,
	})
	if err != nil {
		return ocpi.Credentials{}, err
	}
	h.clients.Invalidate(p.ID)
	audit.Record(ctx, event, map[string]any{"partner_id": p.ID, "roles": p.Label()})
	h.ScheduleDiscovery(p.ID)
	return h.Credentials(tokenA), nil
}

// Unregister handles DELETE credentials.
func (h *Handshaker) Unregister(ctx context.Context, caller partner.Partner) error {
	if caller.IsInvitation() {
		return fmt.Errorf("%w: not registered", ocpi.ErrCredentials)
	}
	if err := h.reg.Remove(ctx, caller.ID); err != nil {
		return err
	}
	h.clients.Invalidate(caller.ID)
	return nil
}

// Forget unregisters from the partner through DELETE credentials and then
// removes it locally. The partner being unreachable does not keep it in the
// registry.
func (h *Handshaker) Forget(ctx context.Context, partnerID string) error {
	p, err := h.reg.Get(ctx, partnerID)
	if err != nil {
		return err
	}
	if ep, ok := p.Endpoint(ocpi.ModuleCredentials, ocpi.InterfaceReceiver); ok && !p.IsInvitation() && p.TokenB != "" {
		if err := h.clients.Get(p.ID, p.TokenB).DeleteCredentials(ctx, ep.URL); err != nil {
			obs.Warn("unregister at partner failed", map[string]any{"partner_id": p.ID, "error": err.Error()})
		}
	}
	if err := h.reg.Remove(ctx, p.ID); err != nil {
		return err
	}
	h.clients.Invalidate(p.ID)
	audit.Record(ctx, "handshake.forgotten", map[string]any{"partner_id": p.ID})
	return nil
}

// Rotate issues a new token to the partner through PUT credentials. The old
// token stays valid when the partner cannot be reached.
func (h *Handshaker) Rotate(ctx context.Context, partnerID string) (partner.Partner, error) {
	p, err := h.reg.Get(ctx, partnerID)
	if err != nil {
		return partner.Partner{}, err
	}
	if p.IsInvitation() {
		return partner.Partner{}, fmt.Errorf("%w: not registered", ocpi.ErrCredentials)
	}
	ep, ok := p.Endpoint(ocpi.ModuleCredentials, ocpi.InterfaceReceiver)
	if !ok {
		if p, err = h.Discover(ctx, partnerID); err != nil {
			return partner.Partner{}, err
		}
		ep, _ = p.Endpoint(ocpi.ModuleCredentials, ocpi.InterfaceReceiver)
	}

	token, err := h.reg.BeginRotation(ctx, p.ID)
	if err != nil {
		return partner.Partner{}, err
	}
	theirs, err := h.clients.Get(p.ID, p.TokenB).PutCredentials(ctx, ep.URL, h.Credentials(token))
	if err != nil {
		if abortErr := h.reg.AbortRotation(ctx, p.ID); abortErr != nil {
			obs.Error("abort rotation failed", abortErr, map[string]any{"partner_id": p.ID})
		}
		return partner.Partner{}, fmt.Errorf("put credentials: %w", err)
	}
	if len(theirs.Roles) > 0 && theirs.Token != "" {
		url := theirs.URL
		if url == "" {
			url = p.VersionsURL
		}
		if _, err := h.reg.UpdateCredentials(ctx, p.ID, partner.CredentialsUpdate{Roles: theirs.Roles, TokenB: theirs.Token, VersionsURL: url}); err != nil {
			return partner.Partner{}, err
		}
	}
	p, err = h.reg.ConfirmRotation(ctx, p.ID, token)
	if err != nil {
		return partner.Partner{}, err
	}
	h.clients.Invalidate(p.ID)
	audit.Record(ctx, "handshake.rotated", map[string]any{"partner_id": p.ID})
	return p, nil
}

// Discover refetches versions and endpoints. Success marks the partner
// ONLINE; failure marks it OFFLINE and schedules the next attempt.
func (h *Handshaker) Discover(ctx context.Context, partnerID string) (partner.Partner, error) {
	p, err := h.reg.Get(ctx, partnerID)
	if err != nil {
		return partner.Partner{}, err
	}
	if p.IsInvitation() || p.VersionsURL == "" {
		return partner.Partner{}, fmt.Errorf("%w: partner has no versions url", ocpi.ErrCredentials)
	}
	found, err := h.discover(ctx, h.clients.Get(p.ID, p.TokenB), p.VersionsURL)
	if outbound.IsDeferred(err) {
		return partner.Partner{}, err
	}
	if err != nil {
		if _, recErr := h.reg.RecordFailure(ctx, p.ID, h.Backoff); recErr != nil {
			return partner.Partner{}, errors.Join(err, recErr)
		}
		return partner.Partner{}, err
	}
	return h.reg.RecordDiscovery(ctx, p.ID, found.version, found.endpoints)
}

// ScheduleDiscovery runs Discover on the outbound pool. A full queue is
// logged; the scheduler picks the partner up later since it stays due.
func (h *Handshaker) ScheduleDiscovery(partnerID string) {
	err := h.jobs.Submit(outbound.Job{
		Kind:      "discovery",
		PartnerID: partnerID,
		Run: func(ctx context.Context) error {
			_, err := h.Discover(ctx, partnerID)
			return err
		},
	})
	if err != nil {
		obs.Warn("discovery not scheduled", map[string]any{"partner_id": partnerID, "error": err.Error()})
	}
}
