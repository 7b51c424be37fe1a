// Package push forwards local resource changes to partners that expose the
// receiver interface of the module.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/resource"
)

// Partners lists push targets. *partner.Registry implements it.
type Partners interface {
	List(ctx context.Context) ([]partner.Partner, error)
}

// Source reads the current version of a resource.
type Source interface {
	Get(ctx context.Context, key resource.Key) (resource.Resource, error)
}

// Pusher turns ResourceChanged events for local parties into PUT and
// DELETE calls on partner receiver endpoints. Writes received from a
// partner are not forwarded, and neither are cascade bumps since every
// receiver cascades on its own.
type Pusher struct {
	source   Source
	partners Partners
	clients  *ocpiclient.Cache
	jobs     outbound.Submitter
	local    []ocpi.CredentialsRole
}

// New creates a Pusher for the given local roles.
func New(source Source, partners Partners, clients *ocpiclient.Cache, jobs outbound.Submitter, local []ocpi.CredentialsRole) *Pusher {
	return &Pusher{source: source, partners: partners, clients: clients, jobs: jobs, local: local}
}

// Attach subscribes the pusher to bus and returns the detach function.
func (p *Pusher) Attach(bus *events.Bus) func() {
	return events.On(bus, func(evt events.ResourceChanged) { p.Handle(evt) })
}

// Handle schedules one push job per eligible partner and returns how many
// were queued.
func (p *Pusher) Handle(evt events.ResourceChanged) int {
	if evt.SourcePartner != "" || evt.Op == events.OpCascade {
		return 0
	}
	module, ok := ocpi.LookupModule(ocpi.ModuleID(evt.Module))
	if !ok || !p.owns(module, evt.CountryCode, evt.PartyID) {
		return 0
	}
	key := resource.NewKey(module.ID, evt.CountryCode, evt.PartyID, strings.Split(evt.Path, "/")...)

	targets, err := p.partners.List(context.Background())
	if err != nil {
		obs.Error("push: list partners", err, nil)
		return 0
	}
	queued := 0
	for _, target := range targets {
		ep, ok := eligible(target, module.ID)
		if !ok {
			continue
		}
		url := ocpiclient.ObjectURL(ep.URL, key.CountryCode, key.PartyID, key.Path)
		target := target
		job := outbound.Job{
			Kind:      "push",
			PartnerID: target.ID,
			Run: func(ctx context.Context) error {
				return p.deliver(ctx, target, key, url, evt.Op == events.OpDelete)
			},
		}
		if err := p.jobs.Submit(job); err != nil {
			obs.Warn("push not scheduled", map[string]any{"partner_id": target.ID, "key": key.String(), "error": err.Error()})
			continue
		}
		queued++
	}
	return queued
}

func (p *Pusher) owns(module ocpi.Module, countryCode, partyID string) bool {
	for _, role := range p.local {
		if role.Role == module.Owner && role.Matches(countryCode, partyID) {
			return true
		}
	}
	return false
}

func eligible(target partner.Partner, module ocpi.ModuleID) (ocpi.Endpoint, bool) {
	if target.IsInvitation() || !target.Usable() || target.RemoteStatus == partner.StatusOffline {
		return ocpi.Endpoint{}, false
	}
	return target.Endpoint(module, ocpi.InterfaceReceiver)
}

func (p *Pusher) deliver(ctx context.Context, target partner.Partner, key resource.Key, url string, deleted bool) error {
	cl := p.clients.Get(target.ID, target.TokenB)
	if deleted {
		err := cl.DeleteObject(ctx, url)
		if errors.Is(err, ocpi.ErrNotFound) {
			return nil
		}
		return err
	}
	cur, err := p.source.Get(ctx, key)
	if errors.Is(err, ocpi.ErrNotFound) {
		// Deleted after the event; the delete event follows.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	err = cl.PutObject(ctx, url, cur.Payload)
	if errors.Is(err, ocpi.ErrStaleWrite) {
		// The partner already holds this or a newer version.
		return nil
	}
	return err
}
