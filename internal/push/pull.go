package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
)

// Writer stores pulled objects. *replication.Engine implements it.
type Writer interface {
	Put(ctx context.Context, key resource.Key, payload []byte, lastUpdated time.Time, opts replication.WriteOptions) (resource.Resource, error)
}

// PartnerSource resolves the partner to pull from. *partner.Registry implements it.
type PartnerSource interface {
	Get(ctx context.Context, id string) (partner.Partner, error)
}

// PullResult counts what one pull did.
type PullResult struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	// Stale objects were not newer than the local copy.
	Stale int `json:"stale"`
}

// Puller fetches a partner's sender list page by page and stores every
// object as written by that partner.
type Puller struct {
	writer   Writer
	partners PartnerSource
	clients  *ocpiclient.Cache
	maxPages int
}

// NewPuller creates a Puller. maxPages bounds a single pull; zero means 1000.
func NewPuller(writer Writer, partners PartnerSource, clients *ocpiclient.Cache, maxPages int) *Puller {
	if maxPages <= 0 {
		maxPages = 1000
	}
	return &Puller{writer: writer, partners: partners, clients: clients, maxPages: maxPages}
}

// Pull copies module objects from partnerID's sender endpoint. A stale
// object does not stop the pull.
func (p *Puller) Pull(ctx context.Context, partnerID string, moduleID ocpi.ModuleID) (PullResult, error) {
	module, ok := ocpi.LookupModule(moduleID)
	if !ok {
		return PullResult{}, fmt.Errorf("%w: unknown module %q", ocpi.ErrProtocol, moduleID)
	}
	target, err := p.partners.Get(ctx, partnerID)
	if err != nil {
		return PullResult{}, err
	}
	if !target.HasRole(module.Owner) {
		return PullResult{}, fmt.Errorf("%w: %s holds no %s role", ocpi.ErrProtocol, target.Label(), module.Owner)
	}
	ep, ok := target.Endpoint(module.ID, ocpi.InterfaceSender)
	if !ok {
		return PullResult{}, fmt.Errorf("%w: partner %s has no %s sender", ocpi.ErrNoMatchingEndpoints, target.ID, module.ID)
	}

	items, err := p.clients.Get(target.ID, target.TokenB).ListAll(ctx, ep.URL, p.maxPages)
	res := PullResult{Fetched: len(items)}
	for _, raw := range items {
		key, lu, keyErr := objectKey(module, target, raw)
		if keyErr != nil {
			obs.Warn("pulled object skipped", map[string]any{"partner_id": target.ID, "module": string(module.ID), "error": keyErr.Error()})
			continue
		}
		_, putErr := p.writer.Put(ctx, key, raw, lu, replication.WriteOptions{Source: target.ID})
		switch {
		case putErr == nil:
			res.Stored++
		case errors.Is(putErr, ocpi.ErrStaleWrite):
			res.Stale++
		case errors.Is(putErr, ocpi.ErrProtocol):
			obs.Warn("pulled object rejected", map[string]any{"partner_id": target.ID, "key": key.String(), "error": putErr.Error()})
		default:
			return res, putErr
		}
	}
	if err != nil {
		return res, fmt.Errorf("list %s: %w", module.ID, err)
	}
	audit.Record(ctx, "pull.completed", map[string]any{
		"partner_id": target.ID,
		"module":     string(module.ID),
		"fetched":    res.Fetched,
		"stored":     res.Stored,
		"stale":      res.Stale,
	})
	return res, nil
}

// objectKey reads the identity of a top-level object. 2.1.1 objects carry
// no party fields; they fall back to the partner's only owner role.
func objectKey(module ocpi.Module, target partner.Partner, raw json.RawMessage) (resource.Key, time.Time, error) {
	var head struct {
		CountryCode string `json:"country_code"`
		PartyID     string `json:"party_id"`
		ID          string `json:"id"`
		UID         string `json:"uid"`
		LastUpdated string `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return resource.Key{}, time.Time{}, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	id := head.ID
	if module.ID == ocpi.ModuleTokens {
		id = head.UID
	}
	if id == "" {
		return resource.Key{}, time.Time{}, fmt.Errorf("%w: object without id", ocpi.ErrProtocol)
	}
	cc, pid := head.CountryCode, head.PartyID
	if cc == "" || pid == "" {
		var owners []ocpi.CredentialsRole
		for _, r := range target.Roles {
			if r.Role == module.Owner {
				owners = append(owners, r)
			}
		}
		if len(owners) != 1 {
			return resource.Key{}, time.Time{}, fmt.Errorf("%w: object %s names no party", ocpi.ErrProtocol, id)
		}
		cc, pid = owners[0].CountryCode, owners[0].PartyID
	}
	if !partyOf(target, module.Owner, cc, pid) {
		return resource.Key{}, time.Time{}, fmt.Errorf("%w: object %s belongs to %s/%s", ocpi.ErrAuth, id, cc, pid)
	}
	if head.LastUpdated == "" {
		return resource.Key{}, time.Time{}, fmt.Errorf("%w: object %s has no last_updated", ocpi.ErrProtocol, id)
	}
	lu, err := replication.ParseTimestamp(head.LastUpdated)
	if err != nil {
		return resource.Key{}, time.Time{}, err
	}
	return resource.NewKey(module.ID, cc, pid, id), lu, nil
}

func partyOf(p partner.Partner, role ocpi.Role, countryCode, partyID string) bool {
	for _, r := range p.Roles {
		if r.Role == role && r.Matches(countryCode, partyID) {
			return true
		}
	}
	return false
}
