// Package partner is the remote-partner registry: who we federate with, the
// tokens exchanged with them and their reachability.
package partner

import (
	"strings"
	"time"

	"ocpihub.org/internal/ocpi"
)

// RemoteStatus is the reachability of a partner as last observed.
type RemoteStatus string

const (
	StatusOnline  RemoteStatus = "ONLINE"
	StatusOffline RemoteStatus = "OFFLINE"
	StatusUnknown RemoteStatus = "UNKNOWN"
)

// PartyStatus is the administrative switch for a partner.
type PartyStatus string

const (
	PartyEnabled  PartyStatus = "ENABLED"
	PartyDisabled PartyStatus = "DISABLED"
)

// TokenStatus applies to the token we issued to the partner.
type TokenStatus string

const (
	TokenAllowed TokenStatus = "ALLOWED"
	TokenBlocked TokenStatus = "BLOCKED"
)

// Partner is a remote party registered with the hub.
type Partner struct {
	ID    string                 `json:"id"`
	Roles []ocpi.CredentialsRole `json:"roles"`
	// TokenA is the token the partner presents to us.
	TokenA string `json:"token_a"`
	// PendingTokenA is a rotated token not yet confirmed; both are accepted meanwhile.
	PendingTokenA string      `json:"pending_token_a,omitempty"`
	TokenStatus   TokenStatus `json:"token_status"`
	// TokenB is the token we present to the partner.
	TokenB         string             `json:"-"`
	VersionsURL    string             `json:"versions_url,omitempty"`
	Version        ocpi.VersionNumber `json:"version,omitempty"`
	Endpoints      []ocpi.Endpoint    `json:"endpoints,omitempty"`
	RemoteStatus   RemoteStatus       `json:"remote_status"`
	PartyStatus    PartyStatus        `json:"party_status"`
	FailedAttempts int                `json:"failed_attempts"`
	NextRetryAt    time.Time          `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsInvitation reports whether the partner only holds a registration token.
func (p Partner) IsInvitation() bool { return len(p.Roles) == 0 }

// Usable reports whether requests from or to the partner may proceed.
func (p Partner) Usable() bool {
	return p.PartyStatus != PartyDisabled && p.TokenStatus != TokenBlocked
}

// HasRole reports whether any of the partner's roles is r.
func (p Partner) HasRole(r ocpi.Role) bool {
	for _, role := range p.Roles {
		if role.Role == r {
			return true
		}
	}
	return false
}

// Endpoint finds a discovered module endpoint.
func (p Partner) Endpoint(module ocpi.ModuleID, iface ocpi.InterfaceRole) (ocpi.Endpoint, bool) {
	return ocpi.FindEndpoint(p.Endpoints, module, iface)
}

// Clone returns a deep copy.
func (p Partner) Clone() Partner {
	p.Roles = append([]ocpi.CredentialsRole(nil), p.Roles...)
	p.Endpoints = append([]ocpi.Endpoint(nil), p.Endpoints...)
	return p
}

// Label is a short human readable name used in logs.
func (p Partner) Label() string {
	if len(p.Roles) == 0 {
		return "invitation " + p.ID
	}
	ids := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		ids = append(ids, r.Identity())
	}
	return strings.Join(ids, ",")
}

// Registration is the input of a manual registration.
type Registration struct {
	Roles []ocpi.CredentialsRole `json:"roles"`
	// TokenA is minted when empty.
	TokenA      string             `json:"token_a,omitempty"`
	TokenB      string             `json:"token_b"`
	VersionsURL string             `json:"versions_url"`
	Version     ocpi.VersionNumber `json:"version,omitempty"`
	Endpoints   []ocpi.Endpoint    `json:"endpoints,omitempty"`
}

// CredentialsUpdate replaces what a partner told us about itself.
type CredentialsUpdate struct {
	Roles       []ocpi.CredentialsRole
	TokenB      string
	VersionsURL string
	// TokenA replaces the current token when set.
	TokenA string
	// PendingTokenA starts a rotation when set: the new token is accepted
	// next to the current one until its first use.
	PendingTokenA string
}
