// Package ocpi holds the protocol vocabulary shared by the hub: roles,
// modules, versions, the credentials object, command wire types, the response
// envelope and the error taxonomy.
package ocpi

import (
	"strconv"
	"strings"
)

// Role is the business role a party plays in the federation.
type Role string

const (
	RoleCPO   Role = "CPO"
	RoleEMSP  Role = "EMSP"
	RoleHUB   Role = "HUB"
	RoleNAP   Role = "NAP"
	RoleNSP   Role = "NSP"
	RoleOther Role = "OTHER"
	RoleSCSP  Role = "SCSP"
)

var knownRoles = []Role{RoleCPO, RoleEMSP, RoleHUB, RoleNAP, RoleNSP, RoleOther, RoleSCSP}

// ParseRole accepts both the wire form ("CPO") and the URL form ("cpo").
func ParseRole(s string) (Role, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, r := range knownRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Valid reports whether r is one of the protocol roles.
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}

// PathSegment renders the role as used in module URLs.
func (r Role) PathSegment() string { return strings.ToLower(string(r)) }

// VersionNumber identifies a protocol release, e.g. "2.2.1".
type VersionNumber string

const (
	V211 VersionNumber = "2.1.1"
	V221 VersionNumber = "2.2.1"
)

// SupportedVersions lists the releases this hub speaks, highest first.
var SupportedVersions = []VersionNumber{V221, V211}

// Compare orders version numbers numerically segment by segment.
func (v VersionNumber) Compare(other VersionNumber) int {
	a := strings.Split(string(v), ".")
	b := strings.Split(string(other), ".")
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x, _ = strconv.Atoi(a[i])
		}
		if i < len(b) {
			y, _ = strconv.Atoi(b[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// Version is one entry of the versions discovery endpoint.
type Version struct {
	Version VersionNumber `json:"version"`
	URL     string        `json:"url"`
}

// HighestMutual picks the highest version present in both lists.
func HighestMutual(ours []VersionNumber, theirs []Version) (Version, bool) {
	var (
		best  Version
		found bool
	)
	for _, t := range theirs {
		for _, o := range ours {
			if t.Version != o {
				continue
			}
			if !found || t.Version.Compare(best.Version) > 0 {
				best = t
				found = true
			}
		}
	}
	return best, found
}

// InterfaceRole tells whether an endpoint is the sender or receiver side of a module.
type InterfaceRole string

const (
	InterfaceSender   InterfaceRole = "SENDER"
	InterfaceReceiver InterfaceRole = "RECEIVER"
)

// Endpoint is one module URL advertised in version details.
type Endpoint struct {
	Identifier ModuleID      `json:"identifier"`
	Role       InterfaceRole `json:"role"`
	URL        string        `json:"url"`
}

// VersionDetails lists the endpoints a party exposes for one version.
type VersionDetails struct {
	Version   VersionNumber `json:"version"`
	Endpoints []Endpoint    `json:"endpoints"`
}

// FindEndpoint returns the endpoint for module with the given interface role.
// Endpoints from 2.1.1 peers carry no role and match any.
func FindEndpoint(endpoints []Endpoint, module ModuleID, role InterfaceRole) (Endpoint, bool) {
	for _, ep := range endpoints {
		if ep.Identifier != module {
			continue
		}
		if ep.Role == "" || ep.Role == role {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// ModuleID names a protocol module.
type ModuleID string

const (
	ModuleCredentials ModuleID = "credentials"
	ModuleLocations   ModuleID = "locations"
	ModuleSessions    ModuleID = "sessions"
	ModuleCDRs        ModuleID = "cdrs"
	ModuleTariffs     ModuleID = "tariffs"
	ModuleTokens      ModuleID = "tokens"
	ModuleCommands    ModuleID = "commands"
)

// Module describes a data module synchronised through the version store.
type Module struct {
	ID ModuleID
	// Owner is the role that produces the objects and pushes them to receivers.
	Owner Role
	// Depth is the number of path segments below the party, e.g. 3 for
	// location/evse/connector.
	Depth int
}

// DataModules are the modules handled by the synchronisation engine.
var DataModules = []Module{
	{ID: ModuleLocations, Owner: RoleCPO, Depth: 3},
	{ID: ModuleSessions, Owner: RoleCPO, Depth: 1},
	{ID: ModuleCDRs, Owner: RoleCPO, Depth: 1},
	{ID: ModuleTariffs, Owner: RoleCPO, Depth: 1},
	{ID: ModuleTokens, Owner: RoleEMSP, Depth: 1},
}

// LookupModule finds a data module by identifier.
func LookupModule(id ModuleID) (Module, bool) {
	for _, m := range DataModules {
		if m.ID == id {
			return m, true
		}
	}
	return Module{}, false
}

// ReceiverRole is the role on the receiving end of the module.
func (m Module) ReceiverRole() Role {
	if m.Owner == RoleEMSP {
		return RoleCPO
	}
	return RoleEMSP
}

// BusinessDetails describes the party behind a role.
type BusinessDetails struct {
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Logo    *Image `json:"logo,omitempty"`
}

// Image is a reference to a logo or photo.
type Image struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Category  string `json:"category"`
	Type      string `json:"type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// CredentialsRole binds a role to a party.
type CredentialsRole struct {
	Role            Role            `json:"role"`
	BusinessDetails BusinessDetails `json:"business_details"`
	PartyID         string          `json:"party_id"`
	CountryCode     string          `json:"country_code"`
}

// Matches reports whether the role belongs to the given party.
func (r CredentialsRole) Matches(countryCode, partyID string) bool {
	return strings.EqualFold(r.CountryCode, countryCode) && strings.EqualFold(r.PartyID, partyID)
}

// Identity renders the (country, party, role) triple that identifies a partner role.
func (r CredentialsRole) Identity() string {
	return strings.ToUpper(r.CountryCode) + "/" + strings.ToUpper(r.PartyID) + "/" + string(r.Role)
}

// Credentials is the object exchanged during registration.
type Credentials struct {
	Token string            `json:"token"`
	URL   string            `json:"url"`
	Roles []CredentialsRole `json:"roles"`
}

// CommandType names an asynchronous command.
type CommandType string

const (
	CommandStartSession      CommandType = "START_SESSION"
	CommandStopSession       CommandType = "STOP_SESSION"
	CommandReserveNow        CommandType = "RESERVE_NOW"
	CommandCancelReservation CommandType = "CANCEL_RESERVATION"
	CommandUnlockConnector   CommandType = "UNLOCK_CONNECTOR"
)

var knownCommands = []CommandType{
	CommandStartSession, CommandStopSession, CommandReserveNow,
	CommandCancelReservation, CommandUnlockConnector,
}

// ParseCommandType accepts "START_SESSION" as well as the URL form "start_session".
func ParseCommandType(s string) (CommandType, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, c := range knownCommands {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// PathSegment renders the command as used in URLs.
func (c CommandType) PathSegment() string { return strings.ToUpper(string(c)) }

// CommandResponseType is the synchronous answer to a command request.
type CommandResponseType string

const (
	ResponseAccepted       CommandResponseType = "ACCEPTED"
	ResponseRejected       CommandResponseType = "REJECTED"
	ResponseNotSupported   CommandResponseType = "NOT_SUPPORTED"
	ResponseUnknownSession CommandResponseType = "UNKNOWN_SESSION"
)

// CommandResponse is returned by the receiver when a command arrives.
type CommandResponse struct {
	Result  CommandResponseType `json:"result"`
	Timeout int                 `json:"timeout"`
	Message string              `json:"message,omitempty"`
}

// CommandResultType is the asynchronous outcome of a command.
type CommandResultType string

const (
	ResultAccepted            CommandResultType = "ACCEPTED"
	ResultRejected            CommandResultType = "REJECTED"
	ResultTimeout             CommandResultType = "TIMEOUT"
	ResultFailed              CommandResultType = "FAILED"
	ResultNotSupported        CommandResultType = "NOT_SUPPORTED"
	ResultEVSEOccupied        CommandResultType = "EVSE_OCCUPIED"
	ResultEVSEInoperative     CommandResultType = "EVSE_INOPERATIVE"
	ResultCanceledReservation CommandResultType = "CANCELED_RESERVATION"
	ResultUnknownReservation  CommandResultType = "UNKNOWN_RESERVATION"
)

// CommandResult is posted by the target to the response URL.
type CommandResult struct {
	Result  CommandResultType `json:"result"`
	Message string            `json:"message,omitempty"`
}
