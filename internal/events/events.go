// Package events is the hub's typed publish/subscribe port. Core components
// publish facts about resources, commands and partners; business adapters,
// the push worker, the SSE stream and the NATS bridge subscribe.
package events

import (
	"time"
)

// Event is anything that can travel over the bus.
type Event interface {
	// Topic is the dot-separated routing key, e.g. "resource.locations.put".
	Topic() string
}

// ResourceOp names the mutation behind a ResourceChanged event.
type ResourceOp string

const (
	OpPut     ResourceOp = "put"
	OpPatch   ResourceOp = "patch"
	OpDelete  ResourceOp = "delete"
	OpCascade ResourceOp = "cascade"
)

// ResourceChanged is raised after a versioned resource was written.
type ResourceChanged struct {
	Op          ResourceOp `json:"op"`
	Module      string     `json:"module"`
	CountryCode string     `json:"country_code"`
	PartyID     string     `json:"party_id"`
	Path        string     `json:"path"`
	LastUpdated time.Time  `json:"last_updated"`
	ETag        string     `json:"etag,omitempty"`
	// SourcePartner is set when the write came from a partner; empty for local writes.
	SourcePartner string `json:"source_partner,omitempty"`
}

func (e ResourceChanged) Topic() string { return "resource." + e.Module + "." + string(e.Op) }

// CommandResolved is raised exactly once per pending command.
type CommandResolved struct {
	CorrelationID string    `json:"correlation_id"`
	Kind          string    `json:"kind"`
	PartnerID     string    `json:"partner_id"`
	Result        string    `json:"result"`
	Message       string    `json:"message,omitempty"`
	Source        string    `json:"source"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

func (e CommandResolved) Topic() string { return "command.resolved" }

// CommandReceived is raised when a partner sent us a command.
type CommandReceived struct {
	PartnerID   string    `json:"partner_id"`
	Kind        string    `json:"kind"`
	ResponseURL string    `json:"response_url"`
	Result      string    `json:"result"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (e CommandReceived) Topic() string { return "command.received" }

// PartnerChanged is raised on registry transitions.
type PartnerChanged struct {
	PartnerID    string    `json:"partner_id"`
	Change       string    `json:"change"`
	RemoteStatus string    `json:"remote_status,omitempty"`
	PartyStatus  string    `json:"party_status,omitempty"`
	At           time.Time `json:"at"`
}

func (e PartnerChanged) Topic() string { return "partner." + e.Change }
