package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
)

// Resolution sources reported on CommandResolved.
const (
	SourceCallback = "callback"
	SourceResponse = "response"
	SourceTimeout  = "timeout"
)

// Config tunes command dispatch.
type Config struct {
	// BaseURL is the public URL of the hub; response URLs are built on it.
	BaseURL string `yaml:"-"`
	// Role is the interface role we issue commands from, EMSP by default.
	Role ocpi.Role `yaml:"role"`
	// Timeout bounds the wait for the asynchronous result.
	Timeout time.Duration `yaml:"timeout"`
	// CallbackRetries and CallbackBackoff govern posting results we owe to others.
	CallbackRetries int           `yaml:"callback_retries"`
	CallbackBackoff time.Duration `yaml:"callback_backoff"`
}

// DefaultConfig returns a 60s result timeout and 3 callback retries.
func DefaultConfig() Config {
	return Config{Role: ocpi.RoleEMSP, Timeout: 60 * time.Second, CallbackRetries: 3, CallbackBackoff: time.Second}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Role == "" {
		c.Role = def.Role
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.CallbackRetries < 0 {
		c.CallbackRetries = 0
	}
	if c.CallbackBackoff <= 0 {
		c.CallbackBackoff = def.CallbackBackoff
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Ack is the synchronous answer to SendCommand.
type Ack struct {
	Result        ocpi.CommandResponseType `json:"result"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

func rejected(format string, args ...any) Ack {
	return Ack{Result: ocpi.ResponseRejected, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher sends commands and correlates their results.
type Dispatcher struct {
	reg     *partner.Registry
	clients *ocpiclient.Cache
	jobs    outbound.Submitter
	bus     *events.Bus
	cfg     Config
	now     func() time.Time
	table   Table
}

// NewDispatcher wires a Dispatcher. bus may be nil.
func NewDispatcher(reg *partner.Registry, clients *ocpiclient.Cache, jobs outbound.Submitter, bus *events.Bus, cfg Config) *Dispatcher {
	return &Dispatcher{reg: reg, clients: clients, jobs: jobs, bus: bus, cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock replaces time.Now; used by tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SendCommand validates the command locally and, when accepted, registers it
// as pending and posts it to the partner on the outbound pool. The answer
// never waits for the partner.
func (d *Dispatcher) SendCommand(ctx context.Context, requested ocpi.CommandType, partnerID string, payload json.RawMessage) (Ack, error) {
	kind, ok := ocpi.ParseCommandType(string(requested))
	if !ok {
		return rejected("unknown command %q", requested), nil
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		return rejected("payload must be a JSON object"), nil
	}
	target, err := d.reg.Get(ctx, partnerID)
	if errors.Is(err, ocpi.ErrNotFound) {
		return rejected("unknown partner %s", partnerID), nil
	}
	if err != nil {
		return Ack{}, err
	}
	switch {
	case target.IsInvitation():
		return rejected("partner %s is not registered", partnerID), nil
	case target.PartyStatus == partner.PartyDisabled:
		return rejected("partner %s is disabled", partnerID), nil
	case target.TokenStatus == partner.TokenBlocked:
		return rejected("partner %s token is blocked", partnerID), nil
	case target.RemoteStatus == partner.StatusOffline:
		return rejected("partner %s is offline", partnerID), nil
	}
	ep, hasEndpoint := target.Endpoint(ocpi.ModuleCommands, ocpi.InterfaceReceiver)
	if !hasEndpoint {
		return rejected("partner %s exposes no commands receiver", partnerID), nil
	}

	now := d.now().UTC()
	p := &Pending{
		CorrelationID: ids.NewCorrelationID(),
		Kind:          kind,
		PartnerID:     target.ID,
		IssuedAt:      now,
	}
	p.ResponseURL = d.responseURL(target, p)
	url, err := json.Marshal(p.ResponseURL)
	if err != nil {
		return Ack{}, err
	}
	body["response_url"] = url
	outgoing, err := json.Marshal(body)
	if err != nil {
		return Ack{}, err
	}

	d.table.Add(p, now.Add(d.cfg.Timeout))
	obs.SetPendingCommands(d.table.Len())
	job := outbound.Job{
		Kind:      "command",
		PartnerID: target.ID,
		Run: func(ctx context.Context) error {
			return d.deliver(ctx, target, ep, p, outgoing)
		},
	}
	if err := d.jobs.Submit(job); err != nil {
		if _, ok := d.table.Take(p.CorrelationID, p.PartnerID, p.Kind); ok {
			obs.SetPendingCommands(d.table.Len())
		}
		return Ack{}, err
	}
	audit.Record(ctx, "command.sent", map[string]any{
		"partner_id":     target.ID,
		"kind":           string(kind),
		"correlation_id": p.CorrelationID,
	})
	return Ack{Result: ocpi.ResponseAccepted, CorrelationID: p.CorrelationID}, nil
}

func (d *Dispatcher) responseURL(target partner.Partner, p *Pending) string {
	version := target.Version
	if version == "" {
		version = ocpi.SupportedVersions[0]
	}
	return fmt.Sprintf("%s/ocpi/%s/%s/commands/%s/%s",
		d.cfg.BaseURL, d.cfg.Role.PathSegment(), version, p.Kind.PathSegment(), p.CorrelationID)
}

// deliver posts the command. An unreachable partner is marked OFFLINE and
// the command times out; a partner refusing the request resolves it as
// FAILED at once.
func (d *Dispatcher) deliver(ctx context.Context, target partner.Partner, ep ocpi.Endpoint, p *Pending, body json.RawMessage) error {
	ctx = ocpiclient.WithCorrelationID(ctx, p.CorrelationID)
	resp, err := d.clients.Get(target.ID, target.TokenB).PostCommand(ctx, ep.URL, p.Kind, body)
	switch {
	case err == nil:
	case outbound.IsDeferred(err):
		return err
	case errors.Is(err, ocpi.ErrPartnerUnreachable):
		if stErr := d.reg.UpdateStatus(ctx, target.ID, partner.StatusOffline); stErr != nil {
			obs.Error("mark partner offline", stErr, map[string]any{"partner_id": target.ID})
		}
		return err
	default:
		if taken, ok := d.table.Take(p.CorrelationID, p.PartnerID, p.Kind); ok {
			d.resolve(ctx, taken, ocpi.ResultFailed, err.Error(), SourceResponse)
		}
		return err
	}
	if resp.Result == ocpi.ResponseAccepted {
		if resp.Timeout > 0 {
			p.extend(p.IssuedAt.Add(time.Duration(resp.Timeout) * time.Second))
		}
		return nil
	}
	if taken, ok := d.table.Take(p.CorrelationID, p.PartnerID, p.Kind); ok {
		d.resolve(ctx, taken, immediateResult(resp.Result), resp.Message, SourceResponse)
	}
	return nil
}

func immediateResult(r ocpi.CommandResponseType) ocpi.CommandResultType {
	switch r {
	case ocpi.ResponseNotSupported:
		return ocpi.ResultNotSupported
	case ocpi.ResponseRejected:
		return ocpi.ResultRejected
	default:
		return ocpi.ResultFailed
	}
}

// Callback resolves the pending command with a result posted by partnerID.
// Unknown, foreign or already resolved correlation ids are ignored.
func (d *Dispatcher) Callback(ctx context.Context, partnerID string, kind ocpi.CommandType, correlationID string, result ocpi.CommandResult) (bool, error) {
	if result.Result == "" {
		return false, fmt.Errorf("%w: result is required", ocpi.ErrProtocol)
	}
	p, ok := d.table.Take(correlationID, partnerID, kind)
	if !ok {
		return false, nil
	}
	d.resolve(ctx, p, result.Result, result.Message, SourceCallback)
	return true, nil
}

// Sweep resolves every expired command as TIMEOUT and returns how many.
func (d *Dispatcher) Sweep(now time.Time) int {
	expired := d.table.Expired(now)
	for _, p := range expired {
		d.resolve(context.Background(), p, ocpi.ResultTimeout, "no result before deadline", SourceTimeout)
	}
	return len(expired)
}

// Pending counts commands waiting for a result.
func (d *Dispatcher) Pending() int { return d.table.Len() }

// PendingFor counts commands waiting for partnerID.
func (d *Dispatcher) PendingFor(partnerID string) int { return d.table.LenFor(partnerID) }

// List returns the pending commands.
func (d *Dispatcher) List() []View { return d.table.Snapshot() }

func (d *Dispatcher) resolve(ctx context.Context, p *Pending, result ocpi.CommandResultType, message, source string) {
	at := d.now().UTC()
	obs.SetPendingCommands(d.table.Len())
	obs.ObserveCommandResult(string(p.Kind), string(result))
	d.bus.Publish(events.CommandResolved{
		CorrelationID: p.CorrelationID,
		Kind:          string(p.Kind),
		PartnerID:     p.PartnerID,
		Result:        string(result),
		Message:       message,
		Source:        source,
		ResolvedAt:    at,
	})
	audit.Record(ctx, "command.resolved", map[string]any{
		"partner_id":     p.PartnerID,
		"kind":           string(p.Kind),
		"correlation_id": p.CorrelationID,
		"result":         string(result),
		"source":         source,
	})
}
