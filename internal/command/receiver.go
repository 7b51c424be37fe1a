package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
)

// Request is a command a partner sent us.
type Request struct {
	PartnerID   string
	Kind        ocpi.CommandType
	ResponseURL string
	Body        json.RawMessage
}

// Handler is the business adapter that executes inbound commands. It answers
// synchronously and later reports the outcome through Receiver.Report.
type Handler interface {
	HandleCommand(ctx context.Context, req Request) ocpi.CommandResponse
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) ocpi.CommandResponse

func (f HandlerFunc) HandleCommand(ctx context.Context, req Request) ocpi.CommandResponse {
	return f(ctx, req)
}

// NotSupported answers every command with NOT_SUPPORTED.
var NotSupported = HandlerFunc(func(context.Context, Request) ocpi.CommandResponse {
	return ocpi.CommandResponse{Result: ocpi.ResponseNotSupported, Message: "no command handler configured"}
})

// Receiver accepts inbound commands and posts their results back.
type Receiver struct {
	reg     *partner.Registry
	clients *ocpiclient.Cache
	jobs    outbound.Submitter
	bus     *events.Bus
	handler Handler
	retries int
	backoff time.Duration
	now     func() time.Time
}

// NewReceiver wires a Receiver. A nil handler answers NOT_SUPPORTED.
func NewReceiver(reg *partner.Registry, clients *ocpiclient.Cache, jobs outbound.Submitter, bus *events.Bus, handler Handler, cfg Config) *Receiver {
	if handler == nil {
		handler = NotSupported
	}
	cfg = cfg.withDefaults()
	return &Receiver{
		reg:     reg,
		clients: clients,
		jobs:    jobs,
		bus:     bus,
		handler: handler,
		retries: cfg.CallbackRetries,
		backoff: cfg.CallbackBackoff,
		now:     time.Now,
	}
}

// Receive validates an inbound command body and hands it to the handler.
func (r *Receiver) Receive(ctx context.Context, partnerID string, kind ocpi.CommandType, body []byte) (ocpi.CommandResponse, error) {
	parsed, ok := ocpi.ParseCommandType(string(kind))
	if !ok {
		return ocpi.CommandResponse{}, fmt.Errorf("%w: unknown command %q", ocpi.ErrProtocol, kind)
	}
	if err := ocpi.ValidateCommandRequest(body); err != nil {
		return ocpi.CommandResponse{}, err
	}
	var head struct {
		ResponseURL string `json:"response_url"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ocpi.CommandResponse{}, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	if u, err := url.Parse(head.ResponseURL); err != nil || !u.IsAbs() {
		return ocpi.CommandResponse{}, fmt.Errorf("%w: response_url must be an absolute URL", ocpi.ErrProtocol)
	}

	resp := r.handler.HandleCommand(ctx, Request{
		PartnerID:   partnerID,
		Kind:        parsed,
		ResponseURL: head.ResponseURL,
		Body:        append(json.RawMessage(nil), body...),
	})
	if resp.Result == "" {
		resp.Result = ocpi.ResponseNotSupported
	}
	r.bus.Publish(events.CommandReceived{
		PartnerID:   partnerID,
		Kind:        string(parsed),
		ResponseURL: head.ResponseURL,
		Result:      string(resp.Result),
		ReceivedAt:  r.now().UTC(),
	})
	audit.Record(ctx, "command.received", map[string]any{
		"partner_id": partnerID,
		"kind":       string(parsed),
		"result":     string(resp.Result),
	})
	return resp, nil
}

// Report posts the asynchronous result of a command to its response URL on
// the outbound pool. Failed posts are retried with doubling delays; after the
// last attempt the issuer's timeout is the outcome.
func (r *Receiver) Report(ctx context.Context, partnerID, responseURL string, result ocpi.CommandResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := ocpi.ValidateCommandResult(raw); err != nil {
		return err
	}
	target, err := r.reg.Get(ctx, partnerID)
	if err != nil {
		return err
	}
	cl := r.clients.Get(target.ID, target.TokenB)
	return r.jobs.Submit(outbound.Job{
		Kind:      "callback",
		PartnerID: target.ID,
		Run: func(ctx context.Context) error {
			return r.post(ctx, cl, responseURL, result)
		},
	})
}

func (r *Receiver) post(ctx context.Context, cl *ocpiclient.Client, responseURL string, result ocpi.CommandResult) error {
	delay := r.backoff
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
			delay *= 2
		}
		if err = cl.PostCommandResult(ctx, responseURL, result); err == nil {
			return nil
		}
		if outbound.IsDeferred(err) || !retryable(err) {
			return err
		}
		obs.Warn("command result post failed", map[string]any{"url": responseURL, "attempt": attempt + 1, "error": err.Error()})
	}
	return err
}

// retryable reports whether another attempt could succeed. Rejections of
// the request itself are final.
func retryable(err error) bool {
	return !errors.Is(err, ocpi.ErrAuth) && !errors.Is(err, ocpi.ErrProtocol) && !errors.Is(err, ocpi.ErrNotFound)
}
