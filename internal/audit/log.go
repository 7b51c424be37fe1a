// Package audit writes one JSON line per security or lifecycle event:
// registrations, token changes, admin actions and command traffic.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"ocpihub.org/internal/obs"
)

type ctxKey struct{}

// trail is what a request contributes to every event it causes.
type trail struct {
	requestID     string
	correlationID string
	actor         string
}

func from(ctx context.Context) trail {
	if ctx == nil {
		return trail{}
	}
	t, _ := ctx.Value(ctxKey{}).(trail)
	return t
}

func with(ctx context.Context, fn func(*trail)) context.Context {
	t := from(ctx)
	fn(&t)
	return context.WithValue(ctx, ctxKey{}, t)
}

// WithRequest attaches the request id and the OCPI correlation id.
func WithRequest(ctx context.Context, requestID, correlationID string) context.Context {
	requestID, correlationID = strings.TrimSpace(requestID), strings.TrimSpace(correlationID)
	if requestID == "" && correlationID == "" {
		return ctx
	}
	return with(ctx, func(t *trail) {
		t.requestID = requestID
		t.correlationID = correlationID
	})
}

// WithActor records who acts on the request: a partner id or "admin:<subject>".
func WithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return with(ctx, func(t *trail) { t.actor = actor })
}

// Actor returns the actor recorded on ctx.
func Actor(ctx context.Context) string { return from(ctx).actor }

// LogEvent writes an audit entry. Background work without a request still
// logs, with actor "system".
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	t := from(ctx)
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  event,
		"actor":  "system",
		"fields": map[string]any{},
	}
	if t.actor != "" {
		entry["actor"] = t.actor
	}
	if t.requestID != "" {
		entry["request_id"] = t.requestID
	}
	if t.correlationID != "" && t.correlationID != t.requestID {
		entry["correlation_id"] = t.correlationID
	}
	if len(fields) > 0 {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		entry["fields"] = copied
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Record is LogEvent for callers that cannot act on a logging failure.
func Record(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit log failed", err, map[string]any{"event": event})
	}
}
