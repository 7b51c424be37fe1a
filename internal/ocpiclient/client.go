// Package ocpiclient talks to partner endpoints: versions discovery,
// credentials exchange, command delivery and object pushes.
package ocpiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/outbound"
)

const maxResponseBytes = 8 << 20

// ErrThrottled is the cause of a deferral by the partner rate limit.
var ErrThrottled = errors.New("partner rate limit")

type ctxKey struct{}

// WithCorrelationID propagates an inbound correlation id to outbound calls.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Options tune a client.
type Options struct {
	HTTPClient *http.Client
	// RatePerSecond paces calls to one partner; zero disables pacing.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Client calls one partner with one token.
type Client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
}

// New creates a client presenting token.
func New(token string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Client{http: hc, token: token, limiter: limiter}
}

// Token returns the token the client presents.
func (c *Client) Token() string { return c.token }

// Meta carries the paging headers of a response.
type Meta struct {
	HTTPStatus    int
	TotalCount    int
	FilteredCount int
	Limit         int
	Next          string
	ETag          string
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) (Meta, error) {
	if err := c.pace(ctx); err != nil {
		return Meta{}, err
	}
	var reader io.Reader
	if body != nil {
		var data []byte
		switch b := body.(type) {
		case json.RawMessage:
			data = b
		case []byte:
			data = b
		default:
			var err error
			if data, err = json.Marshal(body); err != nil {
				return Meta{}, err
			}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	reqID := ids.NewCorrelationID()
	corrID := correlationID(ctx)
	if corrID == "" {
		corrID = reqID
	}
	req.Header.Set("Authorization", ocpi.AuthorizationHeader(c.token))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("X-Correlation-ID", corrID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: %s %s: %v", ocpi.ErrPartnerUnreachable, method, url, err)
	}
	defer resp.Body.Close()

	meta := Meta{
		HTTPStatus:    resp.StatusCode,
		TotalCount:    headerInt(resp.Header, "X-Total-Count"),
		FilteredCount: headerInt(resp.Header, "X-Filtered-Count"),
		Limit:         headerInt(resp.Header, "X-Limit"),
		Next:          nextLink(resp.Header.Get("Link")),
		ETag:          resp.Header.Get("ETag"),
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return meta, fmt.Errorf("%w: reading response: %v", ocpi.ErrPartnerUnreachable, err)
	}

	var env ocpi.RawResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return meta, &ocpi.StatusError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return meta, fmt.Errorf("%w: partner answered %d without an envelope", ocpi.ErrProtocol, resp.StatusCode)
	}
	if resp.StatusCode >= 300 || env.StatusCode < 1000 || env.StatusCode >= 2000 {
		return meta, &ocpi.StatusError{HTTPStatus: resp.StatusCode, Code: env.StatusCode, Message: env.StatusMessage}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return meta, fmt.Errorf("%w: decoding data: %v", ocpi.ErrProtocol, err)
		}
	}
	return meta, nil
}

// pace applies the partner's rate limit. Pool jobs get an outbound.Defer
// back instead of holding their worker; other callers wait.
func (c *Client) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if !outbound.InWorker(ctx) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ocpi.ErrPartnerUnreachable, err)
		}
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: rate burst exceeded", ocpi.ErrPartnerUnreachable)
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return outbound.Defer(d, ErrThrottled)
	}
	return nil
}

func headerInt(h http.Header, name string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(h.Get(name)))
	return n
}

// nextLink extracts the rel="next" target of a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) && !strings.Contains(part, "rel=next") {
			continue
		}
		start := strings.IndexByte(part, '<')
		end := strings.IndexByte(part, '>')
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// Versions fetches the versions list.
func (c *Client) Versions(ctx context.Context, url string) ([]ocpi.Version, error) {
	var out []ocpi.Version
	_, err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

// VersionDetails fetches the endpoints of one version.
func (c *Client) VersionDetails(ctx context.Context, url string) (ocpi.VersionDetails, error) {
	var out ocpi.VersionDetails
	_, err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

// GetCredentials reads the credentials the partner holds for us.
func (c *Client) GetCredentials(ctx context.Context, url string) (ocpi.Credentials, error) {
	var out ocpi.Credentials
	_, err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, err
}

// PostCredentials registers with the partner.
func (c *Client) PostCredentials(ctx context.Context, url string, creds ocpi.Credentials) (ocpi.Credentials, error) {
	var out ocpi.Credentials
	_, err := c.do(ctx, http.MethodPost, url, creds, &out)
	return out, err
}

// PutCredentials updates our registration (token rotation).
func (c *Client) PutCredentials(ctx context.Context, url string, creds ocpi.Credentials) (ocpi.Credentials, error) {
	var out ocpi.Credentials
	_, err := c.do(ctx, http.MethodPut, url, creds, &out)
	return out, err
}

// DeleteCredentials unregisters from the partner.
func (c *Client) DeleteCredentials(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, nil, nil)
	return err
}

// PostCommand delivers a command to the partner's commands receiver.
func (c *Client) PostCommand(ctx context.Context, endpointURL string, kind ocpi.CommandType, payload json.RawMessage) (ocpi.CommandResponse, error) {
	var out ocpi.CommandResponse
	_, err := c.do(ctx, http.MethodPost, joinURL(endpointURL, kind.PathSegment()), payload, &out)
	return out, err
}

// PostCommandResult reports the asynchronous outcome to the issuer.
func (c *Client) PostCommandResult(ctx context.Context, responseURL string, result ocpi.CommandResult) error {
	_, err := c.do(ctx, http.MethodPost, responseURL, result, nil)
	return err
}

// PutObject pushes a full object to a receiver endpoint.
func (c *Client) PutObject(ctx context.Context, url string, payload json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPut, url, payload, nil)
	return err
}

// DeleteObject removes an object at a receiver endpoint.
func (c *Client) DeleteObject(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, nil, nil)
	return err
}

// ListPage fetches one page of a sender endpoint.
func (c *Client) ListPage(ctx context.Context, url string) ([]json.RawMessage, Meta, error) {
	var out []json.RawMessage
	meta, err := c.do(ctx, http.MethodGet, url, nil, &out)
	return out, meta, err
}

// ListAll follows rel="next" links from url until the last page.
func (c *Client) ListAll(ctx context.Context, url string, maxPages int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 0; url != ""; page++ {
		if maxPages > 0 && page >= maxPages {
			return all, fmt.Errorf("%w: more than %d pages", ocpi.ErrProtocol, maxPages)
		}
		items, meta, err := c.ListPage(ctx, url)
		if err != nil {
			return all, err
		}
		all = append(all, items...)
		url = meta.Next
	}
	return all, nil
}

// ObjectURL builds {endpoint}/{cc}/{pid}/{path} for receiver interfaces.
func ObjectURL(endpointURL, countryCode, partyID, path string) string {
	return joinURL(endpointURL, countryCode, partyID, path)
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out += "/" + p
		}
	}
	return out
}
