package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/command"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/push"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
)

const testSecret = "node-test-secret"

type testNode struct {
	*Node
	URL   string
	admin string
}

func startNode(t *testing.T, role config.Role, opts ...Option) *testNode {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.Roles = []config.Role{role}
	cfg.Admin.Secret = testSecret
	cfg.Outbound.Workers = 2
	cfg.Commands.CallbackRetries = 0

	n, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	handler = n.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	t.Cleanup(func() {
		cancel()
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = n.Close(closeCtx)
	})

	signer, err := auth.NewSigner(testSecret, cfg.Admin.Issuer)
	require.NoError(t, err)
	token, _, err := signer.GenerateToken("test", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	return &testNode{Node: n, URL: srv.URL, admin: token}
}

func (n *testNode) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, n.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+n.admin)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// partnerWith waits until n knows a discovered partner holding role.
func (n *testNode) partnerWith(t *testing.T, role ocpi.Role) partner.Partner {
	t.Helper()
	var found partner.Partner
	require.Eventually(t, func() bool {
		list, err := n.Registry.List(context.Background())
		if err != nil {
			return false
		}
		for _, p := range list {
			if p.HasRole(role) && len(p.Endpoints) > 0 {
				found = p
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	return found
}

func ocpiPut(t *testing.T, url, token string, body any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Token "+base64.StdEncoding.EncodeToString([]byte(token)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func ocpiGet(t *testing.T, url, token, ifNoneMatch string) (int, string, json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Token "+base64.StdEncoding.EncodeToString([]byte(token)))
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, resp.Header.Get("ETag"), env.Data
}

func TestTwoNodesFederate(t *testing.T) {
	received := make(chan command.Request, 1)
	cpo := startNode(t, config.Role{Role: ocpi.RoleCPO, CountryCode: "NL", PartyID: "CPO", Name: "Charge Point Operator"},
		WithCommandHandler(command.HandlerFunc(func(_ context.Context, req command.Request) ocpi.CommandResponse {
			received <- req
			return ocpi.CommandResponse{Result: ocpi.ResponseAccepted, Timeout: 30}
		})))
	emsp := startNode(t, config.Role{Role: ocpi.RoleEMSP, CountryCode: "NL", PartyID: "EMS", Name: "Mobility Provider"})

	// The EMSP invites, the CPO registers with the invitation.
	var invite struct {
		PartnerID   string `json:"partner_id"`
		Token       string `json:"token"`
		VersionsURL string `json:"versions_url"`
	}
	require.Equal(t, http.StatusCreated, emsp.do(t, http.MethodPost, "/admin/invitations", nil, &invite))
	require.Equal(t, emsp.URL+"/ocpi/versions", invite.VersionsURL)

	var registered partner.Partner
	require.Equal(t, http.StatusCreated, cpo.do(t, http.MethodPost, "/admin/handshake",
		map[string]string{"versions_url": invite.VersionsURL, "token": invite.Token}, &registered))
	require.True(t, registered.HasRole(ocpi.RoleEMSP))
	require.Equal(t, ocpi.V221, registered.Version)

	emspAtCPO := cpo.partnerWith(t, ocpi.RoleEMSP)
	cpoAtEMSP := emsp.partnerWith(t, ocpi.RoleCPO)
	assert.Equal(t, invite.PartnerID, cpoAtEMSP.ID)

	// A local location on the CPO is pushed to the EMSP.
	status := cpo.do(t, http.MethodPut, "/admin/resources/locations/NL/CPO/L1", map[string]any{
		"id": "L1", "country_code": "NL", "party_id": "CPO", "name": "Depot",
		"last_updated": "2026-01-02T10:00:00Z",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	l1 := resource.NewKey(ocpi.ModuleLocations, "NL", "CPO", "L1")
	require.Eventually(t, func() bool {
		_, err := emsp.Engine.Get(context.Background(), l1)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// Both sides serve the same object under the same ETag.
	atCPO, err := cpo.Engine.Get(context.Background(), l1)
	require.NoError(t, err)
	l1URL := emsp.URL + "/ocpi/emsp/2.2.1/locations/NL/CPO/L1"
	code, etag, data := ocpiGet(t, l1URL, cpoAtEMSP.TokenA, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, atCPO.ETag, etag)
	assert.JSONEq(t, string(atCPO.Payload), string(data))
	code, _, _ = ocpiGet(t, l1URL, cpoAtEMSP.TokenA, etag)
	assert.Equal(t, http.StatusNotModified, code)

	// A later edit on the CPO reaches the EMSP with a fresh ETag.
	t1 := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	require.Equal(t, http.StatusOK, cpo.do(t, http.MethodPatch, "/admin/resources/locations/NL/CPO/L1", map[string]any{
		"name": "Depot North", "last_updated": t1.Format(time.RFC3339),
	}, nil))
	atCPO, err = cpo.Engine.Get(context.Background(), l1)
	require.NoError(t, err)
	require.NotEqual(t, etag, atCPO.ETag)
	require.Eventually(t, func() bool {
		code, fresh, _ := ocpiGet(t, l1URL, cpoAtEMSP.TokenA, etag)
		return code == http.StatusOK && fresh == atCPO.ETag
	}, 5*time.Second, 20*time.Millisecond)
	atEMSP, err := emsp.Engine.Get(context.Background(), l1)
	require.NoError(t, err)
	assert.True(t, atEMSP.LastUpdated.Equal(t1), "last_updated %s", atEMSP.LastUpdated)
	assert.JSONEq(t, string(atCPO.Payload), string(atEMSP.Payload))

	// An imported location is not pushed but is found by a pull.
	_, err = cpo.Engine.Put(context.Background(), resource.NewKey(ocpi.ModuleLocations, "NL", "CPO", "L2"),
		[]byte(`{"id":"L2","country_code":"NL","party_id":"CPO","name":"Harbour"}`),
		time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), replication.WriteOptions{Source: "import"})
	require.NoError(t, err)

	var pulled push.PullResult
	require.Equal(t, http.StatusOK, emsp.do(t, http.MethodPost, "/admin/partners/"+cpoAtEMSP.ID+"/pull/locations", nil, &pulled))
	assert.Equal(t, push.PullResult{Fetched: 2, Stored: 1, Stale: 1}, pulled)
	_, err = emsp.Engine.Get(context.Background(), resource.NewKey(ocpi.ModuleLocations, "NL", "CPO", "L2"))
	require.NoError(t, err)

	// The EMSP writes its own token on the CPO but not one of another party.
	tokens := cpo.URL + "/ocpi/cpo/2.2.1/tokens"
	own := map[string]any{"uid": "T1", "country_code": "NL", "party_id": "EMS", "valid": true, "last_updated": "2026-01-02T10:00:00Z"}
	require.Equal(t, http.StatusOK, ocpiPut(t, tokens+"/NL/EMS/T1", emspAtCPO.TokenA, own))
	foreign := map[string]any{"uid": "T9", "country_code": "DE", "party_id": "GDF", "valid": true, "last_updated": "2026-01-02T10:00:00Z"}
	require.Equal(t, http.StatusForbidden, ocpiPut(t, tokens+"/DE/GDF/T9", emspAtCPO.TokenA, foreign))
	_, err = cpo.Engine.Get(context.Background(), resource.NewKey(ocpi.ModuleTokens, "DE", "GDF", "T9"))
	require.True(t, errors.Is(err, ocpi.ErrNotFound), "foreign write must not be stored: %v", err)

	// Command round trip: the EMSP issues, the CPO accepts and reports back.
	resolved := make(chan events.CommandResolved, 1)
	detach := events.On(emsp.Bus, func(evt events.CommandResolved) { resolved <- evt })
	defer detach()

	var ack command.Ack
	require.Equal(t, http.StatusAccepted, emsp.do(t, http.MethodPost, "/admin/commands", map[string]any{
		"kind":       "START_SESSION",
		"partner_id": cpoAtEMSP.ID,
		"payload":    map[string]any{"location_id": "L1"},
	}, &ack))
	require.Equal(t, ocpi.ResponseAccepted, ack.Result)

	var req command.Request
	select {
	case req = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the CPO")
	}
	assert.Equal(t, emspAtCPO.ID, req.PartnerID)
	assert.Equal(t, ocpi.CommandStartSession, req.Kind)
	assert.Contains(t, req.ResponseURL, ack.CorrelationID)

	require.Equal(t, http.StatusAccepted, cpo.do(t, http.MethodPost, "/admin/commands/report", map[string]any{
		"partner_id":   req.PartnerID,
		"response_url": req.ResponseURL,
		"result":       "ACCEPTED",
	}, nil))

	select {
	case evt := <-resolved:
		assert.Equal(t, ack.CorrelationID, evt.CorrelationID)
		assert.Equal(t, string(ocpi.ResultAccepted), evt.Result)
		assert.Equal(t, command.SourceCallback, evt.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("command result never reached the EMSP")
	}
	assert.Zero(t, emsp.Dispatcher.Pending())
}

func TestBuildWithoutAdminSecretHidesAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Roles = []config.Role{{Role: ocpi.RoleCPO, CountryCode: "NL", PartyID: "CPO", Name: "CPO"}}
	n, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer n.Close(context.Background())

	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/partners", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
