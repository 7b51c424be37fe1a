package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
)

func (a *API) adminRoutes(r chi.Router) {
	r.Post("/login", a.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(a.withAdmin)
		r.Get("/partners", a.listPartners)
		r.Post("/partners", a.createPartner)
		r.Get("/partners/{id}", a.getPartner)
		r.Delete("/partners/{id}", a.deletePartner)
		r.Put("/partners/{id}/status", a.setPartnerStatus)
		r.Post("/partners/{id}/rotate", a.rotatePartner)
		r.Post("/partners/{id}/discover", a.discoverPartner)
		r.Post("/partners/{id}/pull/{module}", a.pullPartner)
		r.Post("/invitations", a.createInvitation)
		r.Post("/handshake", a.startHandshake)
		r.Get("/commands", a.listCommands)
		r.Post("/commands", a.sendCommand)
		r.Post("/commands/report", a.reportCommand)
		r.Get("/resources/{module}/{cc}/{pid}/*", a.localResource)
		r.Put("/resources/{module}/{cc}/{pid}/*", a.localResource)
		r.Patch("/resources/{module}/{cc}/{pid}/*", a.localResource)
		r.Delete("/resources/{module}/{cc}/{pid}/*", a.localResource)
		r.Get("/events", a.streamEvents)
	})
}

func (a *API) listPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := a.deps.Registry.List(r.Context())
	if err != nil {
		adminError(w, r, err)
		return
	}
	if partners == nil {
		partners = []partner.Partner{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"partners": partners})
}

func (a *API) getPartner(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// createPartner registers a partner whose credentials were exchanged out of band.
func (a *API) createPartner(w http.ResponseWriter, r *http.Request) {
	var req partner.Registration
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	p, err := a.deps.Registry.Register(r.Context(), req)
	if err != nil {
		adminError(w, r, err)
		return
	}
	if p.VersionsURL != "" && len(p.Endpoints) == 0 {
		a.deps.Handshaker.ScheduleDiscovery(p.ID)
	}
	audit.Record(r.Context(), "admin.partner.created", map[string]any{"partner_id": p.ID, "roles": p.Label()})
	w.Header().Set("Location", "/admin/partners/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) deletePartner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.deps.Handshaker.Forget(r.Context(), id); err != nil {
		adminError(w, r, err)
		return
	}
	audit.Record(r.Context(), "admin.partner.deleted", map[string]any{"partner_id": id})
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	PartyStatus partner.PartyStatus `json:"party_status,omitempty"`
	TokenStatus partner.TokenStatus `json:"token_status,omitempty"`
}

func (a *API) setPartnerStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	if req.PartyStatus == "" && req.TokenStatus == "" {
		writeError(w, r, http.StatusBadRequest, "party_status or token_status is required")
		return
	}
	id := chi.URLParam(r, "id")
	if req.PartyStatus != "" {
		if err := a.deps.Registry.SetPartyStatus(r.Context(), id, req.PartyStatus); err != nil {
			adminError(w, r, err)
			return
		}
	}
	if req.TokenStatus != "" {
		if err := a.deps.Registry.SetTokenStatus(r.Context(), id, req.TokenStatus); err != nil {
			adminError(w, r, err)
			return
		}
	}
	a.deps.Clients.Invalidate(id)
	p, err := a.deps.Registry.Get(r.Context(), id)
	if err != nil {
		adminError(w, r, err)
		return
	}
	audit.Record(r.Context(), "admin.partner.status", map[string]any{
		"partner_id":   id,
		"party_status": string(p.PartyStatus),
		"token_status": string(p.TokenStatus),
	})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) rotatePartner(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Handshaker.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) discoverPartner(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Handshaker.Discover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) pullPartner(w http.ResponseWriter, r *http.Request) {
	if a.deps.Puller == nil {
		writeError(w, r, http.StatusServiceUnavailable, "pull disabled")
		return
	}
	res, err := a.deps.Puller.Pull(r.Context(), chi.URLParam(r, "id"), ocpi.ModuleID(chi.URLParam(r, "module")))
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type invitationResponse struct {
	PartnerID   string `json:"partner_id"`
	Token       string `json:"token"`
	VersionsURL string `json:"versions_url"`
}

// createInvitation mints a registration token to hand to a new partner.
func (a *API) createInvitation(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Registry.Invite(r.Context())
	if err != nil {
		adminError(w, r, err)
		return
	}
	audit.Record(r.Context(), "admin.invitation.created", map[string]any{"partner_id": p.ID})
	writeJSON(w, http.StatusCreated, invitationResponse{
		PartnerID:   p.ID,
		Token:       p.TokenA,
		VersionsURL: a.deps.Handshaker.VersionsURL(),
	})
}

type handshakeRequest struct {
	VersionsURL string `json:"versions_url"`
	Token       string `json:"token"`
}

// startHandshake registers with a partner that handed us a registration token.
func (a *API) startHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	p, err := a.deps.Handshaker.Register(r.Context(), req.VersionsURL, req.Token)
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": a.deps.Dispatcher.List()})
}

type sendCommandRequest struct {
	Kind      ocpi.CommandType `json:"kind"`
	PartnerID string           `json:"partner_id"`
	Payload   json.RawMessage  `json:"payload"`
}

func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	ack, err := a.deps.Dispatcher.SendCommand(r.Context(), req.Kind, req.PartnerID, req.Payload)
	if err != nil {
		adminError(w, r, err)
		return
	}
	code := http.StatusOK
	if ack.Result == ocpi.ResponseAccepted {
		code = http.StatusAccepted
	}
	writeJSON(w, code, ack)
}

type reportCommandRequest struct {
	PartnerID   string                 `json:"partner_id"`
	ResponseURL string                 `json:"response_url"`
	Result      ocpi.CommandResultType `json:"result"`
	Message     string                 `json:"message,omitempty"`
}

// reportCommand posts the outcome of a command a partner sent us.
func (a *API) reportCommand(w http.ResponseWriter, r *http.Request) {
	var req reportCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		adminError(w, r, err)
		return
	}
	err := a.deps.Receiver.Report(r.Context(), req.PartnerID, req.ResponseURL, ocpi.CommandResult{Result: req.Result, Message: req.Message})
	if err != nil {
		adminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resourceView struct {
	Key         string          `json:"key"`
	LastUpdated time.Time       `json:"last_updated"`
	ETag        string          `json:"etag"`
	Data        json.RawMessage `json:"data"`
}

// localResource reads and writes objects of the local parties. Writes are
// pushed to partners like any local change.
func (a *API) localResource(w http.ResponseWriter, r *http.Request) {
	module, ok := ocpi.LookupModule(ocpi.ModuleID(chi.URLParam(r, "module")))
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown module")
		return
	}
	cc, pid := chi.URLParam(r, "cc"), chi.URLParam(r, "pid")
	if !a.ownsLocal(module.Owner, cc, pid) {
		writeError(w, r, http.StatusForbidden, fmt.Sprintf("%s/%s is not a local %s party", cc, pid, module.Owner))
		return
	}
	key := resource.NewKey(module.ID, cc, pid, splitPath(chi.URLParam(r, "*"))...)

	var (
		res resource.Resource
		err error
	)
	switch r.Method {
	case http.MethodGet:
		res, err = a.deps.Engine.Get(r.Context(), key)
	case http.MethodDelete:
		if err := a.deps.Engine.Delete(r.Context(), key, replication.WriteOptions{}); err != nil {
			adminError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		var body []byte
		body, err = readBody(r)
		if err != nil {
			break
		}
		var lu time.Time
		if lu, err = stampOrNow(body, a.now()); err != nil {
			break
		}
		if r.Method == http.MethodPut {
			res, err = a.deps.Engine.Put(r.Context(), key, body, lu, replication.WriteOptions{})
		} else {
			res, err = a.deps.Engine.Patch(r.Context(), key, body, lu, replication.WriteOptions{})
		}
	}
	if err != nil {
		adminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceView{Key: res.Key.String(), LastUpdated: res.LastUpdated, ETag: res.ETag, Data: res.Payload})
}

// stampOrNow uses the body's last_updated when present, now otherwise.
func stampOrNow(body []byte, now time.Time) (time.Time, error) {
	var head struct {
		LastUpdated *string `json:"last_updated"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return time.Time{}, fmt.Errorf("%w: body must be a JSON object: %v", ocpi.ErrProtocol, err)
	}
	if head.LastUpdated == nil {
		return now, nil
	}
	return replication.ParseTimestamp(*head.LastUpdated)
}
