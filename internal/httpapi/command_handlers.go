package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
)

func (a *API) commandPrefix(r *http.Request) (ocpi.Role, ocpi.CommandType, error) {
	if _, err := supportedVersion(chi.URLParam(r, "version")); err != nil {
		return "", "", err
	}
	role, ok := ocpi.ParseRole(chi.URLParam(r, "head"))
	if !ok || !a.localRole(role) {
		return "", "", fmt.Errorf("%w: no %s interface", ocpi.ErrNotFound, chi.URLParam(r, "head"))
	}
	kind, ok := ocpi.ParseCommandType(chi.URLParam(r, "kind"))
	if !ok {
		return "", "", fmt.Errorf("%w: unknown command %q", ocpi.ErrProtocol, chi.URLParam(r, "kind"))
	}
	return role, kind, nil
}

// receiveCommand hands an inbound command to the local handler and returns
// its synchronous answer.
func (a *API) receiveCommand(w http.ResponseWriter, r *http.Request) {
	role, kind, err := a.commandPrefix(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	caller := principalFrom(r)
	if err := caller.CanIssueCommand(role); err != nil {
		a.ocpiError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	resp, err := a.deps.Receiver.Receive(r.Context(), caller.ID(), kind, body)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	a.writeOCPI(w, http.StatusOK, resp)
}

// commandCallback accepts the asynchronous result of a command we issued.
// Results for unknown or already resolved commands are acknowledged and
// dropped.
func (a *API) commandCallback(w http.ResponseWriter, r *http.Request) {
	_, kind, err := a.commandPrefix(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	caller := principalFrom(r)
	if err := caller.RequireRegistered(); err != nil {
		a.ocpiError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	if err := ocpi.ValidateCommandResult(body); err != nil {
		a.ocpiError(w, r, err)
		return
	}
	var result ocpi.CommandResult
	if err := json.Unmarshal(body, &result); err != nil {
		a.ocpiError(w, r, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err))
		return
	}
	correlationID := chi.URLParam(r, "correlationID")
	resolved, err := a.deps.Dispatcher.Callback(r.Context(), caller.ID(), kind, correlationID, result)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	if !resolved {
		obs.Info("command result ignored", map[string]any{
			"partner_id":     caller.ID(),
			"kind":           string(kind),
			"correlation_id": correlationID,
		})
	}
	a.writeOCPI(w, http.StatusOK, nil)
}
