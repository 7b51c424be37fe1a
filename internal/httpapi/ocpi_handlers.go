package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ocpihub.org/internal/ocpi"
)

var credentialsMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}

func supportedVersion(raw string) (ocpi.VersionNumber, error) {
	for _, v := range ocpi.SupportedVersions {
		if string(v) == raw {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: version %q", ocpi.ErrUnsupportedVersion, raw)
}

func (a *API) versions(w http.ResponseWriter, r *http.Request) {
	out := make([]ocpi.Version, 0, len(ocpi.SupportedVersions))
	for _, v := range ocpi.SupportedVersions {
		out = append(out, ocpi.Version{Version: v, URL: a.opts.BaseURL + "/ocpi/" + string(v)})
	}
	a.writeOCPI(w, http.StatusOK, out)
}

func (a *API) versionDetails(w http.ResponseWriter, r *http.Request) {
	v, err := supportedVersion(chi.URLParam(r, "head"))
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	a.writeOCPI(w, http.StatusOK, ocpi.VersionDetails{Version: v, Endpoints: a.endpoints(v)})
}

// endpoints lists credentials plus, per local role, the sender side of the
// modules the role owns and the receiver side of those it consumes.
func (a *API) endpoints(v ocpi.VersionNumber) []ocpi.Endpoint {
	base := a.opts.BaseURL + "/ocpi"
	out := []ocpi.Endpoint{
		{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceSender, URL: base + "/" + string(v) + "/credentials"},
		{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceReceiver, URL: base + "/" + string(v) + "/credentials"},
	}
	seen := make(map[ocpi.Role]bool)
	for _, cr := range a.opts.Roles {
		if seen[cr.Role] {
			continue
		}
		seen[cr.Role] = true
		prefix := base + "/" + cr.Role.PathSegment() + "/" + string(v) + "/"
		for _, m := range ocpi.DataModules {
			switch cr.Role {
			case m.Owner:
				out = append(out, ocpi.Endpoint{Identifier: m.ID, Role: ocpi.InterfaceSender, URL: prefix + string(m.ID)})
			case m.ReceiverRole():
				out = append(out, ocpi.Endpoint{Identifier: m.ID, Role: ocpi.InterfaceReceiver, URL: prefix + string(m.ID)})
			}
		}
		switch cr.Role {
		case ocpi.RoleCPO:
			out = append(out, ocpi.Endpoint{Identifier: ocpi.ModuleCommands, Role: ocpi.InterfaceReceiver, URL: prefix + string(ocpi.ModuleCommands)})
		case ocpi.RoleEMSP:
			out = append(out, ocpi.Endpoint{Identifier: ocpi.ModuleCommands, Role: ocpi.InterfaceSender, URL: prefix + string(ocpi.ModuleCommands)})
		}
	}
	return out
}

func (a *API) credentials(w http.ResponseWriter, r *http.Request) {
	if _, err := supportedVersion(chi.URLParam(r, "head")); err != nil {
		a.ocpiError(w, r, err)
		return
	}
	caller := principalFrom(r).Partner

	switch r.Method {
	case http.MethodGet:
		a.writeOCPI(w, http.StatusOK, a.deps.Handshaker.Credentials(caller.TokenA))
	case http.MethodPost, http.MethodPut:
		creds, err := decodeCredentials(r)
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		if r.Method == http.MethodPost {
			creds, err = a.deps.Handshaker.Accept(r.Context(), caller, creds)
		} else {
			creds, err = a.deps.Handshaker.Update(r.Context(), caller, creds)
		}
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		a.writeOCPI(w, http.StatusOK, creds)
	case http.MethodDelete:
		if err := a.deps.Handshaker.Unregister(r.Context(), caller); err != nil {
			a.ocpiError(w, r, err)
			return
		}
		a.writeOCPI(w, http.StatusOK, nil)
	case http.MethodOptions:
		a.ocpiOptions(w, credentialsMethods)
	default:
		a.ocpiMethodNotAllowed(w, r, credentialsMethods)
	}
}

func decodeCredentials(r *http.Request) (ocpi.Credentials, error) {
	body, err := readBody(r)
	if err != nil {
		return ocpi.Credentials{}, err
	}
	if err := ocpi.ValidateCredentials(body); err != nil {
		return ocpi.Credentials{}, err
	}
	var creds ocpi.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return ocpi.Credentials{}, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	return creds, nil
}
