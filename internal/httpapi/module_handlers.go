package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
)

var (
	senderMethods     = []string{http.MethodGet, http.MethodOptions}
	receiverMethods   = []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	collectionOptions = []string{http.MethodOptions}
)

// moduleRoute is a resolved /ocpi/{role}/{version}/{module} prefix.
type moduleRoute struct {
	role    ocpi.Role
	version ocpi.VersionNumber
	module  ocpi.Module
	// sender is set when the URL names the owner role: the caller reads our data.
	sender bool
}

func (a *API) resolveModule(r *http.Request) (moduleRoute, error) {
	version, err := supportedVersion(chi.URLParam(r, "version"))
	if err != nil {
		return moduleRoute{}, err
	}
	role, ok := ocpi.ParseRole(chi.URLParam(r, "head"))
	if !ok || !a.localRole(role) {
		return moduleRoute{}, fmt.Errorf("%w: no %s interface", ocpi.ErrNotFound, chi.URLParam(r, "head"))
	}
	module, ok := ocpi.LookupModule(ocpi.ModuleID(chi.URLParam(r, "module")))
	if !ok {
		return moduleRoute{}, fmt.Errorf("%w: unknown module %q", ocpi.ErrNotFound, chi.URLParam(r, "module"))
	}
	rt := moduleRoute{role: role, version: version, module: module}
	switch role {
	case module.Owner:
		rt.sender = true
	case module.ReceiverRole():
	default:
		return moduleRoute{}, fmt.Errorf("%w: %s has no %s interface", ocpi.ErrNotFound, role, module.ID)
	}
	if err := principalFrom(r).RequireRegistered(); err != nil {
		return moduleRoute{}, err
	}
	return rt, nil
}

func (a *API) moduleCollection(w http.ResponseWriter, r *http.Request) {
	rt, err := a.resolveModule(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	allowed := collectionOptions
	if rt.sender {
		allowed = senderMethods
	}
	switch {
	case r.Method == http.MethodOptions:
		a.ocpiOptions(w, allowed)
	case r.Method == http.MethodGet && rt.sender:
		a.listLocal(w, r, rt)
	default:
		a.ocpiMethodNotAllowed(w, r, allowed)
	}
}

// listLocal serves one page of the local parties' objects.
func (a *API) listLocal(w http.ResponseWriter, r *http.Request, rt moduleRoute) {
	q, err := replication.ParseQuery(r.URL.Query())
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	q.Module = rt.module.ID
	q.Owners = a.localOwners(rt.role)
	page, err := a.deps.Engine.List(r.Context(), q)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	items := make([]json.RawMessage, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, it.Payload)
	}
	h := w.Header()
	h.Set("X-Total-Count", strconv.Itoa(page.Total))
	h.Set("X-Filtered-Count", strconv.Itoa(page.Filtered))
	h.Set("X-Limit", strconv.Itoa(page.Limit))
	if page.Next != nil {
		h.Set("Link", fmt.Sprintf(`<%s>; rel="next"`, a.pageURL(r, *page.Next)))
	}
	a.writeOCPI(w, http.StatusOK, items)
}

// pageURL renders the next page link; match is passed through untouched.
func (a *API) pageURL(r *http.Request, next replication.ListQuery) string {
	values := next.Values()
	if match, ok := r.URL.Query()["match"]; ok {
		values["match"] = match
	}
	return a.opts.BaseURL + r.URL.Path + "?" + values.Encode()
}

func (a *API) moduleObject(w http.ResponseWriter, r *http.Request) {
	rt, err := a.resolveModule(r)
	if err != nil {
		a.ocpiError(w, r, err)
		return
	}
	segs := splitPath(chi.URLParam(r, "*"))
	if rt.sender {
		a.senderObject(w, r, rt, segs)
		return
	}
	a.receiverObject(w, r, rt, segs)
}

func splitPath(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// senderObject looks the object up across the local parties holding the
// owner role.
func (a *API) senderObject(w http.ResponseWriter, r *http.Request, rt moduleRoute, segs []string) {
	switch r.Method {
	case http.MethodOptions:
		a.ocpiOptions(w, senderMethods)
		return
	case http.MethodGet:
	default:
		a.ocpiMethodNotAllowed(w, r, senderMethods)
		return
	}
	for _, o := range a.localOwners(rt.role) {
		res, err := a.deps.Engine.Get(r.Context(), resource.NewKey(rt.module.ID, o.CountryCode, o.PartyID, segs...))
		if err == nil {
			a.writeObject(w, r, res)
			return
		}
		if !errors.Is(err, ocpi.ErrNotFound) {
			a.ocpiError(w, r, err)
			return
		}
	}
	a.ocpiError(w, r, fmt.Errorf("%w: %s %s", ocpi.ErrNotFound, rt.module.ID, strings.Join(segs, "/")))
}

// receiverObject serves /{cc}/{pid}/{id}[/...] for objects owned by the caller.
func (a *API) receiverObject(w http.ResponseWriter, r *http.Request, rt moduleRoute, segs []string) {
	if r.Method == http.MethodOptions {
		a.ocpiOptions(w, receiverMethods)
		return
	}
	if len(segs) < 3 {
		a.ocpiError(w, r, fmt.Errorf("%w: expected {country_code}/{party_id}/{id}", ocpi.ErrProtocol))
		return
	}
	caller := principalFrom(r)
	if err := caller.CanWrite(rt.module.ID, segs[0], segs[1]); err != nil {
		a.ocpiError(w, r, err)
		return
	}
	key := resource.NewKey(rt.module.ID, segs[0], segs[1], segs[2:]...)
	opts := replication.WriteOptions{Source: caller.ID()}

	switch r.Method {
	case http.MethodGet:
		res, err := a.deps.Engine.Get(r.Context(), key)
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		a.writeObject(w, r, res)
	case http.MethodPut, http.MethodPatch:
		body, err := readBody(r)
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		lu, err := lastUpdatedOf(body)
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		var res resource.Resource
		if r.Method == http.MethodPut {
			res, err = a.deps.Engine.Put(r.Context(), key, body, lu, opts)
		} else {
			res, err = a.deps.Engine.Patch(r.Context(), key, body, lu, opts)
		}
		if err != nil {
			a.ocpiError(w, r, err)
			return
		}
		w.Header().Set("ETag", res.ETag)
		a.writeOCPI(w, http.StatusOK, nil)
	case http.MethodDelete:
		if err := a.deps.Engine.Delete(r.Context(), key, opts); err != nil {
			a.ocpiError(w, r, err)
			return
		}
		a.writeOCPI(w, http.StatusOK, nil)
	default:
		a.ocpiMethodNotAllowed(w, r, receiverMethods)
	}
}

// writeObject answers a single GET, honouring If-None-Match.
func (a *API) writeObject(w http.ResponseWriter, r *http.Request, res resource.Resource) {
	w.Header().Set("ETag", res.ETag)
	w.Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
	if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	a.writeOCPI(w, http.StatusOK, res.Payload)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// lastUpdatedOf reads the mandatory last_updated field of a PUT or PATCH body.
func lastUpdatedOf(body []byte) (time.Time, error) {
	var head struct {
		LastUpdated string `json:"last_updated"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return time.Time{}, fmt.Errorf("%w: body must be a JSON object: %v", ocpi.ErrProtocol, err)
	}
	if head.LastUpdated == "" {
		return time.Time{}, fmt.Errorf("%w: last_updated is required", ocpi.ErrProtocol)
	}
	return replication.ParseTimestamp(head.LastUpdated)
}
