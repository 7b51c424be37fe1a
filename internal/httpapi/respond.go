package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// classify maps an error onto the HTTP status and the envelope status code.
func classify(err error) (int, int) {
	var (
		remote   *ocpi.StatusError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &remote):
		return http.StatusBadGateway, ocpi.StatusUnableToUseClientAPI
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, ocpi.StatusInvalidParameters
	case errors.Is(err, ocpi.ErrMissingToken):
		return http.StatusUnauthorized, ocpi.StatusClientError
	case errors.Is(err, ocpi.ErrAuth):
		return http.StatusForbidden, ocpi.StatusClientError
	case errors.Is(err, ocpi.ErrStaleWrite):
		return http.StatusConflict, ocpi.StatusClientError
	case errors.Is(err, ocpi.ErrNotFound):
		return http.StatusNotFound, ocpi.StatusUnknownObject
	case errors.Is(err, ocpi.ErrRoleConflict):
		return http.StatusConflict, ocpi.StatusClientError
	case errors.Is(err, ocpi.ErrCredentials):
		return http.StatusMethodNotAllowed, ocpi.StatusClientError
	case errors.Is(err, ocpi.ErrUnsupportedVersion):
		return http.StatusBadRequest, ocpi.StatusUnsupportedVersion
	case errors.Is(err, ocpi.ErrNoMatchingEndpoints):
		return http.StatusBadRequest, ocpi.StatusNoMatchingEndpoints
	case errors.Is(err, ocpi.ErrProtocol):
		return http.StatusBadRequest, ocpi.StatusInvalidParameters
	case errors.Is(err, ocpi.ErrPartnerUnreachable):
		return http.StatusBadGateway, ocpi.StatusUnableToUseClientAPI
	}
	return http.StatusInternalServerError, ocpi.StatusServerError
}

func failureMessage(r *http.Request, status int, err error) string {
	if status < http.StatusInternalServerError {
		return err.Error()
	}
	if status == http.StatusBadGateway {
		return err.Error()
	}
	obs.Error("request failed", err, map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
	})
	return "internal error"
}

// writeOCPI answers with a success envelope.
func (a *API) writeOCPI(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, ocpi.Success(data, a.now()))
}

// ocpiError answers with a failure envelope.
func (a *API) ocpiError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	writeJSON(w, status, ocpi.Failure(code, failureMessage(r, status, err), a.now()))
}

func (a *API) ocpiMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed,
		ocpi.Failure(ocpi.StatusClientError, fmt.Sprintf("method %s not allowed", r.Method), a.now()))
}

func (a *API) ocpiOptions(w http.ResponseWriter, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	a.writeOCPI(w, http.StatusOK, nil)
}

// adminError answers admin routes with the plain error body.
func adminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrBadPassword) || errors.Is(err, auth.ErrInvalidToken) {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	status, _ := classify(err)
	writeError(w, r, status, failureMessage(r, status, err))
}

// readBody returns the request body; an empty body is a protocol error.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("%w: request body is required", ocpi.ErrProtocol)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: request body is required", ocpi.ErrProtocol)
	}
	return body, nil
}

// decodeJSON reads exactly one JSON value with no unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body is required", ocpi.ErrProtocol)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is required", ocpi.ErrProtocol)
		}
		return fmt.Errorf("%w: %v", ocpi.ErrProtocol, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", ocpi.ErrProtocol)
	}
	return nil
}
