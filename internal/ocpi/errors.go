package ocpi

import (
	"errors"
	"fmt"
	"net/http"
)

// Status codes carried in the response envelope.
const (
	StatusSuccess              = 1000
	StatusClientError          = 2000
	StatusInvalidParameters    = 2001
	StatusNotEnoughInformation = 2002
	StatusUnknownObject        = 2003
	StatusServerError          = 3000
	StatusUnableToUseClientAPI = 3001
	StatusUnsupportedVersion   = 3002
	StatusNoMatchingEndpoints  = 3003
)

var (
	// ErrProtocol marks a malformed request or body. Nothing was mutated.
	ErrProtocol = errors.New("invalid request")
	// ErrAuth marks a missing, unknown, blocked or out-of-scope token.
	ErrAuth = errors.New("credentials invalid")
	// ErrMissingToken is the ErrAuth variant for requests without a token.
	ErrMissingToken = fmt.Errorf("%w: missing token", ErrAuth)
	// ErrStaleWrite marks a write whose last_updated is not newer than the stored one.
	ErrStaleWrite = errors.New("stale write")
	ErrNotFound   = errors.New("not found")
	// ErrCredentials marks a registration conflict: already/not registered or
	// a role claimed by another partner.
	ErrCredentials = errors.New("credentials conflict")
	// ErrRoleConflict is the ErrCredentials variant for a role owned by another partner.
	ErrRoleConflict = fmt.Errorf("%w: role registered by another partner", ErrCredentials)
	// ErrPartnerUnreachable marks a network failure talking to a partner.
	ErrPartnerUnreachable  = errors.New("partner unreachable")
	ErrUnsupportedVersion  = errors.New("no mutually supported version")
	ErrNoMatchingEndpoints = errors.New("no matching endpoints")
)

// StatusError is a non-success answer received from a partner.
type StatusError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("partner answered http %d, status %d", e.HTTPStatus, e.Code)
	}
	return fmt.Sprintf("partner answered http %d, status %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Is maps well-known answers back onto the local taxonomy so callers can
// use errors.Is uniformly for local and remote failures.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrStaleWrite:
		return e.HTTPStatus == http.StatusConflict
	case ErrNotFound:
		return e.HTTPStatus == http.StatusNotFound || e.Code == StatusUnknownObject
	case ErrAuth:
		return e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden
	case ErrProtocol:
		return e.HTTPStatus == http.StatusBadRequest || e.Code == StatusInvalidParameters
	case ErrCredentials:
		return e.HTTPStatus == http.StatusMethodNotAllowed
	}
	return false
}
