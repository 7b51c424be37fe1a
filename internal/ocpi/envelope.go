package ocpi

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Response is the envelope wrapping every answer.
type Response struct {
	Data          any       `json:"data,omitempty"`
	StatusCode    int       `json:"status_code"`
	StatusMessage string    `json:"status_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RawResponse is the decoding side of Response.
type RawResponse struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Success wraps data in a 1000 envelope.
func Success(data any, now time.Time) Response {
	return Response{Data: data, StatusCode: StatusSuccess, Timestamp: now.UTC()}
}

// Failure builds an error envelope.
func Failure(code int, msg string, now time.Time) Response {
	return Response{StatusCode: code, StatusMessage: msg, Timestamp: now.UTC()}
}

const tokenScheme = "Token"

// AuthorizationHeader renders the header value for an outbound request.
func AuthorizationHeader(token string) string {
	return tokenScheme + " " + base64.StdEncoding.EncodeToString([]byte(token))
}

// ParseAuthorization extracts the access token from an Authorization header.
// 2.2.1 peers send the token base64 encoded, older peers send it verbatim;
// a value is decoded only when the result is printable.
func ParseAuthorization(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	if len(header) <= len(tokenScheme) || !strings.EqualFold(header[:len(tokenScheme)], tokenScheme) || header[len(tokenScheme)] != ' ' {
		return "", ErrMissingToken
	}
	raw := strings.TrimSpace(header[len(tokenScheme):])
	if raw == "" {
		return "", ErrMissingToken
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && printable(decoded) {
		return string(decoded), nil
	}
	return raw, nil
}

func printable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
