package ocpi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const credentialsSchema = `{
  "type": "object",
  "required": ["token", "url", "roles"],
  "properties": {
    "token": {"type": "string", "minLength": 1, "maxLength": 64},
    "url": {"type": "string", "minLength": 1},
    "roles": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "business_details", "party_id", "country_code"],
        "properties": {
          "role": {"enum": ["CPO", "EMSP", "HUB", "NAP", "NSP", "OTHER", "SCSP"]},
          "party_id": {"type": "string", "minLength": 3, "maxLength": 3},
          "country_code": {"type": "string", "minLength": 2, "maxLength": 2},
          "business_details": {
            "type": "object",
            "required": ["name"],
            "properties": {"name": {"type": "string", "minLength": 1}}
          }
        }
      }
    }
  }
}`

const commandRequestSchema = `{
  "type": "object",
  "required": ["response_url"],
  "properties": {
    "response_url": {"type": "string", "minLength": 1}
  }
}`

const commandResultSchema = `{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {"enum": ["ACCEPTED", "CANCELED_RESERVATION", "EVSE_OCCUPIED", "EVSE_INOPERATIVE",
      "FAILED", "NOT_SUPPORTED", "REJECTED", "TIMEOUT", "UNKNOWN_RESERVATION"]},
    "message": {"type": "string"}
  }
}`

var (
	credentialsValidator    = mustSchema(credentialsSchema)
	commandRequestValidator = mustSchema(commandRequestSchema)
	commandResultValidator  = mustSchema(commandResultSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("ocpi: compile schema: %v", err))
	}
	return s
}

// ValidateCredentials checks a credentials object body.
func ValidateCredentials(body []byte) error {
	return validate(credentialsValidator, body)
}

// ValidateCommandRequest checks that a command body carries a response_url.
func ValidateCommandRequest(body []byte) error {
	return validate(commandRequestValidator, body)
}

// ValidateCommandResult checks a command result posted to a callback URL.
func ValidateCommandResult(body []byte) error {
	return validate(commandResultValidator, body)
}

func validate(schema *gojsonschema.Schema, body []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrProtocol, strings.Join(msgs, "; "))
}
