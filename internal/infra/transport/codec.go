package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// ErrInvalidEnvelope is returned for payloads that do not match EnvelopeSchema.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// EnvelopeSchema is the JSON schema every wire envelope must satisfy.
const EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "headers", "body"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "headers": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "body": { "type": ["string", "null"] }
  }
}`

// Codec converts messages to and from their wire envelope.
type Codec struct {
	schema *gojsonschema.Schema
}

// NewCodec compiles the envelope schema.
func NewCodec() (*Codec, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(EnvelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid envelope schema: %w", err)
	}
	return &Codec{schema: schema}, nil
}

// Encode serializes msg. The body is carried base64 encoded.
func (c *Codec) Encode(msg *domain.TransportMessage) ([]byte, error) {
	env := *msg
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode validates data against the envelope schema and deserializes it.
func (c *Codec) Decode(data []byte) (*domain.TransportMessage, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(data))
	if validationErr := formatSchemaError(result, err); validationErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, validationErr)
	}

	var msg domain.TransportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	return &msg, nil
}

// formatSchemaError flattens gojsonschema validation results into one error.
func formatSchemaError(result *gojsonschema.Result, err error) error {
	if err != nil {
		return fmt.Errorf("schema validation system error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
