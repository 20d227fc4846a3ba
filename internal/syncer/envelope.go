package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventKind is the closed set of change kinds carried on the bus.
type EventKind string

const (
	EventCreated EventKind = "customer.created"
	EventUpdated EventKind = "customer.updated"
	EventDeleted EventKind = "customer.deleted"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

const (
	ProvenanceInternal = "internal"
	ProvenanceExternal = "external"

	EntityTypeCustomer = "customer"
)

// Snapshot is the customer field set carried inside an envelope. Inbound
// envelopes may carry a partial set; absent fields stay nil.
type Snapshot struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Envelope is the canonical bus message for both sync topics. Outbound
// messages are keyed by EntityID, inbound messages by provider and
// ExternalID.
type Envelope struct {
	EventKind    EventKind `json:"event_kind"`
	EntityType   string    `json:"entity_type"`
	EntityID     int64     `json:"entity_id,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Provider     string    `json:"provider"`
	Provenance   string    `json:"provenance"`
	SkipOutbound bool      `json:"skip_outbound,omitempty"`
	Payload      Snapshot  `json:"payload"`
}

// PartitionKey groups all events for one entity onto one bus partition so
// they are consumed in order.
func (e Envelope) PartitionKey() string {
	if e.Provenance == ProvenanceExternal {
		return e.Provider + ":" + e.ExternalID
	}
	return fmt.Sprintf("%s:%d", e.EntityType, e.EntityID)
}

const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_kind", "entity_type", "provider", "provenance"],
	"properties": {
		"event_kind": {
			"type": "string",
			"enum": ["customer.created", "customer.updated", "customer.deleted"]
		},
		"entity_type": {"type": "string", "enum": ["customer"]},
		"entity_id": {"type": "integer", "minimum": 1},
		"external_id": {"type": "string"},
		"provider": {"type": "string", "minLength": 1},
		"provenance": {"type": "string", "enum": ["internal", "external"]},
		"skip_outbound": {"type": "boolean"},
		"payload": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"email": {"type": "string"}
			}
		}
	}
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	return schema
}

// DecodeEnvelope validates raw bus bytes against the envelope schema and
// decodes them. Any failure is a ValidationError: the message can never
// become processable, so callers must not re-raise it for redelivery.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, WrapError(KindValidationError, "", err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return Envelope{}, WrapError(KindValidationError, "", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, WrapError(KindValidationError, "", err)
	}
	return env, nil
}
