package syncer

import (
	"errors"
	"testing"
)

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{
		"event_kind": "customer.updated",
		"entity_type": "customer",
		"entity_id": 12,
		"provider": "stripe",
		"provenance": "internal",
		"payload": {"name": "Ada", "email": "ada@example.com"}
	}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.EventKind != EventUpdated || env.EntityID != 12 || env.Provider != "stripe" {
		t.Fatalf("decoded envelope = %+v", env)
	}
	if env.Payload.Name == nil || *env.Payload.Name != "Ada" {
		t.Fatalf("payload name = %v", env.Payload.Name)
	}
}

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{
		"event_kind": "customer.archived",
		"entity_type": "customer",
		"provider": "stripe",
		"provenance": "internal"
	}`)
	_, err := DecodeEnvelope(raw)
	if !errors.Is(err, ErrValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsMissingProvider(t *testing.T) {
	raw := []byte(`{
		"event_kind": "customer.created",
		"entity_type": "customer",
		"provenance": "internal"
	}`)
	if _, err := DecodeEnvelope(raw); !errors.Is(err, ErrValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"event_kind":`)); !errors.Is(err, ErrValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPartitionKey(t *testing.T) {
	internal := Envelope{
		EventKind:  EventCreated,
		EntityType: EntityTypeCustomer,
		EntityID:   42,
		Provider:   "stripe",
		Provenance: ProvenanceInternal,
	}
	if got := internal.PartitionKey(); got != "customer:42" {
		t.Fatalf("internal partition key = %q", got)
	}

	external := Envelope{
		EventKind:  EventDeleted,
		EntityType: EntityTypeCustomer,
		ExternalID: "cus_abc",
		Provider:   "stripe",
		Provenance: ProvenanceExternal,
	}
	if got := external.PartitionKey(); got != "stripe:cus_abc" {
		t.Fatalf("external partition key = %q", got)
	}
}
