package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/syncwell/customer-sync/internal/bus"
	"github.com/syncwell/customer-sync/internal/storage"
)

func TestDispatcherPublishesInternalEnvelope(t *testing.T) {
	publisher := &fakePublisher{}
	dispatcher := NewDispatcher(publisher, "stripe", nil)

	customer := storage.Customer{ID: 5, Name: "Ada", Email: "ada@example.com"}
	dispatcher.CustomerCreated(context.Background(), customer)
	dispatcher.CustomerUpdated(context.Background(), customer)
	dispatcher.CustomerDeleted(context.Background(), customer)

	messages := publisher.published()
	if len(messages) != 3 {
		t.Fatalf("published %d messages, want 3", len(messages))
	}
	wantKinds := []EventKind{EventCreated, EventUpdated, EventDeleted}
	for i, message := range messages {
		if message.Topic != bus.TopicOutbound {
			t.Fatalf("message %d topic = %q", i, message.Topic)
		}
		if message.Key != "customer:5" {
			t.Fatalf("message %d key = %q", i, message.Key)
		}
		var env Envelope
		if err := json.Unmarshal(message.Value, &env); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if env.EventKind != wantKinds[i] {
			t.Fatalf("message %d kind = %q, want %q", i, env.EventKind, wantKinds[i])
		}
		if env.Provenance != ProvenanceInternal || env.SkipOutbound {
			t.Fatalf("message %d carries external provenance: %+v", i, env)
		}
		if env.Payload.Email == nil || *env.Payload.Email != "ada@example.com" {
			t.Fatalf("message %d payload = %+v", i, env.Payload)
		}
	}
}

func TestDispatcherSwallowsPublishFailure(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("broker unavailable")}
	dispatcher := NewDispatcher(publisher, "stripe", nil)

	// Must not panic or propagate: the internal write already committed.
	dispatcher.CustomerCreated(context.Background(), storage.Customer{ID: 1, Name: "Ada", Email: "ada@example.com"})
	if len(publisher.published()) != 0 {
		t.Fatal("no message should have been recorded")
	}
}
