package syncer

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/bus"
	"github.com/syncwell/customer-sync/internal/storage"
)

// Dispatcher publishes a canonical change envelope after every committed
// internal mutation. Publish failures are logged and swallowed: the internal
// write is never rolled back because the bus was unavailable. That trade-off
// buys write availability at the cost of guaranteed eventual delivery and is
// the documented monitoring gap of this service.
type Dispatcher struct {
	publisher bus.Publisher
	provider  string
	log       *logrus.Entry
}

func NewDispatcher(publisher bus.Publisher, provider string, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{publisher: publisher, provider: provider, log: log}
}

func (d *Dispatcher) CustomerCreated(ctx context.Context, customer storage.Customer) {
	d.publish(ctx, EventCreated, customer)
}

func (d *Dispatcher) CustomerUpdated(ctx context.Context, customer storage.Customer) {
	d.publish(ctx, EventUpdated, customer)
}

// CustomerDeleted takes the pre-delete snapshot; the row is already gone.
func (d *Dispatcher) CustomerDeleted(ctx context.Context, snapshot storage.Customer) {
	d.publish(ctx, EventDeleted, snapshot)
}

func (d *Dispatcher) publish(ctx context.Context, kind EventKind, customer storage.Customer) {
	env := Envelope{
		EventKind:  kind,
		EntityType: EntityTypeCustomer,
		EntityID:   customer.ID,
		Provider:   d.provider,
		Provenance: ProvenanceInternal,
		Payload: Snapshot{
			Name:  &customer.Name,
			Email: &customer.Email,
		},
	}
	value, err := json.Marshal(env)
	if err != nil {
		d.log.WithError(err).Error("failed to encode outbound envelope")
		return
	}
	if err := d.publisher.Publish(ctx, bus.TopicOutbound, env.PartitionKey(), value); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"event_kind": kind,
			"entity_id":  customer.ID,
		}).Warn("outbound publish failed; change will not reach the provider")
		return
	}
	d.log.WithFields(logrus.Fields{
		"event_kind": kind,
		"entity_id":  customer.ID,
	}).Debug("outbound event published")
}
