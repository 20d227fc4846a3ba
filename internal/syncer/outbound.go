package syncer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/storage"
)

// retryableKind reports whether a failed message should be re-raised so the
// bus redelivers it. NotFound, AlreadyExists and ValidationError outcomes are
// logically final: redelivery would hit the identical condition again.
func retryableKind(kind ErrorKind) bool {
	switch kind {
	case KindRateLimited, KindAuthFailed, KindTransient:
		return true
	default:
		return false
	}
}

type outboundHandler func(ctx context.Context, env Envelope, ledgerID int64) error

// OutboundWorker propagates internal customer changes to one provider. It is
// the sole consumer of the outbound topic for that provider and processes
// messages strictly one at a time.
type OutboundWorker struct {
	store    storage.Store
	adapter  ProviderAdapter
	log      *logrus.Entry
	handlers map[EventKind]outboundHandler
}

func NewOutboundWorker(store storage.Store, adapter ProviderAdapter, log *logrus.Entry) *OutboundWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &OutboundWorker{
		store:   store,
		adapter: adapter,
		log:     log.WithField("worker", "outbound-sync"),
	}
	w.handlers = map[EventKind]outboundHandler{
		EventCreated: w.handleCreated,
		EventUpdated: w.handleUpdated,
		EventDeleted: w.handleDeleted,
	}
	return w
}

// HandleMessage is the bus handler. Every decoded message ends with exactly
// one terminal ledger row; the returned error, when non-nil, tells the bus
// layer to redeliver.
func (w *OutboundWorker) HandleMessage(ctx context.Context, key string, value []byte) error {
	env, err := DecodeEnvelope(value)
	if err != nil {
		return w.ledgerInvalid(ctx, value, err)
	}

	ledgerID, err := w.store.BeginLedger(ctx, storage.LedgerEntry{
		EventID:    uuid.New(),
		EventKind:  string(env.EventKind),
		EntityType: env.EntityType,
		EntityID:   entityIDPtr(env.EntityID),
		Provider:   w.adapter.Provider(),
		Payload:    value,
	})
	if err != nil {
		return err
	}

	// Loop suppression: provider-originated changes must never be echoed
	// back toward the provider that produced them.
	if env.SkipOutbound || env.Provenance == ProvenanceExternal {
		w.log.WithField("entity_id", env.EntityID).Debug("suppressing provider-originated event")
		return w.store.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusSkipped})
	}

	handler := w.handlers[env.EventKind]
	if err := handler(ctx, env, ledgerID); err != nil {
		return w.finishFailed(ctx, env, ledgerID, err)
	}
	return nil
}

func (w *OutboundWorker) handleCreated(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		if _, err := q.MappingByCustomer(ctx, env.EntityID, w.adapter.Provider()); err == nil {
			// Duplicate delivery or redundant create.
			return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusSkipped})
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		customer, err := q.CustomerByID(ctx, env.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindValidationError, "", "customer no longer exists")
		}
		if err != nil {
			return err
		}

		externalID, err := w.adapter.CreateCustomer(ctx, customer)
		if err != nil {
			return err
		}
		if _, err := q.InsertMapping(ctx, env.EntityID, w.adapter.Provider(), externalID); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusSkipped})
			}
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusCompleted})
	})
}

func (w *OutboundWorker) handleUpdated(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		mapping, err := q.MappingByCustomer(ctx, env.EntityID, w.adapter.Provider())
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindValidationError, "", "no mapping for customer")
		}
		if err != nil {
			return err
		}

		customer, err := q.CustomerByID(ctx, env.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindValidationError, "", "customer no longer exists")
		}
		if err != nil {
			return err
		}

		if err := w.adapter.UpdateCustomer(ctx, mapping.ExternalID, customer); err != nil {
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusCompleted})
	})
}

func (w *OutboundWorker) handleDeleted(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		mapping, err := q.MappingByCustomer(ctx, env.EntityID, w.adapter.Provider())
		if errors.Is(err, storage.ErrNotFound) {
			// Never synced, or a redelivery after the mapping was removed.
			return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusSkipped})
		}
		if err != nil {
			return err
		}

		// Provider delete comes first: the mapping row is the retry anchor,
		// so it must survive a transient failure for the redelivered message
		// to retry against the same external id.
		if err := w.adapter.DeleteCustomer(ctx, mapping.ExternalID); err != nil {
			return err
		}
		if err := q.DeleteMapping(ctx, env.EntityID, w.adapter.Provider()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusCompleted})
	})
}

func (w *OutboundWorker) finishFailed(ctx context.Context, env Envelope, ledgerID int64, cause error) error {
	kind := KindOf(cause)
	if err := w.store.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
		Status:       storage.StatusFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		w.log.WithError(err).WithField("ledger_id", ledgerID).Error("failed to record ledger outcome")
	}
	logEntry := w.log.WithError(cause).WithFields(logrus.Fields{
		"event_kind": env.EventKind,
		"entity_id":  env.EntityID,
		"error_kind": kind,
	})
	if retryableKind(kind) {
		logEntry.Warn("sync failed, re-raising for redelivery")
		return cause
	}
	logEntry.Warn("sync failed terminally")
	return nil
}

// ledgerInvalid records a message that failed schema validation. Such a
// message can never become processable, so it is not re-raised.
func (w *OutboundWorker) ledgerInvalid(ctx context.Context, value []byte, cause error) error {
	return ledgerInvalid(ctx, w.store, w.adapter.Provider(), w.log, value, cause)
}

func ledgerInvalid(ctx context.Context, store storage.Store, provider string, log *logrus.Entry, value []byte, cause error) error {
	kind := "unknown"
	var probe struct {
		EventKind string `json:"event_kind"`
	}
	if json.Unmarshal(value, &probe) == nil && probe.EventKind != "" {
		kind = probe.EventKind
	}
	ledgerID, err := store.BeginLedger(ctx, storage.LedgerEntry{
		EventID:    uuid.New(),
		EventKind:  kind,
		EntityType: EntityTypeCustomer,
		Provider:   provider,
		Payload:    value,
	})
	if err != nil {
		return err
	}
	log.WithError(cause).Warn("dropping invalid envelope")
	return store.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
		Status:       storage.StatusFailed,
		ErrorMessage: cause.Error(),
	})
}

func entityIDPtr(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
