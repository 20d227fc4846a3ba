package syncer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/storage"
)

type inboundHandler func(ctx context.Context, env Envelope, ledgerID int64) error

// InboundWorker applies provider-originated customer events to the internal
// system of record. Every mutation it makes carries external provenance by
// construction: this worker never publishes to the outbound topic, so a
// provider-sourced change is never echoed back toward that provider.
type InboundWorker struct {
	store    storage.Store
	adapter  ProviderAdapter
	log      *logrus.Entry
	handlers map[EventKind]inboundHandler
}

func NewInboundWorker(store storage.Store, adapter ProviderAdapter, log *logrus.Entry) *InboundWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &InboundWorker{
		store:   store,
		adapter: adapter,
		log:     log.WithField("worker", "inbound-sync"),
	}
	w.handlers = map[EventKind]inboundHandler{
		EventCreated: w.handleCreated,
		EventUpdated: w.handleUpdated,
		EventDeleted: w.handleDeleted,
	}
	return w
}

func (w *InboundWorker) HandleMessage(ctx context.Context, key string, value []byte) error {
	env, err := DecodeEnvelope(value)
	if err != nil {
		return ledgerInvalid(ctx, w.store, w.adapter.Provider(), w.log, value, err)
	}

	ledgerID, err := w.store.BeginLedger(ctx, storage.LedgerEntry{
		EventID:    uuid.New(),
		EventKind:  string(env.EventKind),
		EntityType: env.EntityType,
		Provider:   env.Provider,
		Payload:    value,
	})
	if err != nil {
		return err
	}

	if env.ExternalID == "" {
		return w.finishFailed(ctx, env, ledgerID,
			NewError(KindValidationError, env.Provider, "missing external id"))
	}

	handler := w.handlers[env.EventKind]
	if err := handler(ctx, env, ledgerID); err != nil {
		return w.finishFailed(ctx, env, ledgerID, err)
	}
	return nil
}

func (w *InboundWorker) handleCreated(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		if mapping, err := q.MappingByExternal(ctx, env.Provider, env.ExternalID); err == nil {
			// Webhook redelivery, or the provider confirming a customer our
			// own outbound create just pushed.
			return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
				Status:   storage.StatusSkipped,
				EntityID: &mapping.CustomerID,
			})
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		name := valueOr(env.Payload.Name, "")
		email := valueOr(env.Payload.Email, "")
		customer, err := q.CreateCustomer(ctx, name, email)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return WrapError(KindAlreadyExists, env.Provider, err)
			}
			if errors.Is(err, storage.ErrInvalidInput) {
				return NewError(KindValidationError, env.Provider, "payload missing name or email")
			}
			return err
		}
		if _, err := q.InsertMapping(ctx, customer.ID, env.Provider, env.ExternalID); err != nil {
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
			Status:   storage.StatusCompleted,
			EntityID: &customer.ID,
		})
	})
}

// handleUpdated applies only the fields present in the payload; absent
// fields keep their current value.
func (w *InboundWorker) handleUpdated(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		mapping, err := q.MappingByExternal(ctx, env.Provider, env.ExternalID)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindValidationError, env.Provider, "no mapping for external id")
		}
		if err != nil {
			return err
		}

		customer, err := q.UpdateCustomer(ctx, mapping.CustomerID, env.Payload.Name, env.Payload.Email)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindValidationError, env.Provider, "customer no longer exists")
		}
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return WrapError(KindAlreadyExists, env.Provider, err)
			}
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
			Status:   storage.StatusCompleted,
			EntityID: &customer.ID,
		})
	})
}

// handleDeleted removes the internal customer and its mapping rows in one
// transaction. The provider-side delete is already confirmed (the provider
// told us about it), so the mapping is no longer a retry anchor here.
func (w *InboundWorker) handleDeleted(ctx context.Context, env Envelope, ledgerID int64) error {
	return w.store.InTx(ctx, func(q storage.Queries) error {
		mapping, err := q.MappingByExternal(ctx, env.Provider, env.ExternalID)
		if errors.Is(err, storage.ErrNotFound) {
			return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{Status: storage.StatusSkipped})
		}
		if err != nil {
			return err
		}

		if err := q.DeleteCustomer(ctx, mapping.CustomerID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := q.DeleteMappingsForCustomer(ctx, mapping.CustomerID); err != nil {
			return err
		}
		return q.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
			Status:   storage.StatusCompleted,
			EntityID: &mapping.CustomerID,
		})
	})
}

func (w *InboundWorker) finishFailed(ctx context.Context, env Envelope, ledgerID int64, cause error) error {
	kind := KindOf(cause)
	if err := w.store.FinishLedger(ctx, ledgerID, storage.LedgerOutcome{
		Status:       storage.StatusFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		w.log.WithError(err).WithField("ledger_id", ledgerID).Error("failed to record ledger outcome")
	}
	logEntry := w.log.WithError(cause).WithFields(logrus.Fields{
		"event_kind":  env.EventKind,
		"external_id": env.ExternalID,
		"error_kind":  kind,
	})
	if retryableKind(kind) {
		logEntry.Warn("inbound sync failed, re-raising for redelivery")
		return cause
	}
	logEntry.Warn("inbound sync failed terminally")
	return nil
}

func valueOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}
