// Package storage persists customers, their external identity mappings, and
// the append-only sync ledger in Postgres. The mapping table carries the two
// uniqueness constraints that make the whole sync path idempotent: one
// mapping per (provider, external id) and one per (customer, provider).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Mapping struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ledger statuses. pending transitions exactly once to one of the terminal
// three; rows are never mutated after that.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

type LedgerEntry struct {
	ID           int64      `json:"id"`
	EventID      uuid.UUID  `json:"event_id"`
	EventKind    string     `json:"event_kind"`
	EntityType   string     `json:"entity_type"`
	EntityID     *int64     `json:"entity_id,omitempty"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	Payload      []byte     `json:"payload,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// LedgerOutcome is the single pending→terminal transition applied to a
// ledger row once its message has been fully handled.
type LedgerOutcome struct {
	Status       string
	EntityID     *int64
	ErrorMessage string
}

// Queries is the per-transaction operation set. Every sync message is
// handled inside exactly one transaction obtained through Store.InTx.
type Queries interface {
	CustomerByID(ctx context.Context, id int64) (Customer, error)
	CustomerByEmail(ctx context.Context, email string) (Customer, error)
	CreateCustomer(ctx context.Context, name, email string) (Customer, error)
	UpdateCustomer(ctx context.Context, id int64, name, email *string) (Customer, error)
	DeleteCustomer(ctx context.Context, id int64) error

	MappingByCustomer(ctx context.Context, customerID int64, provider string) (Mapping, error)
	MappingByExternal(ctx context.Context, provider, externalID string) (Mapping, error)
	InsertMapping(ctx context.Context, customerID int64, provider, externalID string) (Mapping, error)
	DeleteMapping(ctx context.Context, customerID int64, provider string) error
	DeleteMappingsForCustomer(ctx context.Context, customerID int64) error

	FinishLedger(ctx context.Context, ledgerID int64, outcome LedgerOutcome) error
}

// Store is the transactional facade the workers and the HTTP layer run on.
// BeginLedger and FinishLedger exist at this level too because the pending
// ledger row must survive a rolled-back domain transaction.
type Store interface {
	InTx(ctx context.Context, fn func(q Queries) error) error
	BeginLedger(ctx context.Context, entry LedgerEntry) (int64, error)
	FinishLedger(ctx context.Context, ledgerID int64, outcome LedgerOutcome) error
}
