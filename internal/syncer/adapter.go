package syncer

import (
	"context"
	"time"

	"github.com/syncwell/customer-sync/internal/storage"
)

// ExternalCustomer is the provider-side view of a customer after the
// adapter's field mapping has been applied.
type ExternalCustomer struct {
	ExternalID string
	Name       string
	Email      string
	CreatedAt  time.Time
}

// ProviderAdapter is the capability set every external provider integration
// implements. Field mapping between internal and external shapes is the only
// provider-specific piece; all errors leave the adapter already classified
// into the taxonomy in errors.go.
//
// DeleteCustomer is idempotent: a provider-side not-found is success, never
// failure.
type ProviderAdapter interface {
	Provider() string
	CreateCustomer(ctx context.Context, customer storage.Customer) (string, error)
	UpdateCustomer(ctx context.Context, externalID string, customer storage.Customer) error
	DeleteCustomer(ctx context.Context, externalID string) error
	GetCustomer(ctx context.Context, externalID string) (*ExternalCustomer, error)
	ListCustomers(ctx context.Context, limit, offset int) ([]ExternalCustomer, error)
	ValidateSignature(payload []byte, signatureHeader string) bool
}
