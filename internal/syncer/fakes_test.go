package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncwell/customer-sync/internal/storage"
)

// fakeStore is an in-memory storage.Store with snapshot-based rollback so a
// failed transaction leaves no partial writes behind.
type fakeStore struct {
	mu             sync.Mutex
	customers      map[int64]storage.Customer
	mappings       map[int64]storage.Mapping
	ledger         map[int64]*storage.LedgerEntry
	nextCustomerID int64
	nextMappingID  int64
	nextLedgerID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers: make(map[int64]storage.Customer),
		mappings:  make(map[int64]storage.Mapping),
		ledger:    make(map[int64]*storage.LedgerEntry),
	}
}

func (s *fakeStore) snapshot() (map[int64]storage.Customer, map[int64]storage.Mapping, map[int64]storage.LedgerEntry) {
	customers := make(map[int64]storage.Customer, len(s.customers))
	for id, c := range s.customers {
		customers[id] = c
	}
	mappings := make(map[int64]storage.Mapping, len(s.mappings))
	for id, m := range s.mappings {
		mappings[id] = m
	}
	ledger := make(map[int64]storage.LedgerEntry, len(s.ledger))
	for id, e := range s.ledger {
		ledger[id] = *e
	}
	return customers, mappings, ledger
}

func (s *fakeStore) InTx(ctx context.Context, fn func(q storage.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers, mappings, ledger := s.snapshot()
	if err := fn(&fakeQueries{store: s}); err != nil {
		s.customers = customers
		s.mappings = mappings
		s.ledger = make(map[int64]*storage.LedgerEntry, len(ledger))
		for id := range ledger {
			entry := ledger[id]
			s.ledger[id] = &entry
		}
		return err
	}
	return nil
}

func (s *fakeStore) BeginLedger(ctx context.Context, entry storage.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLedgerID++
	entry.ID = s.nextLedgerID
	entry.Status = storage.StatusPending
	entry.CreatedAt = time.Now()
	s.ledger[entry.ID] = &entry
	return entry.ID, nil
}

func (s *fakeStore) FinishLedger(ctx context.Context, ledgerID int64, outcome storage.LedgerOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&fakeQueries{store: s}).FinishLedger(ctx, ledgerID, outcome)
}

func (s *fakeStore) addCustomer(name, email string) storage.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&fakeQueries{store: s}).createCustomerLocked(name, email)
}

func (s *fakeStore) addMapping(customerID int64, provider, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMappingID++
	s.mappings[s.nextMappingID] = storage.Mapping{
		ID:         s.nextMappingID,
		CustomerID: customerID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now(),
	}
}

func (s *fakeStore) mappingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

func (s *fakeStore) customerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.customers)
}

func (s *fakeStore) ledgerEntries() []storage.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]storage.LedgerEntry, 0, len(s.ledger))
	for id := int64(1); id <= s.nextLedgerID; id++ {
		if entry, ok := s.ledger[id]; ok {
			entries = append(entries, *entry)
		}
	}
	return entries
}

func (s *fakeStore) lastLedger() storage.LedgerEntry {
	entries := s.ledgerEntries()
	if len(entries) == 0 {
		return storage.LedgerEntry{}
	}
	return entries[len(entries)-1]
}

// fakeQueries assumes the store mutex is already held by InTx.
type fakeQueries struct {
	store *fakeStore
}

func (q *fakeQueries) CustomerByID(ctx context.Context, id int64) (storage.Customer, error) {
	if customer, ok := q.store.customers[id]; ok {
		return customer, nil
	}
	return storage.Customer{}, storage.ErrNotFound
}

func (q *fakeQueries) CustomerByEmail(ctx context.Context, email string) (storage.Customer, error) {
	for _, customer := range q.store.customers {
		if customer.Email == email {
			return customer, nil
		}
	}
	return storage.Customer{}, storage.ErrNotFound
}

func (q *fakeQueries) createCustomerLocked(name, email string) storage.Customer {
	q.store.nextCustomerID++
	customer := storage.Customer{
		ID:        q.store.nextCustomerID,
		Name:      name,
		Email:     email,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	q.store.customers[customer.ID] = customer
	return customer
}

func (q *fakeQueries) CreateCustomer(ctx context.Context, name, email string) (storage.Customer, error) {
	if name == "" || email == "" {
		return storage.Customer{}, storage.ErrInvalidInput
	}
	if _, err := q.CustomerByEmail(ctx, email); err == nil {
		return storage.Customer{}, storage.ErrAlreadyExists
	}
	return q.createCustomerLocked(name, email), nil
}

func (q *fakeQueries) UpdateCustomer(ctx context.Context, id int64, name, email *string) (storage.Customer, error) {
	customer, ok := q.store.customers[id]
	if !ok {
		return storage.Customer{}, storage.ErrNotFound
	}
	if name != nil {
		customer.Name = *name
	}
	if email != nil {
		if existing, err := q.CustomerByEmail(ctx, *email); err == nil && existing.ID != id {
			return storage.Customer{}, storage.ErrAlreadyExists
		}
		customer.Email = *email
	}
	customer.UpdatedAt = time.Now()
	q.store.customers[id] = customer
	return customer, nil
}

func (q *fakeQueries) DeleteCustomer(ctx context.Context, id int64) error {
	if _, ok := q.store.customers[id]; !ok {
		return storage.ErrNotFound
	}
	delete(q.store.customers, id)
	return nil
}

func (q *fakeQueries) MappingByCustomer(ctx context.Context, customerID int64, provider string) (storage.Mapping, error) {
	for _, mapping := range q.store.mappings {
		if mapping.CustomerID == customerID && mapping.Provider == provider {
			return mapping, nil
		}
	}
	return storage.Mapping{}, storage.ErrNotFound
}

func (q *fakeQueries) MappingByExternal(ctx context.Context, provider, externalID string) (storage.Mapping, error) {
	for _, mapping := range q.store.mappings {
		if mapping.Provider == provider && mapping.ExternalID == externalID {
			return mapping, nil
		}
	}
	return storage.Mapping{}, storage.ErrNotFound
}

func (q *fakeQueries) InsertMapping(ctx context.Context, customerID int64, provider, externalID string) (storage.Mapping, error) {
	if _, err := q.MappingByExternal(ctx, provider, externalID); err == nil {
		return storage.Mapping{}, storage.ErrAlreadyExists
	}
	if _, err := q.MappingByCustomer(ctx, customerID, provider); err == nil {
		return storage.Mapping{}, storage.ErrAlreadyExists
	}
	q.store.nextMappingID++
	mapping := storage.Mapping{
		ID:         q.store.nextMappingID,
		CustomerID: customerID,
		Provider:   provider,
		ExternalID: externalID,
		CreatedAt:  time.Now(),
	}
	q.store.mappings[mapping.ID] = mapping
	return mapping, nil
}

func (q *fakeQueries) DeleteMapping(ctx context.Context, customerID int64, provider string) error {
	for id, mapping := range q.store.mappings {
		if mapping.CustomerID == customerID && mapping.Provider == provider {
			delete(q.store.mappings, id)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (q *fakeQueries) DeleteMappingsForCustomer(ctx context.Context, customerID int64) error {
	for id, mapping := range q.store.mappings {
		if mapping.CustomerID == customerID {
			delete(q.store.mappings, id)
		}
	}
	return nil
}

func (q *fakeQueries) FinishLedger(ctx context.Context, ledgerID int64, outcome storage.LedgerOutcome) error {
	entry, ok := q.store.ledger[ledgerID]
	if !ok || entry.Status != storage.StatusPending {
		return storage.ErrNotFound
	}
	entry.Status = outcome.Status
	if outcome.EntityID != nil {
		entry.EntityID = outcome.EntityID
	}
	entry.ErrorMessage = outcome.ErrorMessage
	if outcome.Status == storage.StatusFailed {
		entry.RetryCount++
	}
	now := time.Now()
	entry.ProcessedAt = &now
	return nil
}

// fakeAdapter scripts provider behavior per call.
type fakeAdapter struct {
	mu         sync.Mutex
	provider   string
	createErr  error
	updateErr  error
	deleteErr  error
	externalID string
	creates    int
	updates    int
	deletes    int
	deletedIDs []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{provider: "stripe", externalID: "ext_1"}
}

func (a *fakeAdapter) Provider() string {
	if a.provider == "" {
		return "stripe"
	}
	return a.provider
}

func (a *fakeAdapter) CreateCustomer(ctx context.Context, customer storage.Customer) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	if a.createErr != nil {
		return "", a.createErr
	}
	if a.externalID == "" {
		return fmt.Sprintf("ext_%d", customer.ID), nil
	}
	return a.externalID, nil
}

func (a *fakeAdapter) UpdateCustomer(ctx context.Context, externalID string, customer storage.Customer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates++
	return a.updateErr
}

func (a *fakeAdapter) DeleteCustomer(ctx context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes++
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deletedIDs = append(a.deletedIDs, externalID)
	return nil
}

func (a *fakeAdapter) GetCustomer(ctx context.Context, externalID string) (*ExternalCustomer, error) {
	return nil, nil
}

func (a *fakeAdapter) ListCustomers(ctx context.Context, limit, offset int) ([]ExternalCustomer, error) {
	return nil, nil
}

func (a *fakeAdapter) ValidateSignature(payload []byte, signatureHeader string) bool {
	return true
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []publishedMessage
}

type publishedMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}
