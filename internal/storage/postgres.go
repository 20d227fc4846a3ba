package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

const operationTimeout = 5 * time.Second

// Postgres implements Store over database/sql with hand-written SQL.
type Postgres struct {
	db *sql.DB
}

func Open(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate bootstraps the schema. The two unique indexes on external_mappings
// are load-bearing: they enforce the bijection between a customer and its
// external counterpart.
func (p *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS external_mappings (
			id BIGSERIAL PRIMARY KEY,
			customer_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider, external_id),
			UNIQUE (customer_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_events (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			event_kind TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id BIGINT,
			provider TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			payload JSONB,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgQueries struct {
	q querier
}

func (p *Postgres) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(pgQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *Postgres) queries() pgQueries {
	return pgQueries{q: p.db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// customers

const customerColumns = "id, name, email, created_at, updated_at"

func scanCustomer(row *sql.Row) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

func (s pgQueries) CustomerByID(ctx context.Context, id int64) (Customer, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+customerColumns+" FROM customers WHERE id = $1", id)
	return scanCustomer(row)
}

func (s pgQueries) CustomerByEmail(ctx context.Context, email string) (Customer, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+customerColumns+" FROM customers WHERE email = $1", email)
	return scanCustomer(row)
}

func (s pgQueries) CreateCustomer(ctx context.Context, name, email string) (Customer, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(email) == "" {
		return Customer{}, ErrInvalidInput
	}
	row := s.q.QueryRowContext(ctx,
		"INSERT INTO customers (name, email) VALUES ($1, $2) RETURNING "+customerColumns,
		name, email)
	customer, err := scanCustomer(row)
	if err != nil && isUniqueViolation(err) {
		return Customer{}, ErrAlreadyExists
	}
	return customer, err
}

func (s pgQueries) UpdateCustomer(ctx context.Context, id int64, name, email *string) (Customer, error) {
	row := s.q.QueryRowContext(ctx, `
		UPDATE customers
		SET name = COALESCE($2, name),
		    email = COALESCE($3, email),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+customerColumns,
		id, name, email)
	customer, err := scanCustomer(row)
	if err != nil && isUniqueViolation(err) {
		return Customer{}, ErrAlreadyExists
	}
	return customer, err
}

func (s pgQueries) DeleteCustomer(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM customers WHERE id = $1", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgQueries) listCustomers(ctx context.Context, limit, offset int) ([]Customer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+customerColumns+" FROM customers ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]Customer, 0)
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// mappings

const mappingColumns = "id, customer_id, provider, external_id, created_at"

func scanMapping(row *sql.Row) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.CustomerID, &m.Provider, &m.ExternalID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (s pgQueries) MappingByCustomer(ctx context.Context, customerID int64, provider string) (Mapping, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM external_mappings WHERE customer_id = $1 AND provider = $2",
		customerID, provider)
	return scanMapping(row)
}

func (s pgQueries) MappingByExternal(ctx context.Context, provider, externalID string) (Mapping, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+mappingColumns+" FROM external_mappings WHERE provider = $1 AND external_id = $2",
		provider, externalID)
	return scanMapping(row)
}

func (s pgQueries) InsertMapping(ctx context.Context, customerID int64, provider, externalID string) (Mapping, error) {
	if customerID <= 0 || strings.TrimSpace(provider) == "" || strings.TrimSpace(externalID) == "" {
		return Mapping{}, ErrInvalidInput
	}
	row := s.q.QueryRowContext(ctx,
		"INSERT INTO external_mappings (customer_id, provider, external_id) VALUES ($1, $2, $3) RETURNING "+mappingColumns,
		customerID, provider, externalID)
	mapping, err := scanMapping(row)
	if err != nil && isUniqueViolation(err) {
		return Mapping{}, ErrAlreadyExists
	}
	return mapping, err
}

func (s pgQueries) DeleteMapping(ctx context.Context, customerID int64, provider string) error {
	result, err := s.q.ExecContext(ctx,
		"DELETE FROM external_mappings WHERE customer_id = $1 AND provider = $2",
		customerID, provider)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMappingsForCustomer is the explicit cascade used when a customer row
// is removed; the schema deliberately has no ON DELETE CASCADE.
func (s pgQueries) DeleteMappingsForCustomer(ctx context.Context, customerID int64) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM external_mappings WHERE customer_id = $1", customerID)
	return err
}

func (s pgQueries) mappingsForCustomer(ctx context.Context, customerID int64) ([]Mapping, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+mappingColumns+" FROM external_mappings WHERE customer_id = $1 ORDER BY provider",
		customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make([]Mapping, 0)
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.Provider, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ledger

const ledgerColumns = "id, event_id, event_kind, entity_type, entity_id, provider, status, payload, error_message, retry_count, created_at, processed_at"

// BeginLedger inserts the pending row in its own implicit transaction so it
// survives a rollback of the domain work it audits.
func (p *Postgres) BeginLedger(ctx context.Context, entry LedgerEntry) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO sync_events (event_id, event_kind, entity_type, entity_id, provider, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.EventID, entry.EventKind, entry.EntityType, entry.EntityID,
		entry.Provider, StatusPending, nullableJSON(entry.Payload)).Scan(&id)
	return id, err
}

func (p *Postgres) FinishLedger(ctx context.Context, ledgerID int64, outcome LedgerOutcome) error {
	return p.queries().FinishLedger(ctx, ledgerID, outcome)
}

// FinishLedger applies the single pending→terminal transition. The status
// guard makes the transition idempotent and keeps terminal rows immutable;
// retry_count only moves on a failed outcome.
func (s pgQueries) FinishLedger(ctx context.Context, ledgerID int64, outcome LedgerOutcome) error {
	switch outcome.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
	default:
		return ErrInvalidInput
	}
	result, err := s.q.ExecContext(ctx, `
		UPDATE sync_events
		SET status = $2,
		    entity_id = COALESCE($3, entity_id),
		    error_message = NULLIF($4, ''),
		    retry_count = retry_count + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
		    processed_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		ledgerID, outcome.Status, outcome.EntityID, outcome.ErrorMessage)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgQueries) listLedger(ctx context.Context, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+ledgerColumns+" FROM sync_events ORDER BY id DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]LedgerEntry, 0)
	for rows.Next() {
		var e LedgerEntry
		var payload []byte
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventKind, &e.EntityType, &e.EntityID,
			&e.Provider, &e.Status, &payload, &errMsg, &e.RetryCount, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableJSON(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// Non-transactional convenience surface for the HTTP layer.

func (p *Postgres) ListCustomers(ctx context.Context, limit, offset int) ([]Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return p.queries().listCustomers(ctx, limit, offset)
}

func (p *Postgres) GetCustomer(ctx context.Context, id int64) (Customer, []Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	customer, err := p.queries().CustomerByID(ctx, id)
	if err != nil {
		return Customer{}, nil, err
	}
	mappings, err := p.queries().mappingsForCustomer(ctx, id)
	if err != nil {
		return Customer{}, nil, err
	}
	return customer, mappings, nil
}

func (p *Postgres) CreateCustomer(ctx context.Context, name, email string) (Customer, error) {
	var customer Customer
	err := p.InTx(ctx, func(q Queries) error {
		var err error
		customer, err = q.CreateCustomer(ctx, name, email)
		return err
	})
	return customer, err
}

func (p *Postgres) UpdateCustomer(ctx context.Context, id int64, name, email *string) (Customer, error) {
	var customer Customer
	err := p.InTx(ctx, func(q Queries) error {
		var err error
		customer, err = q.UpdateCustomer(ctx, id, name, email)
		return err
	})
	return customer, err
}

// DeleteCustomer removes the customer row and returns the pre-delete
// snapshot for event publication. Mapping rows are intentionally left in
// place: the outbound worker needs them as its retry anchor and removes
// them only once the provider-side delete is confirmed.
func (p *Postgres) DeleteCustomer(ctx context.Context, id int64) (Customer, error) {
	var customer Customer
	err := p.InTx(ctx, func(q Queries) error {
		var err error
		customer, err = q.CustomerByID(ctx, id)
		if err != nil {
			return err
		}
		return q.DeleteCustomer(ctx, id)
	})
	return customer, err
}

func (p *Postgres) ListSyncEvents(ctx context.Context, limit, offset int) ([]LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return p.queries().listLedger(ctx, limit, offset)
}
