// Package httpapi exposes the customer CRUD surface and the provider webhook
// ingress. It is a thin edge: every mutation goes through storage, and every
// committed mutation is announced through the dispatcher. Webhook payloads
// are verified and normalized here so the sync core never sees a raw or
// unsigned provider callback.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/syncwell/customer-sync/internal/bus"
	"github.com/syncwell/customer-sync/internal/storage"
	"github.com/syncwell/customer-sync/internal/syncer"
)

const maxWebhookBodyBytes = 1 << 20

type Store interface {
	ListCustomers(ctx context.Context, limit, offset int) ([]storage.Customer, error)
	GetCustomer(ctx context.Context, id int64) (storage.Customer, []storage.Mapping, error)
	CreateCustomer(ctx context.Context, name, email string) (storage.Customer, error)
	UpdateCustomer(ctx context.Context, id int64, name, email *string) (storage.Customer, error)
	DeleteCustomer(ctx context.Context, id int64) (storage.Customer, error)
	ListSyncEvents(ctx context.Context, limit, offset int) ([]storage.LedgerEntry, error)
}

// EventDispatcher announces committed mutations. Implementations swallow
// publish failures; the HTTP response never depends on the bus.
type EventDispatcher interface {
	CustomerCreated(ctx context.Context, customer storage.Customer)
	CustomerUpdated(ctx context.Context, customer storage.Customer)
	CustomerDeleted(ctx context.Context, snapshot storage.Customer)
}

// WebhookVerifier is the slice of the provider adapter the ingress needs.
type WebhookVerifier interface {
	Provider() string
	ValidateSignature(payload []byte, signatureHeader string) bool
}

type ServerConfig struct {
	Store      Store
	Dispatcher EventDispatcher
	Verifier   WebhookVerifier
	Publisher  bus.Publisher
	Log        *logrus.Entry
}

type Server struct {
	store      Store
	dispatcher EventDispatcher
	verifier   WebhookVerifier
	publisher  bus.Publisher
	log        *logrus.Entry
	engine     *gin.Engine
}

func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		verifier:   cfg.Verifier,
		publisher:  cfg.Publisher,
		log:        log,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.health)
	customers := engine.Group("/customers")
	{
		customers.GET("", s.listCustomers)
		customers.POST("", s.createCustomer)
		customers.GET("/:id", s.getCustomer)
		customers.PUT("/:id", s.updateCustomer)
		customers.DELETE("/:id", s.deleteCustomer)
	}
	engine.POST("/webhooks/stripe", s.stripeWebhook)
	engine.GET("/sync-events", s.listSyncEvents)

	s.engine = engine
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type customerRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type customerWithMappings struct {
	storage.Customer
	ExternalMappings []storage.Mapping `json:"external_mappings"`
}

func (s *Server) listCustomers(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	customers, err := s.store.ListCustomers(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err, "failed to list customers")
		return
	}
	c.JSON(http.StatusOK, customers)
}

func (s *Server) getCustomer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	customer, mappings, err := s.store.GetCustomer(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "failed to fetch customer")
		return
	}
	c.JSON(http.StatusOK, customerWithMappings{Customer: customer, ExternalMappings: mappings})
}

func (s *Server) createCustomer(c *gin.Context) {
	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	if req.Name == nil || req.Email == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "name and email are required"})
		return
	}
	customer, err := s.store.CreateCustomer(c.Request.Context(), *req.Name, *req.Email)
	if err != nil {
		s.fail(c, err, "failed to create customer")
		return
	}

	s.dispatcher.CustomerCreated(c.Request.Context(), customer)
	c.JSON(http.StatusCreated, customer)
}

func (s *Server) updateCustomer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req customerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	customer, err := s.store.UpdateCustomer(c.Request.Context(), id, req.Name, req.Email)
	if err != nil {
		s.fail(c, err, "failed to update customer")
		return
	}

	s.dispatcher.CustomerUpdated(c.Request.Context(), customer)
	c.JSON(http.StatusOK, customer)
}

func (s *Server) deleteCustomer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	snapshot, err := s.store.DeleteCustomer(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "failed to delete customer")
		return
	}

	s.dispatcher.CustomerDeleted(c.Request.Context(), snapshot)
	c.Status(http.StatusNoContent)
}

func (s *Server) listSyncEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	entries, err := s.store.ListSyncEvents(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err, "failed to list sync events")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// stripeWebhook verifies the signature over the raw body, normalizes
// customer.* events into the canonical envelope and publishes them to the
// inbound topic with skip_outbound set, which keeps the change from being
// echoed back to the provider.
func (s *Server) stripeWebhook(c *gin.Context) {
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "missing Stripe signature"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unreadable body"})
		return
	}
	if !s.verifier.ValidateSignature(body, signature) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid signature"})
		return
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON payload"})
		return
	}

	kind, relevant := webhookEventKind(event.Type)
	if !relevant {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if event.Data.Object.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "event carries no customer id"})
		return
	}

	env := syncer.Envelope{
		EventKind:    kind,
		EntityType:   syncer.EntityTypeCustomer,
		ExternalID:   event.Data.Object.ID,
		Provider:     s.verifier.Provider(),
		Provenance:   syncer.ProvenanceExternal,
		SkipOutbound: true,
		Payload: syncer.Snapshot{
			Name:  optional(event.Data.Object.Name),
			Email: optional(event.Data.Object.Email),
		},
	}
	value, err := json.Marshal(env)
	if err != nil {
		s.fail(c, err, "failed to encode inbound envelope")
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), bus.TopicInbound, env.PartitionKey(), value); err != nil {
		// 5xx so the provider retries the delivery.
		s.log.WithError(err).WithField("event", event.ID).Error("failed to publish inbound event")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to queue event"})
		return
	}

	s.log.WithFields(logrus.Fields{
		"event":       event.ID,
		"event_kind":  kind,
		"external_id": event.Data.Object.ID,
	}).Info("webhook event queued")
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func webhookEventKind(eventType string) (syncer.EventKind, bool) {
	switch eventType {
	case "customer.created":
		return syncer.EventCreated, true
	case "customer.updated":
		return syncer.EventUpdated, true
	case "customer.deleted":
		return syncer.EventDeleted, true
	default:
		return "", false
	}
}

func (s *Server) fail(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "customer not found"})
	case errors.Is(err, storage.ErrAlreadyExists):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "customer with this email already exists"})
	case errors.Is(err, storage.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid input"})
	default:
		s.log.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": message})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid customer id"})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
