package syncer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/syncwell/customer-sync/internal/storage"
)

const ProviderStripe = "stripe"

type StripeAdapterOptions struct {
	BaseURL          string
	SecretKey        string
	WebhookSecret    string
	APIVersion       string
	HTTPClient       *http.Client
	SignatureMaxSkew time.Duration
}

// StripeAdapter talks to the Stripe customer API with form-encoded requests
// and maps Stripe's error surface onto the shared taxonomy.
type StripeAdapter struct {
	baseURL          string
	secretKey        string
	webhookSecret    string
	apiVersion       string
	httpClient       *http.Client
	signatureMaxSkew time.Duration
	now              func() time.Time
}

func NewStripeAdapter(opts StripeAdapterOptions) (*StripeAdapter, error) {
	secretKey := strings.TrimSpace(opts.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	webhookSecret := strings.TrimSpace(opts.WebhookSecret)
	if webhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2023-10-16"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxSkew := opts.SignatureMaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &StripeAdapter{
		baseURL:          baseURL,
		secretKey:        secretKey,
		webhookSecret:    webhookSecret,
		apiVersion:       apiVersion,
		httpClient:       httpClient,
		signatureMaxSkew: maxSkew,
		now:              time.Now,
	}, nil
}

func (a *StripeAdapter) Provider() string {
	return ProviderStripe
}

type stripeCustomer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Created int64  `json:"created"`
	Deleted bool   `json:"deleted"`
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeList struct {
	Data []stripeCustomer `json:"data"`
}

// customerForm maps the internal shape to Stripe's field names. The internal
// id rides along as metadata so the provider copy stays traceable.
func customerForm(customer storage.Customer) url.Values {
	form := url.Values{}
	form.Set("name", customer.Name)
	form.Set("email", customer.Email)
	if customer.ID > 0 {
		form.Set("metadata[internal_id]", strconv.FormatInt(customer.ID, 10))
	}
	return form
}

func (a *StripeAdapter) externalCustomer(sc stripeCustomer) ExternalCustomer {
	return ExternalCustomer{
		ExternalID: sc.ID,
		Name:       sc.Name,
		Email:      sc.Email,
		CreatedAt:  time.Unix(sc.Created, 0).UTC(),
	}
}

func (a *StripeAdapter) CreateCustomer(ctx context.Context, customer storage.Customer) (string, error) {
	var created stripeCustomer
	if err := a.do(ctx, http.MethodPost, "/v1/customers", customerForm(customer), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", NewError(KindTransient, ProviderStripe, "create returned no customer id")
	}
	return created.ID, nil
}

func (a *StripeAdapter) UpdateCustomer(ctx context.Context, externalID string, customer storage.Customer) error {
	return a.do(ctx, http.MethodPost, "/v1/customers/"+url.PathEscape(externalID), customerForm(customer), nil)
}

// DeleteCustomer treats a provider-side not-found as success: the customer
// is gone either way, and redelivered delete messages must not fail on it.
func (a *StripeAdapter) DeleteCustomer(ctx context.Context, externalID string) error {
	err := a.do(ctx, http.MethodDelete, "/v1/customers/"+url.PathEscape(externalID), nil, nil)
	if KindOf(err) == KindNotFound {
		return nil
	}
	return err
}

func (a *StripeAdapter) GetCustomer(ctx context.Context, externalID string) (*ExternalCustomer, error) {
	var sc stripeCustomer
	err := a.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(externalID), nil, &sc)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if sc.Deleted {
		return nil, nil
	}
	external := a.externalCustomer(sc)
	return &external, nil
}

func (a *StripeAdapter) ListCustomers(ctx context.Context, limit, offset int) ([]ExternalCustomer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	form := url.Values{}
	form.Set("limit", strconv.Itoa(limit))
	var list stripeList
	if err := a.do(ctx, http.MethodGet, "/v1/customers?"+form.Encode(), nil, &list); err != nil {
		return nil, err
	}
	customers := make([]ExternalCustomer, 0, len(list.Data))
	for i, sc := range list.Data {
		if i < offset {
			continue
		}
		customers = append(customers, a.externalCustomer(sc))
	}
	return customers, nil
}

func (a *StripeAdapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return WrapError(KindTransient, ProviderStripe, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	req.Header.Set("Stripe-Version", a.apiVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return WrapError(KindTransient, ProviderStripe, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return WrapError(KindTransient, ProviderStripe, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return WrapError(KindTransient, ProviderStripe, err)
		}
		return nil
	}
	return a.classify(resp.StatusCode, respBody)
}

// classify maps Stripe's status codes and error bodies into the fixed
// taxonomy. Raw provider errors never cross this boundary.
func (a *StripeAdapter) classify(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed stripeError
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	switch {
	case statusCode == http.StatusNotFound:
		return NewError(KindNotFound, ProviderStripe, message)
	case statusCode == http.StatusConflict,
		strings.Contains(strings.ToLower(message), "already exists"):
		return NewError(KindAlreadyExists, ProviderStripe, message)
	case statusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimited, ProviderStripe, message)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewError(KindAuthFailed, ProviderStripe, message)
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return NewError(KindValidationError, ProviderStripe, message)
	default:
		return NewError(KindTransient, ProviderStripe,
			fmt.Sprintf("status=%d message=%s", statusCode, message))
	}
}

// ValidateSignature checks a Stripe-Signature header: HMAC-SHA256 over
// "<timestamp>.<body>" with the webhook secret, rejecting stale timestamps.
func (a *StripeAdapter) ValidateSignature(payload []byte, signatureHeader string) bool {
	timestamp, signatures := parseStripeSignatureHeader(signatureHeader)
	if timestamp == 0 || len(signatures) == 0 {
		return false
	}
	eventTime := time.Unix(timestamp, 0)
	skew := a.now().Sub(eventTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1 {
			return true
		}
	}
	return false
}

func parseStripeSignatureHeader(header string) (int64, []string) {
	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				timestamp = parsed
			}
		case "v1":
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures
}
