package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"firmdesk/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey  string
	BaseURL    string // Override for testing; defaults to stripeAPIBase
	MaxRetries int
	Logger     *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient.
// This routes all requests through the platform's resilience infrastructure
// (circuit breaker, retries, error mapping) and makes testing with httptest
// straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// come from BillingConfig.StripeTimeout.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultRetryPolicy().MaxRetries
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: retries,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"FirmDesk/1.0",
	)

	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for tests that want to control retry and breaker
// behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Payment Provider Operations
// ---------------------------------------------------------------------------

// EnsureCustomer retrieves or creates a Stripe customer for the given firm.
// Search-first to prevent duplicate customers:
//  1. Query the Stripe Search API for a metadata['firm_id'] match.
//  2. If found, return the existing customer ID.
//  3. Otherwise create a new customer carrying firm_id metadata.
func (s *StripeClient) EnsureCustomer(ctx context.Context, firmID, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['firm_id']:'%s'", firmID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		return searchResult.Data[0].ID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[firm_id]", firmID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	return customer.ID, nil
}

// UpdateSeatQuantity sets the licensed seat quantity on the firm's Stripe
// subscription. Stripe generates the prorated invoice line items itself
// (proration_behavior=create_prorations); the ledger's own proration figure
// is advisory, shown to the buyer before confirming.
func (s *StripeClient) UpdateSeatQuantity(ctx context.Context, stripeSubscriptionID string, quantity int) error {
	itemID, err := s.firstSubscriptionItem(ctx, stripeSubscriptionID)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("quantity", strconv.Itoa(quantity))
	params.Set("proration_behavior", "create_prorations")

	resp, err := s.doPost(ctx, "/v1/subscription_items/"+itemID, params)
	if err != nil {
		return s.wrapStripeError("UpdateSeatQuantity", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateSeatQuantity")
	}
	return nil
}

// PreviewProration asks Stripe for the upcoming invoice if the seat quantity
// changed, returning the prorated amount due in cents. Used to display the
// immediate charge before the buyer confirms a purchase.
func (s *StripeClient) PreviewProration(
	ctx context.Context,
	stripeCustomerID, stripeSubscriptionID string,
	quantity int,
) (int64, error) {
	itemID, err := s.firstSubscriptionItem(ctx, stripeSubscriptionID)
	if err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("customer", stripeCustomerID)
	params.Set("subscription", stripeSubscriptionID)
	params.Set("subscription_details[items][0][id]", itemID)
	params.Set("subscription_details[items][0][quantity]", strconv.Itoa(quantity))
	params.Set("subscription_details[proration_behavior]", "create_prorations")

	resp, err := s.doGet(ctx, "/v1/invoices/upcoming", params)
	if err != nil {
		return 0, s.wrapStripeError("PreviewProration", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, s.handleErrorResponse(resp, "PreviewProration")
	}

	var invoice stripeUpcomingInvoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return 0, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe upcoming invoice response",
			err,
		)
	}

	return invoice.AmountDue, nil
}

// firstSubscriptionItem returns the ID of the subscription's single
// per-seat item. FirmDesk subscriptions carry exactly one item.
func (s *StripeClient) firstSubscriptionItem(ctx context.Context, stripeSubscriptionID string) (string, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+stripeSubscriptionID, nil)
	if err != nil {
		return "", s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	if len(sub.Items.Data) == 0 {
		return "", types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("Stripe subscription %s has no items", stripeSubscriptionID),
			nil,
		)
	}

	return sub.Items.Data[0].ID, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
// Errors already mapped by BaseClient (circuit breaker, retries exhausted)
// keep their upstream code.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
}

type stripeUpcomingInvoice struct {
	AmountDue int64  `json:"amount_due"`
	Currency  string `json:"currency"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates webhook payloads using stripe-go's signature
// verification (HMAC-SHA256 with timestamp tolerance).
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}
