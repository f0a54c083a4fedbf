package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"firmdesk/internal/billing"
	"firmdesk/internal/core"
	"firmdesk/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockSubscriptionStore implements SubscriptionStore for testing.
type mockSubscriptionStore struct {
	getByFirmIDFn func(ctx context.Context, firmID string) (*types.FirmSubscription, error)
	createFn      func(ctx context.Context, sub *types.FirmSubscription) error
	saveFn        func(ctx context.Context, sub *types.FirmSubscription) error
	created       []types.FirmSubscription
	saved         []types.FirmSubscription
}

func (m *mockSubscriptionStore) GetByFirmID(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
	if m.getByFirmIDFn != nil {
		return m.getByFirmIDFn(ctx, firmID)
	}
	sub := testSubscription(firmID)
	return &sub, nil
}

func (m *mockSubscriptionStore) Create(ctx context.Context, sub *types.FirmSubscription) error {
	m.created = append(m.created, *sub)
	if m.createFn != nil {
		return m.createFn(ctx, sub)
	}
	return nil
}

func (m *mockSubscriptionStore) Save(ctx context.Context, sub *types.FirmSubscription) error {
	m.saved = append(m.saved, *sub)
	if m.saveFn != nil {
		return m.saveFn(ctx, sub)
	}
	return nil
}

// mockSeatStore implements SeatStore for testing.
type mockSeatStore struct {
	getByIDFn    func(ctx context.Context, seatID string) (*types.Seat, error)
	listByFirmFn func(ctx context.Context, firmID string) ([]types.Seat, error)
	updateFn     func(ctx context.Context, seat *types.Seat, expected types.SeatStatus) error
	countsFn     func(ctx context.Context, firmID string) (int, int, int, int, error)
	inserted     []types.Seat
	updated      []types.Seat
}

func (m *mockSeatStore) InsertBatch(ctx context.Context, seats []types.Seat) error {
	m.inserted = append(m.inserted, seats...)
	return nil
}

func (m *mockSeatStore) GetByID(ctx context.Context, seatID string) (*types.Seat, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, seatID)
	}
	return &types.Seat{
		ID:               seatID,
		FirmID:           "firm_abc",
		Status:           types.SeatReserved,
		UserEmail:        "invitee@meridian.example",
		SubscriptionType: types.CycleMonthly,
		MonthlyCost:      6500,
	}, nil
}

func (m *mockSeatStore) ListByFirm(ctx context.Context, firmID string) ([]types.Seat, error) {
	if m.listByFirmFn != nil {
		return m.listByFirmFn(ctx, firmID)
	}
	return []types.Seat{
		{ID: "seat_avail_1", FirmID: firmID, Status: types.SeatAvailable, SubscriptionType: types.CycleMonthly, MonthlyCost: 6500},
		{ID: "seat_active_1", FirmID: firmID, Status: types.SeatActive, UserID: "user_1", SubscriptionType: types.CycleMonthly, MonthlyCost: 6500},
	}, nil
}

func (m *mockSeatStore) Update(ctx context.Context, seat *types.Seat, expected types.SeatStatus) error {
	m.updated = append(m.updated, *seat)
	if m.updateFn != nil {
		return m.updateFn(ctx, seat, expected)
	}
	return nil
}

func (m *mockSeatStore) CountsByFirm(ctx context.Context, firmID string) (int, int, int, int, error) {
	if m.countsFn != nil {
		return m.countsFn(ctx, firmID)
	}
	return 10, 5, 4, 1, nil
}

// mockActivityStore implements ActivityStore for testing.
type mockActivityStore struct {
	listByFirmFn func(ctx context.Context, firmID string, limit int) ([]types.ActivityEvent, error)
	appended     []types.ActivityEvent
}

func (m *mockActivityStore) Append(ctx context.Context, event types.ActivityEvent) error {
	m.appended = append(m.appended, event)
	return nil
}

func (m *mockActivityStore) ListByFirm(ctx context.Context, firmID string, limit int) ([]types.ActivityEvent, error) {
	if m.listByFirmFn != nil {
		return m.listByFirmFn(ctx, firmID, limit)
	}
	return []types.ActivityEvent{
		{ID: "act_1", FirmID: firmID, Action: types.ActivitySeatsPurchased},
	}, nil
}

// mockSeatBiller implements SeatBiller for testing.
type mockSeatBiller struct {
	ensureCustomerFn     func(ctx context.Context, firmID, email string) (string, error)
	updateSeatQuantityFn func(ctx context.Context, subID string, quantity int) error
	previewProrationFn   func(ctx context.Context, customerID, subID string, quantity int) (int64, error)
	ensureCalls          int
	quantitySyncs        []int
}

func (m *mockSeatBiller) EnsureCustomer(ctx context.Context, firmID, email string) (string, error) {
	m.ensureCalls++
	if m.ensureCustomerFn != nil {
		return m.ensureCustomerFn(ctx, firmID, email)
	}
	return "cus_test", nil
}

func (m *mockSeatBiller) UpdateSeatQuantity(ctx context.Context, subID string, quantity int) error {
	m.quantitySyncs = append(m.quantitySyncs, quantity)
	if m.updateSeatQuantityFn != nil {
		return m.updateSeatQuantityFn(ctx, subID, quantity)
	}
	return nil
}

func (m *mockSeatBiller) PreviewProration(ctx context.Context, customerID, subID string, quantity int) (int64, error) {
	if m.previewProrationFn != nil {
		return m.previewProrationFn(ctx, customerID, subID, quantity)
	}
	return 0, nil
}

// Compile-time interface assertions for mocks.
var (
	_ SubscriptionStore = (*mockSubscriptionStore)(nil)
	_ SeatStore         = (*mockSeatStore)(nil)
	_ ActivityStore     = (*mockActivityStore)(nil)
	_ SeatBiller        = (*mockSeatBiller)(nil)
)

// =============================================================================
// Test Helpers
// =============================================================================

// fixedNow is the deterministic clock used by handler tests. It sits midway
// through the test subscription's billing period.
var fixedNow = time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)

// testSubscription returns an active monthly subscription with
// 10 total / 5 used / 4 available / 1 reserved seats.
func testSubscription(firmID string) types.FirmSubscription {
	return types.FirmSubscription{
		ID:                   "sub_local_1",
		FirmID:               firmID,
		FirmName:             "Meridian CPA",
		Tier:                 types.TierProfessional,
		Status:               types.SubStatusActive,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_stripe_1",
		TotalSeats:           10,
		UsedSeats:            5,
		AvailableSeats:       4,
		ReservedSeats:        1,
		BillingCycle:         types.CycleMonthly,
		BasePrice:            9900,
		PerSeatPrice:         6500,
		TotalMonthlyCost:     9900 + 5*6500,
		CurrentPeriodStart:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:     time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Version:              3,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// passthroughTx runs the transactional closure directly against the mocks.
// The handlers issue the optimistic-lock save as the first write inside the
// transaction, so a conflict aborts the closure before any seat write reaches
// the mock seat store.
func passthroughTx(subs SubscriptionStore, seats SeatStore) TxRunner {
	return func(ctx context.Context, fn func(SubscriptionStore, SeatStore) error) error {
		return fn(subs, seats)
	}
}

type billingTestEnv struct {
	handler  *BillingHandler
	subs     *mockSubscriptionStore
	seats    *mockSeatStore
	activity *mockActivityStore
	biller   *mockSeatBiller
	router   *chi.Mux
}

func newBillingTestEnv() *billingTestEnv {
	env := &billingTestEnv{
		subs:     &mockSubscriptionStore{},
		seats:    &mockSeatStore{},
		activity: &mockActivityStore{},
		biller:   &mockSeatBiller{},
	}
	logger := testLogger()
	env.handler = NewBillingHandler(env.subs, env.seats, env.activity, env.biller,
		billing.NewStaticPriceBook(), passthroughTx(env.subs, env.seats), core.NewValidator(logger), logger)
	env.handler.now = func() time.Time { return fixedNow }
	env.router = chi.NewRouter()
	env.handler.RegisterRoutes(env.router)
	return env
}

// contextWithActor creates a context with an authenticated user Actor.
func contextWithActor(firmID string, role types.UserRole) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithActor(ctx, types.Actor{
		ID:     "user_test_123",
		Type:   types.ActorTypeUser,
		FirmID: firmID,
		Email:  "admin@meridian.example",
		Role:   role,
	})
}

// makeRequest creates an HTTP request with the given method, path, JSON body
// and context.
func makeRequest(method, path string, body any, ctx context.Context) *http.Request {
	var reqBody *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// decodeData unmarshals the APIResponse data envelope into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
		Meta *types.ResponseMeta
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not a valid envelope: %v\nbody: %s", err, rec.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		t.Fatalf("failed to decode data: %v\nbody: %s", err, rec.Body.String())
	}
}

// errorCode extracts the error code from an APIErrorResponse body.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response is not an error envelope: %v\nbody: %s", err, rec.Body.String())
	}
	return envelope.Error.Code
}

// =============================================================================
// Quote Tests
// =============================================================================

func TestQuoteSeats(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodPost, "/billing/seats/quote",
		QuoteRequest{Quantity: 3, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var quote struct {
		Quantity           int   `json:"quantity"`
		MonthlyCostPerSeat int64 `json:"monthlyCostPerSeat"`
		PeriodTotal        int64 `json:"periodTotal"`
	}
	decodeData(t, rec, &quote)

	if quote.MonthlyCostPerSeat != 6500 {
		t.Errorf("monthlyCostPerSeat = %d, want 6500", quote.MonthlyCostPerSeat)
	}
	if quote.PeriodTotal != 19500 {
		t.Errorf("periodTotal = %d, want 19500", quote.PeriodTotal)
	}
}

func TestQuoteSeats_YearlyBilledAnnually(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodPost, "/billing/seats/quote",
		QuoteRequest{Quantity: 2, BillingCycle: types.CycleYearly},
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var quote struct {
		PeriodTotal            int64 `json:"periodTotal"`
		YearlySavingsVsMonthly int64 `json:"yearlySavingsVsMonthly"`
	}
	decodeData(t, rec, &quote)

	if quote.PeriodTotal != 2*4500*12 {
		t.Errorf("periodTotal = %d, want %d", quote.PeriodTotal, 2*4500*12)
	}
	if quote.YearlySavingsVsMonthly != 2*(6500-4500)*12 {
		t.Errorf("yearlySavingsVsMonthly = %d, want %d", quote.YearlySavingsVsMonthly, 2*(6500-4500)*12)
	}
}

func TestQuoteSeats_RejectsZeroQuantity(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodPost, "/billing/seats/quote",
		map[string]any{"quantity": 0, "billingCycle": "monthly"},
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400\nbody: %s", rec.Code, rec.Body.String())
	}
}

func TestQuoteSeats_RejectsUnknownCycle(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodPost, "/billing/seats/quote",
		map[string]any{"quantity": 3, "billingCycle": "weekly"},
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400\nbody: %s", rec.Code, rec.Body.String())
	}
}

// =============================================================================
// Purchase Tests
// =============================================================================

func TestPurchaseSeats(t *testing.T) {
	env := newBillingTestEnv()
	env.biller.previewProrationFn = func(ctx context.Context, customerID, subID string, quantity int) (int64, error) {
		if quantity != 15 {
			t.Errorf("preview quantity = %d, want 15", quantity)
		}
		return 16250, nil
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 5, BillingCycle: types.CycleMonthly, Prorated: true},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var resp types.SeatPurchaseResponse
	decodeData(t, rec, &resp)

	if !resp.Success {
		t.Error("Success = false, want true")
	}
	if resp.NewTotalSeats != 15 {
		t.Errorf("NewTotalSeats = %d, want 15", resp.NewTotalSeats)
	}
	if resp.AddedSeats != 5 {
		t.Errorf("AddedSeats = %d, want 5", resp.AddedSeats)
	}
	if resp.ProratedAmount != 16250 {
		t.Errorf("ProratedAmount = %d, want 16250 (provider preview)", resp.ProratedAmount)
	}
	if resp.NewMonthlyTotal != 9900+5*6500 {
		t.Errorf("NewMonthlyTotal = %d, want %d", resp.NewMonthlyTotal, 9900+5*6500)
	}

	// Provider quantity sync reflects the new total.
	if len(env.biller.quantitySyncs) != 1 || env.biller.quantitySyncs[0] != 15 {
		t.Errorf("quantity syncs = %v, want [15]", env.biller.quantitySyncs)
	}

	// Five available seats minted.
	if len(env.seats.inserted) != 5 {
		t.Fatalf("minted %d seats, want 5", len(env.seats.inserted))
	}
	for _, s := range env.seats.inserted {
		if s.Status != types.SeatAvailable {
			t.Errorf("minted seat status = %s, want available", s.Status)
		}
		if s.FirmID != "firm_abc" {
			t.Errorf("minted seat firm = %s, want firm_abc", s.FirmID)
		}
	}

	// Subscription saved with the invariant intact.
	if len(env.subs.saved) != 1 {
		t.Fatalf("saved %d subscriptions, want 1", len(env.subs.saved))
	}
	saved := env.subs.saved[0]
	if saved.TotalSeats != saved.UsedSeats+saved.AvailableSeats+saved.ReservedSeats {
		t.Errorf("saved counters violate invariant: %+v", saved)
	}

	// Activity logged.
	if len(env.activity.appended) != 1 || env.activity.appended[0].Action != types.ActivitySeatsPurchased {
		t.Errorf("activity = %+v, want one seats.purchased event", env.activity.appended)
	}
}

func TestPurchaseSeats_NonProratedSkipsPreview(t *testing.T) {
	env := newBillingTestEnv()
	env.biller.previewProrationFn = func(ctx context.Context, customerID, subID string, quantity int) (int64, error) {
		t.Error("PreviewProration should not be called for non-prorated purchases")
		return 0, nil
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 2, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var resp types.SeatPurchaseResponse
	decodeData(t, rec, &resp)
	if resp.ProratedAmount != 0 {
		t.Errorf("ProratedAmount = %d, want 0", resp.ProratedAmount)
	}
}

func TestPurchaseSeats_LocalEstimateWhenPreviewFails(t *testing.T) {
	env := newBillingTestEnv()
	env.biller.previewProrationFn = func(ctx context.Context, customerID, subID string, quantity int) (int64, error) {
		return 0, types.NewAppError(types.ErrCodeUpstreamStripe, "preview unavailable", nil)
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 2, BillingCycle: types.CycleMonthly, Prorated: true},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	// fixedNow is 15 days into a 30 day period, so half the monthly rate.
	var resp types.SeatPurchaseResponse
	decodeData(t, rec, &resp)
	if resp.ProratedAmount != 6500 {
		t.Errorf("ProratedAmount = %d, want 6500 (local half-period estimate)", resp.ProratedAmount)
	}
}

func TestPurchaseSeats_EnsuresCustomerForUnbilledFirm(t *testing.T) {
	env := newBillingTestEnv()
	env.subs.getByFirmIDFn = func(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
		sub := testSubscription(firmID)
		sub.Status = types.SubStatusTrialing
		sub.StripeCustomerID = ""
		sub.StripeSubscriptionID = ""
		return &sub, nil
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 1, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	if env.biller.ensureCalls != 1 {
		t.Errorf("EnsureCustomer calls = %d, want 1", env.biller.ensureCalls)
	}
	// No provider subscription yet, so no quantity sync.
	if len(env.biller.quantitySyncs) != 0 {
		t.Errorf("quantity syncs = %v, want none", env.biller.quantitySyncs)
	}
	if len(env.subs.saved) != 1 || env.subs.saved[0].StripeCustomerID != "cus_test" {
		t.Errorf("saved customer id = %v, want cus_test", env.subs.saved)
	}
}

func TestPurchaseSeats_NotPurchasable(t *testing.T) {
	env := newBillingTestEnv()
	env.subs.getByFirmIDFn = func(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
		sub := testSubscription(firmID)
		sub.Status = types.SubStatusPastDue
		return &sub, nil
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 5, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403\nbody: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != string(types.ErrCodeBillingNotPurchasable) {
		t.Errorf("error code = %q, want billing_not_purchasable", code)
	}
	if len(env.subs.saved) != 0 {
		t.Error("subscription should not be saved on a rejected purchase")
	}
}

func TestPurchaseSeats_ConcurrentConflict(t *testing.T) {
	env := newBillingTestEnv()
	env.subs.saveFn = func(ctx context.Context, sub *types.FirmSubscription) error {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription was modified concurrently", nil)
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 3, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409\nbody: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != string(types.ErrCodeConflictConcurrent) {
		t.Errorf("error code = %q, want conflict_concurrent_modification", code)
	}

	// The lost race must leave nothing behind: no minted seat rows, no
	// provider quantity sync, no activity entry. Otherwise the client's retry
	// would mint the batch a second time and drift the roster.
	if len(env.seats.inserted) != 0 {
		t.Errorf("persisted %d seat rows on a lost race, want 0", len(env.seats.inserted))
	}
	if len(env.biller.quantitySyncs) != 0 {
		t.Errorf("quantity syncs = %v, want none on a lost race", env.biller.quantitySyncs)
	}
	if len(env.activity.appended) != 0 {
		t.Errorf("activity = %+v, want none on a lost race", env.activity.appended)
	}
}

func TestPurchaseSeats_QuantitySyncFailureWarns(t *testing.T) {
	env := newBillingTestEnv()
	env.biller.updateSeatQuantityFn = func(ctx context.Context, subID string, quantity int) error {
		return types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", nil)
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 2, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	// The ledger write already committed; a provider sync failure surfaces as
	// a warning rather than failing the purchase.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	if len(env.seats.inserted) != 2 || len(env.subs.saved) != 1 {
		t.Errorf("persisted %d seats / %d saves, want 2/1", len(env.seats.inserted), len(env.subs.saved))
	}

	var envelope struct {
		Meta *types.ResponseMeta `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Meta == nil || len(envelope.Meta.Warnings) != 1 {
		t.Errorf("meta = %+v, want one warning about the provider sync", envelope.Meta)
	}
}

func TestPurchaseSeats_ProvisionsFirstSubscription(t *testing.T) {
	env := newBillingTestEnv()
	env.subs.getByFirmIDFn = func(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for firm", nil)
	}

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 2, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_new", types.RoleAdmin))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	// A fresh record is created from the starter tier price book: one bundled
	// seat plus the two purchased.
	if len(env.subs.created) != 1 || len(env.subs.saved) != 0 {
		t.Fatalf("created %d / saved %d subscriptions, want 1/0", len(env.subs.created), len(env.subs.saved))
	}
	created := env.subs.created[0]
	if created.Tier != types.TierStarter || created.BasePrice != 4900 {
		t.Errorf("provisioned tier = %s base = %d, want starter/4900", created.Tier, created.BasePrice)
	}
	if created.TotalSeats != 3 || created.AvailableSeats != 3 {
		t.Errorf("counters = total %d avail %d, want 3/3", created.TotalSeats, created.AvailableSeats)
	}
	if created.TotalSeats != created.UsedSeats+created.AvailableSeats+created.ReservedSeats {
		t.Errorf("created counters violate invariant: %+v", created)
	}

	// Bundled and purchased seats are all minted as roster records.
	if len(env.seats.inserted) != 3 {
		t.Errorf("minted %d seats, want 3", len(env.seats.inserted))
	}

	// No provider identity yet: the customer is created, nothing is synced.
	if env.biller.ensureCalls != 1 {
		t.Errorf("EnsureCustomer calls = %d, want 1", env.biller.ensureCalls)
	}
	if len(env.biller.quantitySyncs) != 0 {
		t.Errorf("quantity syncs = %v, want none without a provider subscription", env.biller.quantitySyncs)
	}
	if created.StripeCustomerID != "cus_test" {
		t.Errorf("customer id = %q, want cus_test", created.StripeCustomerID)
	}

	var resp types.SeatPurchaseResponse
	decodeData(t, rec, &resp)
	if resp.NewTotalSeats != 3 || resp.AddedSeats != 2 {
		t.Errorf("response totals = %d added %d, want 3/2", resp.NewTotalSeats, resp.AddedSeats)
	}
}

func TestPurchaseSeats_RequiresAdmin(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodPost, "/billing/seats/purchase",
		PurchaseRequest{Quantity: 1, BillingCycle: types.CycleMonthly},
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403\nbody: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != string(types.ErrCodePermissionRole) {
		t.Errorf("error code = %q, want permission_role_insufficient", code)
	}
}

// =============================================================================
// Subscription View / Activity Tests
// =============================================================================

func TestGetSubscription(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodGet, "/billing/subscription", nil,
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var sub types.FirmSubscription
	decodeData(t, rec, &sub)
	if sub.FirmID != "firm_abc" || sub.TotalSeats != 10 {
		t.Errorf("unexpected subscription: %+v", sub)
	}
}

func TestGetSubscription_NotFound(t *testing.T) {
	env := newBillingTestEnv()
	env.subs.getByFirmIDFn = func(ctx context.Context, firmID string) (*types.FirmSubscription, error) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for firm", nil)
	}

	req := makeRequest(http.MethodGet, "/billing/subscription", nil,
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404\nbody: %s", rec.Code, rec.Body.String())
	}
}

func TestGetSubscription_NoFirmContext(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodGet, "/billing/subscription", nil, context.Background())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401\nbody: %s", rec.Code, rec.Body.String())
	}
}

func TestListActivity(t *testing.T) {
	env := newBillingTestEnv()

	req := makeRequest(http.MethodGet, "/billing/activity", nil,
		contextWithActor("firm_abc", types.RoleMember))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	var events []types.ActivityEvent
	decodeData(t, rec, &events)
	if len(events) != 1 || events[0].Action != types.ActivitySeatsPurchased {
		t.Errorf("unexpected events: %+v", events)
	}
}
