package billing

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"firmdesk/internal/types"
)

// validSub returns the reference subscription used across the ledger tests:
// 10 seats total, 5 in use, 4 free, 1 held for a pending invitation.
func validSub() types.FirmSubscription {
	return types.FirmSubscription{
		ID:                 "sub_firm_123",
		FirmID:             "firm_abc",
		FirmName:           "Acme Accounting Firm",
		Tier:               types.TierProfessional,
		Status:             types.SubStatusActive,
		TotalSeats:         10,
		UsedSeats:          5,
		AvailableSeats:     4,
		ReservedSeats:      1,
		BillingCycle:       types.CycleMonthly,
		BasePrice:          9900,
		PerSeatPrice:       4900,
		TotalMonthlyCost:   34400,
		CurrentPeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func assertCode(t *testing.T, err error, want types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError with code %s, got %v", want, err)
	}
	if appErr.Code != want {
		t.Fatalf("error code = %s, want %s", appErr.Code, want)
	}
}

func TestNewQuote_Monthly(t *testing.T) {
	q, err := NewQuote(5, types.CycleMonthly)
	if err != nil {
		t.Fatalf("NewQuote returned error: %v", err)
	}
	if q.MonthlyCostPerSeat != 6500 {
		t.Errorf("MonthlyCostPerSeat = %d, want 6500", q.MonthlyCostPerSeat)
	}
	if q.PeriodTotal != 32500 {
		t.Errorf("PeriodTotal = %d, want 32500", q.PeriodTotal)
	}
}

func TestNewQuote_Yearly(t *testing.T) {
	q, err := NewQuote(5, types.CycleYearly)
	if err != nil {
		t.Fatalf("NewQuote returned error: %v", err)
	}
	if q.MonthlyCostPerSeat != 4500 {
		t.Errorf("MonthlyCostPerSeat = %d, want 4500", q.MonthlyCostPerSeat)
	}
	// 45 * 5 * 12, in cents.
	if q.PeriodTotal != 270000 {
		t.Errorf("PeriodTotal = %d, want 270000", q.PeriodTotal)
	}
	// 5 seats saving (65-45) per month over 12 months.
	if q.YearlySavingsVsMonthly != 120000 {
		t.Errorf("YearlySavingsVsMonthly = %d, want 120000", q.YearlySavingsVsMonthly)
	}
}

func TestNewQuote_Deterministic(t *testing.T) {
	a, err := NewQuote(7, types.CycleYearly)
	if err != nil {
		t.Fatalf("NewQuote returned error: %v", err)
	}
	b, err := NewQuote(7, types.CycleYearly)
	if err != nil {
		t.Fatalf("NewQuote returned error: %v", err)
	}
	if a != b {
		t.Errorf("identical inputs produced different quotes: %+v vs %+v", a, b)
	}
}

func TestNewQuote_InvalidQuantity(t *testing.T) {
	for _, qty := range []int{0, -1, -100} {
		_, err := NewQuote(qty, types.CycleMonthly)
		if err == nil {
			t.Fatalf("NewQuote(%d) succeeded, want error", qty)
		}
		assertCode(t, err, types.ErrCodeValidationInvalidQuantity)
	}
}

func TestNewQuote_InvalidCycle(t *testing.T) {
	_, err := NewQuote(1, types.BillingCycle("weekly"))
	if err == nil {
		t.Fatal("NewQuote with unknown cycle succeeded, want error")
	}
	assertCode(t, err, types.ErrCodeValidationInvalidCycle)
}

func TestYearlyDiscountPercent(t *testing.T) {
	if YearlyDiscountPercent != 31 {
		t.Errorf("YearlyDiscountPercent = %d, want 31", YearlyDiscountPercent)
	}
}

// TestPurchase_YearlyScenario is the literal purchase scenario: 5 yearly
// seats added to the reference subscription.
func TestPurchase_YearlyScenario(t *testing.T) {
	got, q, err := Purchase(validSub(), 5, types.CycleYearly)
	if err != nil {
		t.Fatalf("Purchase returned error: %v", err)
	}

	if got.TotalSeats != 15 {
		t.Errorf("TotalSeats = %d, want 15", got.TotalSeats)
	}
	if got.AvailableSeats != 9 {
		t.Errorf("AvailableSeats = %d, want 9", got.AvailableSeats)
	}
	if got.UsedSeats != 5 {
		t.Errorf("UsedSeats = %d, want 5 (unchanged)", got.UsedSeats)
	}
	if got.ReservedSeats != 1 {
		t.Errorf("ReservedSeats = %d, want 1 (unchanged)", got.ReservedSeats)
	}
	if got.PerSeatPrice != 4500 {
		t.Errorf("PerSeatPrice = %d, want 4500", got.PerSeatPrice)
	}
	if got.BillingCycle != types.CycleYearly {
		t.Errorf("BillingCycle = %s, want yearly", got.BillingCycle)
	}
	// 99 + 5*45 = 324, in cents.
	if got.TotalMonthlyCost != 32400 {
		t.Errorf("TotalMonthlyCost = %d, want 32400", got.TotalMonthlyCost)
	}
	if q.MonthlyCostPerSeat != 4500 {
		t.Errorf("quote MonthlyCostPerSeat = %d, want 4500", q.MonthlyCostPerSeat)
	}
}

func TestPurchase_Monotonic(t *testing.T) {
	sub := validSub()
	for i := 1; i <= 5; i++ {
		next, _, err := Purchase(sub, i, types.CycleMonthly)
		if err != nil {
			t.Fatalf("Purchase(%d) returned error: %v", i, err)
		}
		if next.TotalSeats < sub.TotalSeats {
			t.Errorf("TotalSeats decreased: %d -> %d", sub.TotalSeats, next.TotalSeats)
		}
		if next.AvailableSeats < sub.AvailableSeats {
			t.Errorf("AvailableSeats decreased: %d -> %d", sub.AvailableSeats, next.AvailableSeats)
		}
		sub = next
	}
}

func TestPurchase_InvalidQuantity(t *testing.T) {
	for _, qty := range []int{0, -1} {
		orig := validSub()
		got, _, err := Purchase(orig, qty, types.CycleMonthly)
		if err == nil {
			t.Fatalf("Purchase(%d) succeeded, want error", qty)
		}
		assertCode(t, err, types.ErrCodeValidationInvalidQuantity)
		if got != orig {
			t.Errorf("failed Purchase mutated the subscription: %+v", got)
		}
	}
}

func TestPurchase_NotPurchasable(t *testing.T) {
	for _, status := range []types.SubscriptionStatus{types.SubStatusPastDue, types.SubStatusCanceled} {
		sub := validSub()
		sub.Status = status
		_, _, err := Purchase(sub, 1, types.CycleMonthly)
		if err == nil {
			t.Fatalf("Purchase with status %s succeeded, want error", status)
		}
		assertCode(t, err, types.ErrCodeBillingNotPurchasable)
	}
}

func TestPurchase_TrialingAllowed(t *testing.T) {
	sub := validSub()
	sub.Status = types.SubStatusTrialing
	got, _, err := Purchase(sub, 2, types.CycleMonthly)
	if err != nil {
		t.Fatalf("Purchase while trialing returned error: %v", err)
	}
	if got.TotalSeats != 12 {
		t.Errorf("TotalSeats = %d, want 12", got.TotalSeats)
	}
}

// TestReserveThenActivate is the literal reserve/activate scenario on
// {available:4, reserved:1, used:5, total:10}.
func TestReserveThenActivate(t *testing.T) {
	sub, err := ReserveSeat(validSub())
	if err != nil {
		t.Fatalf("ReserveSeat returned error: %v", err)
	}
	if sub.AvailableSeats != 3 || sub.ReservedSeats != 2 || sub.UsedSeats != 5 {
		t.Fatalf("after reserve: available=%d reserved=%d used=%d, want 3/2/5",
			sub.AvailableSeats, sub.ReservedSeats, sub.UsedSeats)
	}

	sub, err = ActivateSeat(sub)
	if err != nil {
		t.Fatalf("ActivateSeat returned error: %v", err)
	}
	if sub.AvailableSeats != 3 || sub.ReservedSeats != 1 || sub.UsedSeats != 6 {
		t.Fatalf("after activate: available=%d reserved=%d used=%d, want 3/1/6",
			sub.AvailableSeats, sub.ReservedSeats, sub.UsedSeats)
	}
	// Cost follows the occupied count: 99 + 6*49.
	if sub.TotalMonthlyCost != 9900+6*4900 {
		t.Errorf("TotalMonthlyCost = %d, want %d", sub.TotalMonthlyCost, 9900+6*4900)
	}
}

func TestReserveSeat_NoneAvailable(t *testing.T) {
	orig := validSub()
	orig.AvailableSeats = 0
	orig.UsedSeats = 9
	got, err := ReserveSeat(orig)
	if err == nil {
		t.Fatal("ReserveSeat with no available seats succeeded, want error")
	}
	assertCode(t, err, types.ErrCodeLimitNoAvailableSeats)
	if got != orig {
		t.Errorf("failed ReserveSeat mutated the subscription: %+v", got)
	}
}

func TestActivateSeat_NoneReserved(t *testing.T) {
	sub := validSub()
	sub.ReservedSeats = 0
	sub.AvailableSeats = 5
	_, err := ActivateSeat(sub)
	if err == nil {
		t.Fatal("ActivateSeat with no reservation succeeded, want error")
	}
	assertCode(t, err, types.ErrCodeLimitNoReservedSeat)
}

func TestReleaseSeat(t *testing.T) {
	sub, err := ReleaseSeat(validSub())
	if err != nil {
		t.Fatalf("ReleaseSeat returned error: %v", err)
	}
	if sub.UsedSeats != 4 || sub.AvailableSeats != 5 {
		t.Errorf("after release: used=%d available=%d, want 4/5", sub.UsedSeats, sub.AvailableSeats)
	}
	if sub.TotalMonthlyCost != 9900+4*4900 {
		t.Errorf("TotalMonthlyCost = %d, want %d", sub.TotalMonthlyCost, 9900+4*4900)
	}
}

func TestReleaseSeat_NoneUsed(t *testing.T) {
	sub := validSub()
	sub.UsedSeats = 0
	sub.AvailableSeats = 9
	_, err := ReleaseSeat(sub)
	if err == nil {
		t.Fatal("ReleaseSeat with no occupied seats succeeded, want error")
	}
	assertCode(t, err, types.ErrCodeLimitNoActiveSeat)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name         string
		used, total  int
		available    int
		reserved     int
		wantPct      float64
		wantWarning  bool
		wantCritical bool
	}{
		{"eighty percent", 8, 10, 2, 0, 80.0, true, false},
		{"half", 5, 10, 4, 1, 50.0, false, false},
		{"full", 10, 10, 0, 0, 100.0, true, true},
		{"empty firm", 0, 0, 0, 0, 0.0, false, true},
		{"reserved only", 0, 3, 2, 1, 0.0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := types.FirmSubscription{
				TotalSeats:     tt.total,
				UsedSeats:      tt.used,
				AvailableSeats: tt.available,
				ReservedSeats:  tt.reserved,
			}
			got := Summarize(sub)
			if got.UtilizationPercentage != tt.wantPct {
				t.Errorf("UtilizationPercentage = %v, want %v", got.UtilizationPercentage, tt.wantPct)
			}
			if got.WarningThreshold != tt.wantWarning {
				t.Errorf("WarningThreshold = %v, want %v", got.WarningThreshold, tt.wantWarning)
			}
			if got.CriticalThreshold != tt.wantCritical {
				t.Errorf("CriticalThreshold = %v, want %v", got.CriticalThreshold, tt.wantCritical)
			}
		})
	}
}

// TestInvariant_RandomOperationSequences drives the ledger through random
// operation sequences and verifies total == used + available + reserved
// after every successful call.
func TestInvariant_RandomOperationSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		sub := validSub()
		for step := 0; step < 200; step++ {
			var err error
			var next types.FirmSubscription
			switch rng.Intn(4) {
			case 0:
				next, _, err = Purchase(sub, 1+rng.Intn(3), types.CycleMonthly)
			case 1:
				next, err = ReserveSeat(sub)
			case 2:
				next, err = ActivateSeat(sub)
			case 3:
				next, err = ReleaseSeat(sub)
			}
			if err != nil {
				// Rejected operations must leave the record untouched.
				continue
			}
			sub = next
			if sub.TotalSeats != sub.UsedSeats+sub.AvailableSeats+sub.ReservedSeats {
				t.Fatalf("run %d step %d: invariant broken: total=%d used=%d available=%d reserved=%d",
					run, step, sub.TotalSeats, sub.UsedSeats, sub.AvailableSeats, sub.ReservedSeats)
			}
			if sub.TotalMonthlyCost != sub.BasePrice+int64(sub.UsedSeats)*sub.PerSeatPrice {
				t.Fatalf("run %d step %d: monthly cost drifted from derivation", run, step)
			}
		}
	}
}

func TestCheckInvariant_CorruptInput(t *testing.T) {
	sub := validSub()
	sub.TotalSeats = 11 // counters no longer sum
	_, err := ReserveSeat(sub)
	if err == nil {
		t.Fatal("ReserveSeat on corrupt record succeeded, want invariant error")
	}
	assertCode(t, err, types.ErrCodeInternalSeatInvariant)
}
