package billing

import (
	"testing"
	"time"

	"firmdesk/internal/types"
)

func prorationSub() types.FirmSubscription {
	sub := validSub()
	// 30-day period for round fractions.
	sub.CurrentPeriodStart = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub.CurrentPeriodEnd = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return sub
}

func TestProratedCharge_MidPeriod(t *testing.T) {
	sub := prorationSub()
	// Half the period remains: 15 of 30 days.
	now := time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC)

	got := ProratedCharge(sub, 2, types.CycleMonthly, now)
	want := int64(6500) // 2 * 6500 * 0.5
	if got != want {
		t.Errorf("ProratedCharge = %d, want %d", got, want)
	}
}

func TestProratedCharge_YearlyUsesYearlyRate(t *testing.T) {
	sub := prorationSub()
	now := time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC)

	got := ProratedCharge(sub, 2, types.CycleYearly, now)
	want := int64(4500) // 2 * 4500 * 0.5
	if got != want {
		t.Errorf("ProratedCharge = %d, want %d", got, want)
	}
}

func TestProratedCharge_StartOfPeriod(t *testing.T) {
	sub := prorationSub()
	got := ProratedCharge(sub, 1, types.CycleMonthly, sub.CurrentPeriodStart)
	if got != 6500 {
		t.Errorf("ProratedCharge at period start = %d, want full 6500", got)
	}
}

func TestProratedCharge_BeforePeriodClampsToFullMonth(t *testing.T) {
	sub := prorationSub()
	before := sub.CurrentPeriodStart.AddDate(0, 0, -10)
	got := ProratedCharge(sub, 1, types.CycleMonthly, before)
	if got != 6500 {
		t.Errorf("ProratedCharge before period = %d, want 6500", got)
	}
}

func TestProratedCharge_PeriodOver(t *testing.T) {
	sub := prorationSub()
	got := ProratedCharge(sub, 3, types.CycleMonthly, sub.CurrentPeriodEnd)
	if got != 0 {
		t.Errorf("ProratedCharge at period end = %d, want 0", got)
	}
}

func TestProratedCharge_DegenerateInputs(t *testing.T) {
	sub := prorationSub()
	now := time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC)

	if got := ProratedCharge(sub, 0, types.CycleMonthly, now); got != 0 {
		t.Errorf("zero quantity charged %d", got)
	}

	sub.CurrentPeriodEnd = sub.CurrentPeriodStart
	if got := ProratedCharge(sub, 1, types.CycleMonthly, now); got != 0 {
		t.Errorf("empty period charged %d", got)
	}
}
