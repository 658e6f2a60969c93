package providers

import (
	"testing"
	"time"
)

func TestUsageWindowTokenBudget(t *testing.T) {
	w := newUsageWindow()
	if !w.CanConsume(100, 1) {
		t.Fatal("fresh window should accept usage")
	}

	w.RecordUsage(w.tpm, 1)
	if w.CanConsume(1, 1) {
		t.Fatal("minute token budget should be exhausted")
	}

	w.lastMinuteReset = time.Now().Add(-2 * time.Minute)
	if !w.CanConsume(1, 1) {
		t.Fatal("minute window should reset after a minute")
	}
}

func TestUsageWindowRequestBudgets(t *testing.T) {
	w := newUsageWindow()
	w.RecordUsage(0, w.rpm)
	if w.CanConsume(0, 1) {
		t.Fatal("minute request budget should be exhausted")
	}

	// A minute reset does not refill the daily request budget.
	w = newUsageWindow()
	w.RecordUsage(0, w.rpd)
	w.lastMinuteReset = time.Now().Add(-2 * time.Minute)
	if w.CanConsume(0, 1) {
		t.Fatal("daily request budget should be exhausted")
	}

	w.lastDayReset = time.Now().Add(-25 * time.Hour)
	if !w.CanConsume(0, 1) {
		t.Fatal("daily window should reset after a day")
	}
}
