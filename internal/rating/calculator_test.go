package rating

import "testing"

func testCalculator() *Calculator {
	return NewCalculatorWithDefaults(RateCard{PerMinuteCents: 15, NumberFeeCents: 200})
}

func TestCallCostRoundsUpToWholeMinutes(t *testing.T) {
	c := testCalculator()

	cases := []struct {
		seconds int64
		want    int64
	}{
		{-5, 0},   // failed leg reported with negative duration
		{0, 0},    // never connected, never billed
		{1, 15},   // one-minute minimum
		{59, 15},  // partial minute rounds up
		{60, 15},  // exact boundary
		{61, 30},  // one second over rolls to the next minute
		{119, 30}, // still two minutes
		{120, 30},
		{3600, 900},
	}
	for _, tc := range cases {
		if got := c.CallCost(tc.seconds, nil); got != tc.want {
			t.Errorf("CallCost(%d) = %d, want %d", tc.seconds, got, tc.want)
		}
	}
}

func TestCallCostUsesTenantOverride(t *testing.T) {
	c := testCalculator()
	if got := c.CallCost(90, &RateCard{PerMinuteCents: 25}); got != 50 {
		t.Fatalf("expected 2 minutes at tenant rate = 50, got %d", got)
	}
}

func TestCallCostIgnoresZeroOverride(t *testing.T) {
	c := testCalculator()
	if got := c.CallCost(60, &RateCard{PerMinuteCents: 0}); got != 15 {
		t.Fatalf("zero override should fall back to default rate, got %d", got)
	}
}

func TestNumberFee(t *testing.T) {
	c := testCalculator()
	if got := c.NumberFee(nil); got != 200 {
		t.Fatalf("default number fee = %d, want 200", got)
	}
	if got := c.NumberFee(&RateCard{NumberFeeCents: 350}); got != 350 {
		t.Fatalf("tenant number fee = %d, want 350", got)
	}
}
