// Package rating converts telephony usage into charge amounts. All money
// is integer minor units (cents); no floats anywhere in the pipeline.
package rating

import (
	"bursar/pkg/config"
)

// RateCard holds the per-tenant prices. Zero-valued fields fall back to
// the platform defaults at evaluation time.
type RateCard struct {
	PerMinuteCents int64
	NumberFeeCents int64
}

// Calculator prices usage events. Platform default rates come from the
// environment once at construction; tenant overrides are applied per call.
type Calculator struct {
	defaults RateCard
}

func NewCalculator() *Calculator {
	return &Calculator{
		defaults: RateCard{
			PerMinuteCents: config.GetEnvInt64("RATE_PER_MINUTE_CENTS", 15),
			NumberFeeCents: config.GetEnvInt64("RATE_NUMBER_FEE_CENTS", 200),
		},
	}
}

// NewCalculatorWithDefaults is for callers that already resolved platform
// rates, primarily tests.
func NewCalculatorWithDefaults(defaults RateCard) *Calculator {
	return &Calculator{defaults: defaults}
}

func (c *Calculator) resolve(card *RateCard) RateCard {
	resolved := c.defaults
	if card != nil {
		if card.PerMinuteCents > 0 {
			resolved.PerMinuteCents = card.PerMinuteCents
		}
		if card.NumberFeeCents > 0 {
			resolved.NumberFeeCents = card.NumberFeeCents
		}
	}
	return resolved
}

// CallCost prices a completed call. Duration is billed in whole minutes,
// rounded up, with a one-minute minimum for any connected call. Zero and
// negative durations cost nothing; some providers report negative values
// for call legs that never connected.
func (c *Calculator) CallCost(durationSeconds int64, card *RateCard) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	minutes := (durationSeconds + 59) / 60
	return minutes * c.resolve(card).PerMinuteCents
}

// NumberFee prices a phone number provisioning event.
func (c *Calculator) NumberFee(card *RateCard) int64 {
	return c.resolve(card).NumberFeeCents
}
