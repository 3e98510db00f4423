package config

import (
	"strconv"
	"strings"
)

// BillingConfig holds billing-related configuration.
type BillingConfig struct {
	// CreditsPerUSD converts payment amounts to credits when a credit pack
	// carries no explicit credit count (1,000 in the reference deployment).
	CreditsPerUSD uint64

	// DefaultAllowance is the monthly credit allowance for a plan not listed below.
	DefaultAllowance uint64

	// PlanAllowance maps a subscription plan (Stripe price lookup key or Clerk
	// plan slug) to its monthly credit allowance.
	PlanAllowance map[string]uint64
}

// DefaultBillingConfig returns the default billing configuration.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreditsPerUSD:    1000,
		DefaultAllowance: 10_000,
		PlanAllowance: map[string]uint64{
			"pro":         10_000, // $10 of a $12 plan
			"tier_v1_pro": 10_000,
			"max":         40_000,
		},
	}
}

// LoadBillingConfig applies env overrides to the defaults.
// PLAN_ALLOWANCES is a comma-separated list of plan=credits pairs.
func LoadBillingConfig() BillingConfig {
	c := DefaultBillingConfig()
	c.CreditsPerUSD = getEnvUint("CREDITS_PER_USD", c.CreditsPerUSD)
	c.DefaultAllowance = getEnvUint("DEFAULT_MONTHLY_ALLOWANCE", c.DefaultAllowance)

	for _, pair := range getEnvSlice("PLAN_ALLOWANCES", nil) {
		plan, credits, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(credits), 10, 64)
		if err != nil {
			continue
		}
		c.PlanAllowance[strings.TrimSpace(plan)] = v
	}
	return c
}

// AllowanceFor returns the monthly credit allowance for a plan.
func (c *BillingConfig) AllowanceFor(plan string) uint64 {
	if v, ok := c.PlanAllowance[plan]; ok {
		return v
	}
	return c.DefaultAllowance
}

// CreditsForCents converts a payment amount in cents to credits, rounding down.
func (c *BillingConfig) CreditsForCents(cents int64) uint64 {
	if cents <= 0 {
		return 0
	}
	return uint64(cents) * c.CreditsPerUSD / 100
}
