package entitlements

import (
	"github.com/storypeak/storypeak/app/models"
)

// EffectiveConfig merges the tier table with per-subscription overrides
// synced from the billing provider.
func EffectiveConfig(sub *models.Subscription) TierConfig {
	cfg := Config(NormalizeTier(sub.Tier))
	if sub.RolloverPercent > 0 {
		cfg.RolloverPercent = sub.RolloverPercent
	}
	if sub.SoftCapPerUser != nil {
		cfg.SoftCapPerUser = *sub.SoftCapPerUser
	}
	return cfg
}

// CalculateAllowance derives the usage allowance for a new billing period.
// prev is the immediately preceding period's row for the same scope, or nil
// when none exists. The returned carried amount is already included in
// allowance; callers freeze both into the new period row, so later tier or
// seat changes never rewrite a materialized period.
func CalculateAllowance(sub *models.Subscription, prev *models.UsagePeriod) (allowance int64, carried int64) {
	cfg := EffectiveConfig(sub)

	if cfg.Pooling {
		seats := int64(sub.SeatCount)
		if seats < 1 {
			seats = 1
		}
		allowance = cfg.BasePool + cfg.PerSeat*seats
	} else {
		allowance = cfg.FixedPerUser
	}

	if cfg.RolloverPercent > 0 && prev != nil {
		unused := prev.Allowance - prev.Used
		if unused > 0 {
			carried = unused * int64(cfg.RolloverPercent) / 100
			allowance += carried
		}
	}
	return allowance, carried
}

// SoftCapFor returns the per-user ceiling inside a pooled allowance, or 0
// when the tier has none or is not pooled.
func SoftCapFor(sub *models.Subscription) int64 {
	cfg := EffectiveConfig(sub)
	if !cfg.Pooling {
		return 0
	}
	return cfg.SoftCapPerUser
}

// IsPooled reports whether the subscription's allowance is shared across the
// organization.
func IsPooled(sub *models.Subscription) bool {
	return EffectiveConfig(sub).Pooling
}

// IsEntitlingStatus reports whether a subscription status grants usage.
func IsEntitlingStatus(status string) bool {
	switch status {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}
