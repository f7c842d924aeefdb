package entitlements

import "strings"

type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// TierConfig describes how a tier's AI-action allowance is computed. Pooled
// tiers share one organization-wide pool (base + per-seat); non-pooled tiers
// give each user a fixed individual allowance.
type TierConfig struct {
	Pooling         bool
	BasePool        int64
	PerSeat         int64
	FixedPerUser    int64
	RolloverPercent int
	SoftCapPerUser  int64 // 0 means no per-user cap inside the pool
}

var tierConfigs = map[Tier]TierConfig{
	TierFree: {
		FixedPerUser: 50,
	},
	TierStarter: {
		FixedPerUser: 300,
	},
	TierPro: {
		FixedPerUser:    800,
		RolloverPercent: 20,
	},
	TierTeam: {
		Pooling:         true,
		BasePool:        2000,
		PerSeat:         500,
		RolloverPercent: 20,
		SoftCapPerUser:  1500,
	},
	TierEnterprise: {
		Pooling:         true,
		BasePool:        10000,
		PerSeat:         1000,
		RolloverPercent: 30,
	},
}

// Config returns the tier's allowance configuration, defaulting to free for
// unknown tiers.
func Config(tier Tier) TierConfig {
	if cfg, ok := tierConfigs[tier]; ok {
		return cfg
	}
	return tierConfigs[TierFree]
}

// NormalizeTier maps arbitrary tier strings onto the closed tier set.
func NormalizeTier(tier string) Tier {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case string(TierStarter):
		return TierStarter
	case string(TierPro):
		return TierPro
	case string(TierTeam):
		return TierTeam
	case string(TierEnterprise):
		return TierEnterprise
	default:
		return TierFree
	}
}

// TierRank orders tiers for best-plan selection when an organization carries
// more than one entitling subscription.
func TierRank(tier Tier) int {
	switch tier {
	case TierEnterprise:
		return 4
	case TierTeam:
		return 3
	case TierPro:
		return 2
	case TierStarter:
		return 1
	default:
		return 0
	}
}
