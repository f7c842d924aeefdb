package entitlements

import (
	"testing"

	"github.com/storypeak/storypeak/app/models"
)

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{in: "free", want: TierFree},
		{in: "starter", want: TierStarter},
		{in: "pro", want: TierPro},
		{in: "TEAM", want: TierTeam},
		{in: " enterprise ", want: TierEnterprise},
		{in: "invalid", want: TierFree},
	}

	for _, tt := range tests {
		if got := NormalizeTier(tt.in); got != tt.want {
			t.Fatalf("NormalizeTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierRankOrdering(t *testing.T) {
	order := []Tier{TierFree, TierStarter, TierPro, TierTeam, TierEnterprise}
	for i := 1; i < len(order); i++ {
		if TierRank(order[i-1]) >= TierRank(order[i]) {
			t.Fatalf("expected %s to outrank %s", order[i], order[i-1])
		}
	}
}

func TestCalculateAllowancePooled(t *testing.T) {
	sub := &models.Subscription{Tier: "team", SeatCount: 5}

	allowance, carried := CalculateAllowance(sub, nil)
	if allowance != 2000+5*500 {
		t.Fatalf("pooled allowance = %d, want %d", allowance, 2000+5*500)
	}
	if carried != 0 {
		t.Fatalf("carried = %d, want 0", carried)
	}
}

func TestCalculateAllowanceNonPooled(t *testing.T) {
	sub := &models.Subscription{Tier: "pro", SeatCount: 10}

	allowance, _ := CalculateAllowance(sub, nil)
	if allowance != 800 {
		t.Fatalf("non-pooled allowance = %d, want 800 regardless of seats", allowance)
	}
}

func TestCalculateAllowanceRollover(t *testing.T) {
	sub := &models.Subscription{Tier: "pro"}
	prev := &models.UsagePeriod{Allowance: 100, Used: 60}
	// pro rollover is 20%; override to match through the subscription row.
	sub.RolloverPercent = 20

	allowance, carried := CalculateAllowance(sub, prev)
	if carried != 8 {
		t.Fatalf("carried = %d, want floor(40*0.20) = 8", carried)
	}
	if allowance != 800+8 {
		t.Fatalf("allowance = %d, want 808", allowance)
	}
}

func TestCalculateAllowanceRolloverNeverNegative(t *testing.T) {
	sub := &models.Subscription{Tier: "pro", RolloverPercent: 20}
	prev := &models.UsagePeriod{Allowance: 100, Used: 150}

	allowance, carried := CalculateAllowance(sub, prev)
	if carried != 0 {
		t.Fatalf("carried = %d, want 0 when the previous period overspent", carried)
	}
	if allowance != 800 {
		t.Fatalf("allowance = %d, want 800", allowance)
	}
}

func TestEffectiveConfigOverrides(t *testing.T) {
	cap := int64(900)
	sub := &models.Subscription{Tier: "team", SoftCapPerUser: &cap, RolloverPercent: 50}

	cfg := EffectiveConfig(sub)
	if cfg.SoftCapPerUser != 900 {
		t.Fatalf("soft cap = %d, want synced override 900", cfg.SoftCapPerUser)
	}
	if cfg.RolloverPercent != 50 {
		t.Fatalf("rollover = %d, want synced override 50", cfg.RolloverPercent)
	}
	if !cfg.Pooling {
		t.Fatalf("team tier must stay pooled")
	}
}

func TestIsEntitlingStatus(t *testing.T) {
	for _, status := range []string{"active", "trialing", "past_due"} {
		if !IsEntitlingStatus(status) {
			t.Fatalf("expected status %q to be entitling", status)
		}
	}
	for _, status := range []string{"canceled", "incomplete"} {
		if IsEntitlingStatus(status) {
			t.Fatalf("expected status %q to be non-entitling", status)
		}
	}
}
