package costs

import (
	"testing"

	"github.com/storypeak/storypeak/internal/pkg/env"
)

func TestCostTable(t *testing.T) {
	tests := []struct {
		action string
		want   int64
	}{
		{action: "story_generation", want: 2},
		{action: "epic_generation", want: 5},
		{action: "doc_analysis", want: 10},
		{action: "ai_chat", want: 1},
		{action: " AI_CHAT ", want: 1},
		{action: "brand_new_action", want: DefaultCost},
	}

	for _, tt := range tests {
		if got := Cost(tt.action); got != tt.want {
			t.Fatalf("Cost(%q) = %d, want %d", tt.action, got, tt.want)
		}
	}
}

func TestCostEnvOverride(t *testing.T) {
	t.Setenv("COST_DOC_ANALYSIS", "25")
	env.Env = nil

	if got := Cost("doc_analysis"); got != 25 {
		t.Fatalf("Cost(doc_analysis) = %d, want env override 25", got)
	}
}

func TestKnown(t *testing.T) {
	if !Known("story_generation") {
		t.Fatalf("expected story_generation to be known")
	}
	if Known("mystery_action") {
		t.Fatalf("expected mystery_action to be unknown")
	}
}
