package costs

import (
	"strings"

	"github.com/storypeak/storypeak/internal/pkg/env"
)

// Metered action types. The HTTP surface rejects anything outside this
// table up front; Cost still floors unrecognized actions at DefaultCost for
// in-process callers that skip that gate.
const (
	ActionStoryGeneration = "story_generation"
	ActionEpicGeneration  = "epic_generation"
	ActionDocAnalysis     = "doc_analysis"
	ActionAIChat          = "ai_chat"
	ActionAcceptanceCrit  = "acceptance_criteria"
)

// DefaultCost applies to action types missing from the table.
const DefaultCost int64 = 1

var defaultTable = map[string]int64{
	ActionStoryGeneration: 2,
	ActionEpicGeneration:  5,
	ActionDocAnalysis:     10,
	ActionAIChat:          1,
	ActionAcceptanceCrit:  1,
}

// Cost returns the action's cost in allowance units. Pricing configuration
// may override any entry via COST_<ACTION_TYPE> environment settings.
func Cost(actionType string) int64 {
	action := strings.ToLower(strings.TrimSpace(actionType))
	base, ok := defaultTable[action]
	if !ok {
		base = DefaultCost
	}
	override := env.GetEnvInt("COST_"+strings.ToUpper(action), -1)
	if override >= 0 {
		return int64(override)
	}
	return base
}

// Known reports whether the action type is in the static table.
func Known(actionType string) bool {
	_, ok := defaultTable[strings.ToLower(strings.TrimSpace(actionType))]
	return ok
}
