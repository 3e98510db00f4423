package pricing

import (
	"fmt"
	"strings"
)

// Reasoning is the provider-facing reasoning configuration of a model.
// It is one of ReasoningEffort or ReasoningBudget, or nil for models without
// a reasoning mode. Resolved once when the catalog is loaded.
type Reasoning interface {
	isReasoning()
	String() string
}

// EffortLevel is a coarse reasoning setting.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

// ReasoningEffort selects reasoning by level.
type ReasoningEffort struct {
	Level EffortLevel
}

func (ReasoningEffort) isReasoning() {}

func (r ReasoningEffort) String() string { return "effort:" + string(r.Level) }

// ReasoningBudget selects reasoning by a thinking-token budget.
type ReasoningBudget struct {
	Tokens uint32
}

func (ReasoningBudget) isReasoning() {}

func (r ReasoningBudget) String() string { return fmt.Sprintf("budget:%d", r.Tokens) }

// resolveReasoning builds the variant from the flat file fields. Setting both is an error.
func resolveReasoning(effort string, budget uint32) (Reasoning, error) {
	effort = strings.ToLower(strings.TrimSpace(effort))
	switch {
	case effort != "" && budget > 0:
		return nil, fmt.Errorf("reasoning_effort and reasoning_budget_tokens are mutually exclusive")
	case budget > 0:
		return ReasoningBudget{Tokens: budget}, nil
	case effort == "":
		return nil, nil
	}

	switch level := EffortLevel(effort); level {
	case EffortLow, EffortMedium, EffortHigh:
		return ReasoningEffort{Level: level}, nil
	default:
		return nil, fmt.Errorf("unknown reasoning_effort %q", effort)
	}
}
