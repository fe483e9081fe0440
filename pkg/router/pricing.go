package router

import (
	"fmt"

	"github.com/zen-systems/flowroute/pkg/adapter"
	"github.com/zen-systems/flowroute/pkg/task"
)

// PricingSnapshot is an immutable pricing version. Route loads exactly one
// snapshot per request.
type PricingSnapshot struct {
	Version       string
	MarkupPercent float64
	// BudgetTiers maps a budget tier name to a per-unit ceiling. Zero
	// means unlimited.
	BudgetTiers map[string]float64
}

// UnitPrice applies the markup to a provider's base cost per unit.
func (p *PricingSnapshot) UnitPrice(costPerUnit float64) float64 {
	return costPerUnit * (1 + p.MarkupPercent/100)
}

// Cost prices units at the marked-up rate.
func (p *PricingSnapshot) Cost(units, costPerUnit float64) float64 {
	return units * p.UnitPrice(costPerUnit)
}

// Ceiling resolves the per-unit budget for req. An explicit MaxUnitCost
// wins over the budget tier.
func (p *PricingSnapshot) Ceiling(req task.Request) (float64, error) {
	if req.MaxUnitCost > 0 {
		return req.MaxUnitCost, nil
	}
	if req.BudgetTier == "" {
		return 0, nil
	}
	ceiling, ok := p.BudgetTiers[req.BudgetTier]
	if !ok {
		return 0, &ValidationError{Field: "budget_tier", Reason: fmt.Sprintf("unknown budget tier %q", req.BudgetTier)}
	}
	return ceiling, nil
}

// Units converts token usage to billable units of a thousand tokens. When
// the provider reported nothing, tokens are estimated from the text.
func Units(usage *adapter.Usage, prompt, completion string) float64 {
	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
		if tokens == 0 {
			tokens = usage.PromptTokens + usage.CompletionTokens
		}
	}
	if tokens == 0 {
		tokens = adapter.EstimateTokens(prompt) + adapter.EstimateTokens(completion)
	}
	return float64(tokens) / 1000
}
