// Package billing provides plan management, the subscription lifecycle
// manager, and the payment service.
package billing

import (
	"fmt"

	"slideforge/internal/types"
)

// Plan describes one paid tier: what a 30-day cycle costs and how many
// generation credits it grants on each activation or renewal.
type Plan struct {
	Tier           types.Tier
	Price          int64 // minor currency units per 30-day cycle
	MonthlyCredits int64
}

// CreditPack is a purchasable one-off credit bundle. Purchased credits are
// permanent.
type CreditPack struct {
	Credits int64
	Price   int64 // minor currency units
}

// PlanRegistry is the authoritative price and allotment table. It is the
// single source of truth the payment service validates amounts against.
type PlanRegistry interface {
	// GetPlan returns the plan for a paid tier. Unknown or free tiers
	// are an error: there is nothing to charge for.
	GetPlan(tier types.Tier) (Plan, error)

	// GetCreditPack returns the pack whose price matches the given
	// amount, or an error if no published pack costs that much.
	GetCreditPack(amount int64) (CreditPack, error)
}

// staticPlanRegistry is a compile-time registry backed by in-memory maps.
// It implements PlanRegistry and is the standard production implementation.
type staticPlanRegistry struct {
	plans map[types.Tier]Plan
	packs map[int64]CreditPack
}

// Prices are KRW (a zero-decimal currency, so minor units equal whole won).
var planDefaults = map[types.Tier]Plan{
	types.TierPro: {
		Tier:           types.TierPro,
		Price:          9900,
		MonthlyCredits: 500,
	},
	types.TierPremium: {
		Tier:           types.TierPremium,
		Price:          29900,
		MonthlyCredits: 2000,
	},
}

var packDefaults = []CreditPack{
	{Credits: 100, Price: 3000},
	{Credits: 500, Price: 12000},
	{Credits: 2000, Price: 39000},
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded
// price table. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	plans := make(map[types.Tier]Plan, len(planDefaults))
	for k, v := range planDefaults {
		plans[k] = v
	}
	packs := make(map[int64]CreditPack, len(packDefaults))
	for _, p := range packDefaults {
		packs[p.Price] = p
	}
	return &staticPlanRegistry{plans: plans, packs: packs}
}

func (r *staticPlanRegistry) GetPlan(tier types.Tier) (Plan, error) {
	plan, ok := r.plans[tier]
	if !ok {
		return Plan{}, types.NewAppError(types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("tier %q is not a purchasable plan", tier), nil)
	}
	return plan, nil
}

func (r *staticPlanRegistry) GetCreditPack(amount int64) (CreditPack, error) {
	pack, ok := r.packs[amount]
	if !ok {
		return CreditPack{}, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("no credit pack is priced at %d", amount), nil)
	}
	return pack, nil
}
