package admission

import (
	"fmt"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Unbounded marks a tier without a concurrency ceiling.
const Unbounded = -1

// Limits maps each subscription tier to its maximum number of simultaneously running actions.
type Limits map[models.Tier]int

// DefaultLimits returns the stock tier ceilings.
func DefaultLimits() Limits {
	return Limits{
		models.TierFree:         2,
		models.TierStarter:      5,
		models.TierProfessional: 20,
		models.TierEnterprise:   Unbounded,
	}
}

// Validate requires every tier to be present and limits to be non-decreasing in tier order.
func (l Limits) Validate() error {
	prev := 0
	for i, tier := range models.Tiers {
		limit, ok := l[tier]
		if !ok {
			return fmt.Errorf("missing concurrency limit for tier %s", tier)
		}
		if limit < Unbounded {
			return fmt.Errorf("invalid concurrency limit %d for tier %s", limit, tier)
		}
		if i > 0 && prev == Unbounded && limit != Unbounded {
			return fmt.Errorf("tier %s limit %d is below unbounded tier %s", tier, limit, models.Tiers[i-1])
		}
		if i > 0 && prev != Unbounded && limit != Unbounded && limit < prev {
			return fmt.Errorf("tier %s limit %d is below tier %s limit %d", tier, limit, models.Tiers[i-1], prev)
		}
		prev = limit
	}
	return nil
}

// For returns the ceiling for tier. Unknown tiers get the free ceiling.
func (l Limits) For(tier models.Tier) int {
	if limit, ok := l[tier]; ok {
		return limit
	}
	return l[models.TierFree]
}

// FromStrings converts a tier-name keyed map (as read from configuration) and validates it.
// Tiers missing from raw keep their default.
func FromStrings(raw map[string]int) (Limits, error) {
	out := DefaultLimits()
	for name, limit := range raw {
		tier, err := models.ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[tier] = limit
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l Limits) clone() Limits {
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}
