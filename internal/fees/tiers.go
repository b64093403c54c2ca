// Package fees applies the subscription-tier fee schedule to gross revenue.
package fees

// Tier enumerates subscription tiers. Tiers are totally ordered by
// decreasing fee percentage: free is the ceiling, enterprise the floor.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierPro        Tier = "pro"
	TierLabel      Tier = "label"
	TierEnterprise Tier = "enterprise"
)

// Schedule holds platform and distribution fee percentages per tier.
type Schedule struct {
	PlatformPct     map[Tier]float64
	DistributionPct map[Tier]float64
}

// DefaultSchedule returns the built-in fee schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		PlatformPct: map[Tier]float64{
			TierFree:       0.20,
			TierStandard:   0.15,
			TierPro:        0.10,
			TierLabel:      0.07,
			TierEnterprise: 0.05,
		},
		DistributionPct: map[Tier]float64{
			TierFree:       0.10,
			TierStandard:   0.09,
			TierPro:        0.07,
			TierLabel:      0.05,
			TierEnterprise: 0.03,
		},
	}
}

// Breakdown is the result of applying the schedule to a gross amount.
type Breakdown struct {
	GrossRevenue    float64
	PlatformFee     float64
	DistributionFee float64
	NetRevenue      float64
}

// Savings compares a tier's fee load against the free tier. Purely derived,
// used for upsell messaging only.
type Savings struct {
	Tier       Tier
	FeesAtTier float64
	FeesAtFree float64
	Saved      float64
	SavedPct   float64
}

// Apply computes platform and distribution fees for the tier. Unknown tiers
// are charged like free, the most expensive schedule.
func (s Schedule) Apply(gross float64, tier Tier) Breakdown {
	platformPct, ok := s.PlatformPct[tier]
	if !ok {
		platformPct = s.PlatformPct[TierFree]
	}
	distributionPct, ok := s.DistributionPct[tier]
	if !ok {
		distributionPct = s.DistributionPct[TierFree]
	}
	platform := gross * platformPct
	distribution := gross * distributionPct
	return Breakdown{
		GrossRevenue:    gross,
		PlatformFee:     platform,
		DistributionFee: distribution,
		NetRevenue:      gross - platform - distribution,
	}
}

// SavingsVsFree reports how much less the tier pays in fees than free would.
func (s Schedule) SavingsVsFree(gross float64, tier Tier) Savings {
	atTier := s.Apply(gross, tier)
	atFree := s.Apply(gross, TierFree)
	tierFees := atTier.PlatformFee + atTier.DistributionFee
	freeFees := atFree.PlatformFee + atFree.DistributionFee
	saved := freeFees - tierFees
	pct := 0.0
	if freeFees > 0 {
		pct = saved / freeFees * 100
	}
	return Savings{Tier: tier, FeesAtTier: tierFees, FeesAtFree: freeFees, Saved: saved, SavedPct: pct}
}
