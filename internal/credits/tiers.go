package credits

// DefaultDailyCredits is the free-tier allotment and the fallback for
// records whose tier can no longer be resolved.
const DefaultDailyCredits = 15

var dailyAllotments = map[UserType]map[Tier]int{
	UserTypeCouple: {
		TierFree:    DefaultDailyCredits,
		TierBasic:   40,
		TierPremium: 100,
	},
	UserTypePlanner: {
		TierFree:         DefaultDailyCredits,
		TierBasic:        60,
		TierPremium:      150,
		TierProfessional: 400,
	},
}

// DailyAllotment returns the daily credits granted to a user type on a tier.
// The boolean is false when the combination is not offered.
func DailyAllotment(userType UserType, tier Tier) (int, bool) {
	tiers, ok := dailyAllotments[userType]
	if !ok {
		return 0, false
	}
	allotment, ok := tiers[tier]
	return allotment, ok
}

// DailyAllotmentOrDefault resolves the allotment, falling back to the free tier.
func DailyAllotmentOrDefault(userType UserType, tier Tier) int {
	if allotment, ok := DailyAllotment(userType, tier); ok {
		return allotment
	}
	return DefaultDailyCredits
}

// ValidatePlan checks that a user type and tier form an offered plan.
func ValidatePlan(userType UserType, tier Tier) error {
	if _, ok := DailyAllotment(userType, tier); !ok {
		return Validationf("tier %q is not available for user type %q", tier, userType)
	}
	return nil
}
