package billing

import (
	"strings"

	"github.com/ManuelReschke/LingoBill/app/models"
)

func normalizeTier(tier string) string {
	switch strings.ToUpper(strings.TrimSpace(tier)) {
	case models.MemberTierPremium:
		return models.MemberTierPremium
	case models.MemberTierStandard:
		return models.MemberTierStandard
	default:
		return models.MemberTierBasic
	}
}

func tierRank(tier string) int {
	switch normalizeTier(tier) {
	case models.MemberTierPremium:
		return 2
	case models.MemberTierStandard:
		return 1
	default:
		return 0
	}
}

// isPurchasableTier reports whether tier names a paid tier.
func isPurchasableTier(tier string) bool {
	return tierRank(tier) > 0
}

func normalizePeriod(months int) int {
	switch months {
	case 1, 3, 6, 12:
		return months
	default:
		return 0
	}
}
