package app

import (
	"time"

	"github.com/soutien/donation-service/internal/domain"
)

const (
	maxReputation   = 100
	reputationMonth = 30 * 24 * time.Hour
)

// ReputationInput is everything the score depends on.
type ReputationInput struct {
	Role                   domain.Role
	DonationsCount         int64
	DonationsTotal         int64 // in cents
	VolunteerHours         int64
	AssistanceRequestCount int64
	BadgeCount             int64
	MemberSince            time.Time
}

// CalculateReputationScore returns a score in [0, 100]. Every term is capped on its own
// before the sum is clamped; negative inputs contribute nothing.
//
// Donors earn up to 50 for donation count, 30 for total donated (one point per 100 in
// currency units) and 20 for volunteer hours. Beneficiaries earn up to 30 for requests
// plus a flat 10. Everyone earns up to 20 for tenure in 30-day months and 15 for badges.
func CalculateReputationScore(in ReputationInput, now time.Time) int {
	var score int64

	switch in.Role {
	case domain.RoleDonor:
		score += cappedProduct(in.DonationsCount, 2, 50)
		score += cappedQuotient(in.DonationsTotal, 100*100, 30)
		score += cappedQuotient(in.VolunteerHours, 10, 20)
	case domain.RoleBeneficiary:
		score += cappedProduct(in.AssistanceRequestCount, 5, 30)
		score += 10
	}

	score += cappedQuotient(monthsBetween(in.MemberSince, now), 1, 20)
	score += cappedProduct(in.BadgeCount, 3, 15)

	if score < 0 {
		return 0
	}
	if score > maxReputation {
		return maxReputation
	}
	return int(score)
}

func reputationInputFor(u *domain.User, requestCount, badgeCount int64) ReputationInput {
	return ReputationInput{
		Role:                   u.Role,
		DonationsCount:         u.DonationsCount,
		DonationsTotal:         u.DonationsTotal,
		VolunteerHours:         u.VolunteerHours,
		AssistanceRequestCount: requestCount,
		BadgeCount:             badgeCount,
		MemberSince:            u.MemberSince,
	}
}

// cappedProduct returns min(value*factor, limit) without overflowing.
func cappedProduct(value, factor, limit int64) int64 {
	if value <= 0 {
		return 0
	}
	if value > limit/factor {
		return limit
	}
	return min(value*factor, limit)
}

// cappedQuotient returns min(value/divisor, limit).
func cappedQuotient(value, divisor, limit int64) int64 {
	if value <= 0 {
		return 0
	}
	return min(value/divisor, limit)
}

func monthsBetween(since, now time.Time) int64 {
	if since.IsZero() || !now.After(since) {
		return 0
	}
	return int64(now.Sub(since) / reputationMonth)
}
