package app

import (
	"testing"
	"time"

	"github.com/soutien/donation-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCalculateReputationScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   ReputationInput
		want int
	}{
		{
			name: "new donor with nothing",
			in:   ReputationInput{Role: domain.RoleDonor, MemberSince: now},
			want: 0,
		},
		{
			name: "donor terms",
			// 3*2 + 450/100 + 25/10 = 6 + 4 + 2
			in:   ReputationInput{Role: domain.RoleDonor, DonationsCount: 3, DonationsTotal: 450_00, VolunteerHours: 25, MemberSince: now},
			want: 12,
		},
		{
			name: "donor caps each term before summing",
			// 50 + 30 + 20 + 20 + 15 clamps to 100
			in: ReputationInput{
				Role:           domain.RoleDonor,
				DonationsCount: 1_000,
				DonationsTotal: 1_000_000_00,
				VolunteerHours: 5_000,
				BadgeCount:     9,
				MemberSince:    now.AddDate(-5, 0, 0),
			},
			want: 100,
		},
		{
			name: "beneficiary base and requests",
			// 2*5 + 10
			in:   ReputationInput{Role: domain.RoleBeneficiary, AssistanceRequestCount: 2, MemberSince: now},
			want: 20,
		},
		{
			name: "beneficiary request term caps at 30",
			in:   ReputationInput{Role: domain.RoleBeneficiary, AssistanceRequestCount: 40, MemberSince: now},
			want: 40,
		},
		{
			name: "beneficiary ignores donor counters",
			in:   ReputationInput{Role: domain.RoleBeneficiary, DonationsCount: 100, DonationsTotal: 10_000_00, MemberSince: now},
			want: 10,
		},
		{
			name: "tenure counts whole 30-day months",
			in:   ReputationInput{Role: domain.RoleDonor, MemberSince: now.Add(-89 * 24 * time.Hour)},
			want: 2,
		},
		{
			name: "future member since counts zero",
			in:   ReputationInput{Role: domain.RoleDonor, MemberSince: now.Add(48 * time.Hour)},
			want: 0,
		},
		{
			name: "badges cap at 15",
			in:   ReputationInput{Role: domain.RoleAdmin, BadgeCount: 12, MemberSince: now},
			want: 15,
		},
		{
			name: "negative inputs contribute nothing",
			in:   ReputationInput{Role: domain.RoleDonor, DonationsCount: -4, DonationsTotal: -100, VolunteerHours: -1, BadgeCount: -2, MemberSince: now},
			want: 0,
		},
		{
			name: "extreme counts do not overflow",
			in:   ReputationInput{Role: domain.RoleDonor, DonationsCount: 1 << 62, BadgeCount: 1 << 62, MemberSince: now},
			want: 65,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateReputationScore(tc.in, now)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestCalculateReputationScoreIsDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := ReputationInput{Role: domain.RoleDonor, DonationsCount: 7, DonationsTotal: 1_234_00, VolunteerHours: 33, BadgeCount: 1, MemberSince: now.AddDate(0, -7, 0)}
	first := CalculateReputationScore(in, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, CalculateReputationScore(in, now))
	}
}

func TestToLedgerAmount(t *testing.T) {
	got, err := ToLedgerAmount(10_00, "eur")
	assert.NoError(t, err)
	// 10 EUR = 200 HBAR
	assert.Equal(t, int64(200*tinybarsPerHbar), got)

	_, err = ToLedgerAmount(0, "EUR")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ToLedgerAmount(100, "XAU")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = ToLedgerAmount(1<<62, "EUR")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, "EUR", NormalizeCurrency(" "))
}
