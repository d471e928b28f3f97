package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDonor(t *testing.T, repo *MemoryRepository) *domain.User {
	t.Helper()
	account := "0.0.1001"
	u := &domain.User{ID: uuid.New(), Email: "donor@example.com", Role: domain.RoleDonor, LedgerAccountID: &account}
	require.NoError(t, repo.CreateUser(context.Background(), u))
	return u
}

func seedSuccessfulDonation(t *testing.T, repo *MemoryRepository, donorID uuid.UUID, amount int64) *domain.Donation {
	t.Helper()
	ctx := context.Background()
	d := &domain.Donation{
		ID:             uuid.New(),
		DonorID:        donorID,
		BeneficiaryID:  uuid.New(),
		Amount:         amount,
		Currency:       "EUR",
		IdempotencyKey: uuid.NewString(),
		Status:         domain.DonationPending,
	}
	require.NoError(t, repo.CreateDonation(ctx, d))
	settled, err := repo.SettleDonation(ctx, d.ID, SettleDonationParams{Status: domain.DonationSuccess})
	require.NoError(t, err)
	return settled
}

func TestMemoryRepositoryStatsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	d := seedSuccessfulDonation(t, repo, donor.ID, 25_00)

	applied, err := repo.ApplyDonationToDonorStats(ctx, d.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyDonationToDonorStats(ctx, d.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, applied, "second application must be a no-op")

	stored, err := repo.FindUserByID(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.DonationsCount)
	assert.Equal(t, int64(25_00), stored.DonationsTotal)
}

func TestMemoryRepositoryConcurrentStatsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)

	const n = 20
	donations := make([]*domain.Donation, n)
	for i := range donations {
		donations[i] = seedSuccessfulDonation(t, repo, donor.ID, 10_00)
	}

	var wg sync.WaitGroup
	for _, d := range donations {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := repo.ApplyDonationToDonorStats(ctx, id, time.Now())
			assert.NoError(t, err)
		}(d.ID)
	}
	wg.Wait()

	stored, err := repo.FindUserByID(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), stored.DonationsCount)
	assert.Equal(t, int64(n*10_00), stored.DonationsTotal)
}

func TestMemoryRepositorySettleDonationIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	d := seedSuccessfulDonation(t, repo, donor.ID, 5_00)

	_, err := repo.SettleDonation(ctx, d.ID, SettleDonationParams{Status: domain.DonationFailed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDonationAlreadySettled))
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = repo.SettleDonation(ctx, uuid.New(), SettleDonationParams{Status: domain.DonationFailed})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemoryRepositoryFundingVersionAndMarker(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	d := seedSuccessfulDonation(t, repo, donor.ID, 5_00)

	req := &domain.AssistanceRequest{ID: uuid.New(), OwnerID: d.BeneficiaryID, Title: "wheelchair", Status: domain.RequestOpen}
	require.NoError(t, repo.CreateAssistanceRequest(ctx, req))

	stale := req.Version
	req.AmountRaised = 5_00
	req.Status = domain.RequestInProgress
	require.NoError(t, repo.UpdateAssistanceRequestFunding(ctx, req, stale, &d.ID, time.Now()))
	assert.Equal(t, stale+1, req.Version)

	err := repo.UpdateAssistanceRequestFunding(ctx, req, stale, nil, time.Now())
	assert.True(t, errors.Is(err, ErrVersionConflict))

	err = repo.UpdateAssistanceRequestFunding(ctx, req, req.Version, &d.ID, time.Now())
	assert.True(t, errors.Is(err, ErrEffectAlreadyApplied))
}

func TestMemoryRepositoryBadgeClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	owner := uuid.New()

	first := &domain.Badge{ID: uuid.New(), OwnerID: owner, Tier: domain.TierSilver, Status: domain.BadgePending}
	require.NoError(t, repo.ClaimBadge(ctx, first))

	second := &domain.Badge{ID: uuid.New(), OwnerID: owner, Tier: domain.TierSilver, Status: domain.BadgePending}
	assert.True(t, errors.Is(repo.ClaimBadge(ctx, second), ErrBadgeAlreadyClaimed))

	require.NoError(t, repo.ReleaseBadgeClaim(ctx, first.ID))
	require.NoError(t, repo.ClaimBadge(ctx, second))
}

func TestMemoryRepositoryListPendingDonations(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)

	pending := &domain.Donation{ID: uuid.New(), DonorID: donor.ID, BeneficiaryID: uuid.New(), Amount: 1_00, IdempotencyKey: "k-1", Status: domain.DonationPending}
	require.NoError(t, repo.CreateDonation(ctx, pending))
	seedSuccessfulDonation(t, repo, donor.ID, 1_00)

	got, err := repo.ListPendingDonations(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)

	got, err = repo.ListPendingDonations(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	dup := &domain.Donation{ID: uuid.New(), DonorID: donor.ID, IdempotencyKey: "k-1", Status: domain.DonationPending}
	assert.True(t, errors.Is(repo.CreateDonation(ctx, dup), ErrDuplicateIdempotencyKey))
}

func TestMemoryRepositoryIncompleteEffectsBackoff(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	failing := seedSuccessfulDonation(t, repo, donor.ID, 1_00)
	fresh := seedSuccessfulDonation(t, repo, donor.ID, 1_00)

	now := time.Now()
	query := IncompleteEffectsQuery{SettledBefore: now.Add(time.Minute), DueBy: now, MaxAttempts: 3, Limit: 10}

	got, err := repo.ListDonationsWithIncompleteEffects(ctx, query)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, failing.ID, got[0].ID)

	attempts, err := repo.RecordDonationEffectsFailure(ctx, failing.ID, "badge: mint rejected", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	got, err = repo.ListDonationsWithIncompleteEffects(ctx, query)
	require.NoError(t, err)
	require.Len(t, got, 1, "a backed off donation is not due yet")
	assert.Equal(t, fresh.ID, got[0].ID)

	later := query
	later.SettledBefore = now.Add(10 * time.Minute)
	later.DueBy = now.Add(10 * time.Minute)
	got, err = repo.ListDonationsWithIncompleteEffects(ctx, later)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh.ID, got[0].ID, "the retried donation queues behind the rest")
	assert.Equal(t, failing.ID, got[1].ID)

	later.Limit = 1
	got, err = repo.ListDonationsWithIncompleteEffects(ctx, later)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)

	later.Limit = 10
	later.MaxAttempts = 1
	got, err = repo.ListDonationsWithIncompleteEffects(ctx, later)
	require.NoError(t, err)
	require.Len(t, got, 1, "donations out of attempts are parked")
	assert.Equal(t, fresh.ID, got[0].ID)

	require.NoError(t, repo.MarkDonationEffectsCompleted(ctx, fresh.ID, now))
	got, err = repo.ListDonationsWithIncompleteEffects(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = repo.RecordDonationEffectsFailure(ctx, uuid.New(), "x", now)
	assert.True(t, errors.Is(err, ErrDonationNotFound))
}

func TestMemoryRepositorySkipDonationFunding(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	d := seedSuccessfulDonation(t, repo, donor.ID, 5_00)

	require.NoError(t, repo.SkipDonationFunding(ctx, d.ID, "request cancelled", time.Now()))
	stored, err := repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.FundingAppliedAt)
	require.NotNil(t, stored.FundingSkipReason)
	assert.Equal(t, "request cancelled", *stored.FundingSkipReason)

	assert.True(t, errors.Is(repo.SkipDonationFunding(ctx, d.ID, "again", time.Now()), ErrEffectAlreadyApplied))
	assert.True(t, errors.Is(repo.SkipDonationFunding(ctx, uuid.New(), "x", time.Now()), ErrDonationNotFound))
}

func TestMemoryRepositoryCountSuccessfulDonationsByDonor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	donor := seedDonor(t, repo)
	first := seedSuccessfulDonation(t, repo, donor.ID, 1_00)

	// a second donation to the same beneficiary still counts
	again := &domain.Donation{ID: uuid.New(), DonorID: donor.ID, BeneficiaryID: first.BeneficiaryID, Amount: 1_00, IdempotencyKey: uuid.NewString(), Status: domain.DonationPending}
	require.NoError(t, repo.CreateDonation(ctx, again))
	_, err := repo.SettleDonation(ctx, again.ID, SettleDonationParams{Status: domain.DonationSuccess})
	require.NoError(t, err)

	failed := &domain.Donation{ID: uuid.New(), DonorID: donor.ID, BeneficiaryID: uuid.New(), Amount: 1_00, IdempotencyKey: uuid.NewString(), Status: domain.DonationPending}
	require.NoError(t, repo.CreateDonation(ctx, failed))
	_, err = repo.SettleDonation(ctx, failed.ID, SettleDonationParams{Status: domain.DonationFailed})
	require.NoError(t, err)

	count, err := repo.CountSuccessfulDonationsByDonor(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMemoryRepositoryListAssistanceRequests(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	owner := uuid.New()
	other := uuid.New()

	seed := func(ownerID uuid.UUID, category, urgency string, status domain.AssistanceRequestStatus) *domain.AssistanceRequest {
		req := &domain.AssistanceRequest{ID: uuid.New(), OwnerID: ownerID, Title: category, Category: category, Urgency: urgency, Status: status}
		require.NoError(t, repo.CreateAssistanceRequest(ctx, req))
		return req
	}
	seed(owner, "food", domain.UrgencyHigh, domain.RequestOpen)
	seed(owner, "housing", domain.UrgencyLow, domain.RequestInProgress)
	seed(other, "food", domain.UrgencyHigh, domain.RequestCancelled)
	newest := seed(other, "mobility", domain.UrgencyMedium, domain.RequestFulfilled)

	cases := []struct {
		name   string
		filter domain.AssistanceRequestFilter
		want   int
	}{
		{name: "everything", filter: domain.AssistanceRequestFilter{}, want: 4},
		{name: "without cancelled", filter: domain.AssistanceRequestFilter{ExcludeCancelled: true}, want: 3},
		{name: "by category", filter: domain.AssistanceRequestFilter{Category: "food", ExcludeCancelled: true}, want: 1},
		{name: "by urgency", filter: domain.AssistanceRequestFilter{Urgency: domain.UrgencyHigh}, want: 2},
		{name: "by status", filter: domain.AssistanceRequestFilter{Status: domain.RequestInProgress}, want: 1},
		{name: "by owner", filter: domain.AssistanceRequestFilter{OwnerID: &other}, want: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repo.ListAssistanceRequests(ctx, tc.filter, 10, 0)
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}

	page, err := repo.ListAssistanceRequests(ctx, domain.AssistanceRequestFilter{}, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, newest.ID, page[0].ID, "newest first")

	page, err = repo.ListAssistanceRequests(ctx, domain.AssistanceRequestFilter{}, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
