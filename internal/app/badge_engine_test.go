package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ipfsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadgeEngine(repo store.Repository, ledger *fakeLedger, content *fakeContent, now func() time.Time) *BadgeEngine {
	return NewBadgeEngine(repo, ledger, content, "0.0.7007", "HederaSoutien Donor Badges", nil, zerolog.Nop(), now)
}

func seedDonorWithTotal(t *testing.T, repo *store.MemoryRepository, total int64) *domain.User {
	t.Helper()
	account := "0.0.4242"
	u := &domain.User{
		ID:              uuid.New(),
		Role:            domain.RoleDonor,
		LedgerAccountID: &account,
		WalletType:      domain.WalletCustodial,
		DonationsCount:  1,
		DonationsTotal:  total,
	}
	require.NoError(t, repo.CreateUser(context.Background(), u))
	return u
}

func TestCheckAndAwardBadgeTiers(t *testing.T) {
	cases := []struct {
		name     string
		total    int64
		wantTier *domain.BadgeTier
	}{
		{name: "bronze is never minted", total: 499_99},
		{name: "silver threshold", total: 500_00, wantTier: tierPtr(domain.TierSilver)},
		{name: "gold", total: 2_000_00, wantTier: tierPtr(domain.TierGold)},
		{name: "several crossings award only the highest", total: 12_000_00, wantTier: tierPtr(domain.TierLegendary)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := store.NewMemoryRepository()
			ledger := newFakeLedger()
			content := newFakeContent()
			engine := newTestBadgeEngine(repo, ledger, content, nil)
			donor := seedDonorWithTotal(t, repo, tc.total)

			badge, err := engine.CheckAndAwardBadge(context.Background(), donor.ID)
			require.NoError(t, err)

			if tc.wantTier == nil {
				assert.Nil(t, badge)
				assert.Zero(t, ledger.mintCount())
				return
			}
			require.NotNil(t, badge)
			assert.Equal(t, *tc.wantTier, badge.Tier)
			assert.Equal(t, domain.BadgeMinted, badge.Status)
			assert.Equal(t, "0.0.7007", badge.CollectionID)
			require.NotNil(t, badge.SerialNumber)
			require.NotNil(t, badge.ContentHash)
			assert.Equal(t, 1, ledger.mintCount())
			assert.Equal(t, "ipfs://"+*badge.ContentHash, string(ledger.mints[0].Metadata))
			assert.Equal(t, *donor.LedgerAccountID, ledger.mints[0].RecipientAccountID)

			var meta domain.BadgeMetadata
			require.NoError(t, json.Unmarshal(content.docs[*badge.ContentHash], &meta))
			assert.Equal(t, "HederaSoutien Donor Badges", meta.Collection)
			traits := make(map[string]interface{})
			for _, a := range meta.Attributes {
				traits[a.TraitType] = a.Value
			}
			assert.Equal(t, tc.wantTier.String(), traits["tier"])
			assert.Equal(t, float64(tc.total), traits["total_donated"])
			assert.Contains(t, traits, "people_helped")
			assert.Contains(t, traits, "awarded_at")

			again, err := engine.CheckAndAwardBadge(context.Background(), donor.ID)
			require.NoError(t, err)
			assert.Nil(t, again, "same tier is never awarded twice")
			assert.Equal(t, 1, ledger.mintCount())
		})
	}
}

func TestCheckAndAwardBadgeUploadFailureReleasesClaim(t *testing.T) {
	repo := store.NewMemoryRepository()
	ledger := newFakeLedger()
	content := newFakeContent()
	content.putErr = &ipfsclient.ErrorResponse{StatusCode: http.StatusBadGateway}
	engine := newTestBadgeEngine(repo, ledger, content, nil)
	donor := seedDonorWithTotal(t, repo, 600_00)

	badge, err := engine.CheckAndAwardBadge(context.Background(), donor.ID)
	assert.Nil(t, badge)
	assert.ErrorIs(t, err, domain.ErrExternalTransient)
	assert.Zero(t, ledger.mintCount())

	badges, err := repo.ListBadgesByOwner(context.Background(), donor.ID)
	require.NoError(t, err)
	assert.Empty(t, badges)

	content.putErr = nil
	badge, err = engine.CheckAndAwardBadge(context.Background(), donor.ID)
	require.NoError(t, err)
	require.NotNil(t, badge)
	assert.Equal(t, domain.TierSilver, badge.Tier)
}

func TestCheckAndAwardBadgeRespectsInFlightClaim(t *testing.T) {
	repo := store.NewMemoryRepository()
	ledger := newFakeLedger()
	content := newFakeContent()
	donor := seedDonorWithTotal(t, repo, 600_00)

	claim := &domain.Badge{ID: uuid.New(), OwnerID: donor.ID, Tier: domain.TierSilver, Status: domain.BadgePending, CollectionID: "0.0.7007"}
	require.NoError(t, repo.ClaimBadge(context.Background(), claim))

	engine := newTestBadgeEngine(repo, ledger, content, nil)
	badge, err := engine.CheckAndAwardBadge(context.Background(), donor.ID)
	require.NoError(t, err)
	assert.Nil(t, badge)
	assert.Zero(t, ledger.mintCount())

	later := func() time.Time { return time.Now().Add(2 * staleClaimAfter) }
	engine = newTestBadgeEngine(repo, ledger, content, later)
	badge, err = engine.CheckAndAwardBadge(context.Background(), donor.ID)
	require.NoError(t, err)
	require.NotNil(t, badge)
	assert.Equal(t, claim.ID, badge.ID, "stale claim is resumed, not duplicated")
	assert.Equal(t, domain.BadgeMinted, badge.Status)
	assert.Equal(t, 1, ledger.mintCount())
}

func TestCheckAndAwardBadgeRequiresLedgerAccount(t *testing.T) {
	repo := store.NewMemoryRepository()
	engine := newTestBadgeEngine(repo, newFakeLedger(), newFakeContent(), nil)
	donor := &domain.User{ID: uuid.New(), Role: domain.RoleDonor, DonationsTotal: 600_00}
	require.NoError(t, repo.CreateUser(context.Background(), donor))

	_, err := engine.CheckAndAwardBadge(context.Background(), donor.ID)
	assert.ErrorIs(t, err, domain.ErrPrecondition)

	_, err = engine.CheckAndAwardBadge(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func tierPtr(t domain.BadgeTier) *domain.BadgeTier { return &t }
