package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/metrics"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ipfsclient"
	"github.com/soutien/donation-service/pkg/ledgerclient"
)

// staleClaimAfter is how long a pending badge claim may sit before another check treats
// its holder as gone and finishes the mint.
const staleClaimAfter = 5 * time.Minute

// BadgeEngine awards donor badges as NFTs when cumulative donations cross a tier.
type BadgeEngine struct {
	repo           store.Repository
	ledger         LedgerGateway
	content        ContentStore
	collectionID   string
	collectionName string
	metrics        *metrics.Metrics
	logger         zerolog.Logger
	now            func() time.Time
}

// NewBadgeEngine creates a badge engine minting into collectionID.
func NewBadgeEngine(
	repo store.Repository,
	ledger LedgerGateway,
	content ContentStore,
	collectionID, collectionName string,
	m *metrics.Metrics,
	logger zerolog.Logger,
	now func() time.Time,
) *BadgeEngine {
	if now == nil {
		now = time.Now
	}
	return &BadgeEngine{
		repo:           repo,
		ledger:         ledger,
		content:        content,
		collectionID:   collectionID,
		collectionName: collectionName,
		metrics:        m,
		logger:         logger.With().Str("component", "badge_engine").Logger(),
		now:            now,
	}
}

// CheckAndAwardBadge mints the badge for the donor's current tier when it is higher
// than every tier they already hold. It returns nil, nil when nothing was awarded.
// Several tiers crossed at once yield a single badge for the highest one.
func (e *BadgeEngine) CheckAndAwardBadge(ctx context.Context, donorID uuid.UUID) (*domain.Badge, error) {
	logger := e.logger.With().Str("flow", "badge_check").Str("donor_id", donorID.String()).Logger()

	donor, err := e.repo.FindUserByID(ctx, donorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find donor: %w", err)
	}

	badges, err := e.repo.ListBadgesByOwner(ctx, donorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}

	held := domain.HighestTier(badges)
	implied := domain.TierForTotal(donor.DonationsTotal)

	for i := range badges {
		b := badges[i]
		if b.Status != domain.BadgePending {
			continue
		}
		stale := e.now().Sub(b.UpdatedAt) >= staleClaimAfter
		if b.Tier.Compare(implied) < 0 {
			// Superseded by a higher tier; the higher claim below replaces it.
			if stale {
				e.release(ctx, &b, logger)
			}
			continue
		}
		if !stale {
			logger.Debug().Str("badge_id", b.ID.String()).Msg("badge mint already in progress")
			return nil, nil
		}
		logger.Info().Str("badge_id", b.ID.String()).Str("tier", b.Tier.String()).Msg("resuming stale badge claim")
		return e.mint(ctx, donor, &b)
	}

	if implied.Compare(held) <= 0 {
		return nil, nil
	}
	if !donor.HasLedgerAccount() {
		return nil, fmt.Errorf("%w: donor has no ledger account to receive a badge", domain.ErrPrecondition)
	}

	badge := &domain.Badge{
		ID:           uuid.New(),
		OwnerID:      donorID,
		Tier:         implied,
		Status:       domain.BadgePending,
		CollectionID: e.collectionID,
	}
	if err := e.repo.ClaimBadge(ctx, badge); err != nil {
		if errors.Is(err, store.ErrBadgeAlreadyClaimed) {
			logger.Debug().Str("tier", implied.String()).Msg("badge tier claimed by a concurrent check")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim badge: %w", err)
	}
	logger.Info().Str("badge_id", badge.ID.String()).Str("tier", implied.String()).Msg("badge claimed")

	return e.mint(ctx, donor, badge)
}

// mint uploads the metadata, mints the NFT and marks the claim minted. Upload or mint
// failures release the claim so a later check can retry.
func (e *BadgeEngine) mint(ctx context.Context, donor *domain.User, badge *domain.Badge) (*domain.Badge, error) {
	logger := e.logger.With().
		Str("flow", "badge_mint").
		Str("donor_id", donor.ID.String()).
		Str("badge_id", badge.ID.String()).
		Str("tier", badge.Tier.String()).
		Logger()

	if !donor.HasLedgerAccount() {
		e.release(ctx, badge, logger)
		return nil, fmt.Errorf("%w: donor has no ledger account to receive a badge", domain.ErrPrecondition)
	}

	// People helped is the number of successful donations, not distinct beneficiaries.
	helped, err := e.repo.CountSuccessfulDonationsByDonor(ctx, donor.ID)
	if err != nil {
		e.release(ctx, badge, logger)
		return nil, fmt.Errorf("failed to count successful donations: %w", err)
	}

	metadata, err := json.Marshal(e.buildMetadata(donor, badge.Tier, helped))
	if err != nil {
		e.release(ctx, badge, logger)
		return nil, fmt.Errorf("failed to encode badge metadata: %w", err)
	}

	hash, err := e.content.Put(ctx, metadata)
	if err != nil {
		e.release(ctx, badge, logger)
		return nil, classifyExternal("badge metadata upload", err, ipfsclient.IsTransient(err))
	}

	start := time.Now()
	minted, err := e.ledger.Mint(ctx, e.collectionID, ledgerclient.MintRequest{
		RecipientAccountID: *donor.LedgerAccountID,
		Metadata:           []byte("ipfs://" + hash),
	})
	e.metrics.LedgerCall("mint", ledgerOutcome(err), time.Since(start))
	if err != nil {
		e.release(ctx, badge, logger)
		return nil, classifyExternal("badge mint", err, ledgerclient.IsTransient(err))
	}

	saved, err := e.repo.MarkBadgeMinted(ctx, badge.ID, store.MintedBadgeParams{
		SerialNumber:        minted.SerialNumber,
		LedgerTransactionID: minted.TransactionID,
		ContentHash:         hash,
		Metadata:            metadata,
	})
	if err != nil {
		// The NFT exists on the ledger; keep the claim so the tier is not minted twice.
		logger.Error().Int64("serial_number", minted.SerialNumber).Err(err).Msg("badge minted but not recorded")
		return nil, fmt.Errorf("failed to record minted badge: %w", err)
	}

	e.metrics.BadgeAwarded(saved.Tier.String())
	logger.Info().Int64("serial_number", minted.SerialNumber).Msg("badge minted")
	return saved, nil
}

func (e *BadgeEngine) release(ctx context.Context, badge *domain.Badge, logger zerolog.Logger) {
	if err := e.repo.ReleaseBadgeClaim(ctx, badge.ID); err != nil {
		logger.Error().Err(err).Msg("failed to release badge claim")
	}
}

func (e *BadgeEngine) buildMetadata(donor *domain.User, tier domain.BadgeTier, peopleHelped int64) domain.BadgeMetadata {
	return domain.BadgeMetadata{
		Name:        fmt.Sprintf("%s - %s", e.collectionName, tier.Title()),
		Description: fmt.Sprintf("Awarded for donating %s in total.", formatCents(donor.DonationsTotal, DefaultCurrency)),
		Collection:  e.collectionName,
		Attributes: []domain.BadgeAttribute{
			{TraitType: "tier", Value: tier.String()},
			{TraitType: "total_donated", Value: donor.DonationsTotal},
			{TraitType: "people_helped", Value: peopleHelped},
			{TraitType: "awarded_at", Value: e.now().UTC().Format(time.RFC3339)},
		},
	}
}

// classifyExternal tags err with the external error category it belongs to.
func classifyExternal(op string, err error, transient bool) error {
	if transient {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrExternalTransient, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrExternalPermanent, err)
}

func formatCents(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
