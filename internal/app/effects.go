package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/store"
)

// Effect step names used in logs and metrics.
const (
	stepStats      = "stats"
	stepBadge      = "badge"
	stepReputation = "reputation"
	stepFunding    = "funding"
	stepComplete   = "complete"
	stepParked     = "parked"
)

// Retry schedule for donations whose effects keep failing. After maxEffectAttempts the
// donation is parked: reconciliation stops picking it up and only the internal effects
// endpoint retries it.
const (
	maxEffectAttempts    = 10
	effectsRetryBase     = time.Minute
	effectsRetryCeiling  = 6 * time.Hour
	maxEffectErrorLength = 1000
)

// CompleteDonationEffects applies everything a successful donation changes besides the
// ledger: donor statistics, badge check, reputation of both participants and the
// assistance request's funding. Each step is guarded by a marker on the donation, so the
// call can be repeated with only the two ids. Failures of individual steps are joined
// and returned; the remaining steps still run.
func (s *Service) CompleteDonationEffects(ctx context.Context, donorID, donationID uuid.UUID) error {
	d, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return fmt.Errorf("failed to find donation: %w", err)
	}
	if d.DonorID != donorID {
		return fmt.Errorf("%w: donation %s does not belong to donor %s", domain.ErrValidation, donationID, donorID)
	}
	if d.Status != domain.DonationSuccess {
		return fmt.Errorf("%w: donation is %s", domain.ErrPrecondition, d.Status)
	}
	if d.EffectsCompletedAt != nil {
		return nil
	}

	logger := s.logger.With().
		Str("flow", "effects").
		Str("donation_id", d.ID.String()).
		Str("donor_id", d.DonorID.String()).
		Logger()

	var errs []error
	fail := func(step string, err error) {
		logger.Warn().Str("step", step).Err(err).Msg("donation effect failed")
		s.metrics.EffectFailed(step)
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
	}

	statsApplied := d.StatsAppliedAt != nil
	if !statsApplied {
		if _, err := s.repo.ApplyDonationToDonorStats(ctx, d.ID, s.now()); err != nil {
			fail(stepStats, err)
		} else {
			statsApplied = true
		}
	}

	// The badge check reads the donor's totals, so it waits for the stats step.
	if d.BadgeCheckedAt == nil && statsApplied {
		badge, err := s.badges.CheckAndAwardBadge(ctx, d.DonorID)
		if err != nil {
			fail(stepBadge, err)
		} else {
			if badge != nil {
				s.announceBadge(ctx, badge)
			}
			if err := s.repo.MarkDonationBadgeChecked(ctx, d.ID, s.now()); err != nil {
				fail(stepBadge, err)
			}
		}
	}

	for _, userID := range []uuid.UUID{d.DonorID, d.BeneficiaryID} {
		if _, err := s.RefreshReputation(ctx, userID); err != nil {
			fail(stepReputation, fmt.Errorf("user %s: %w", userID, err))
		}
	}

	if d.NeedsFunding() {
		if _, err := s.funding.ApplyDonation(ctx, d); err != nil && !errors.Is(err, store.ErrEffectAlreadyApplied) {
			fail(stepFunding, err)
		}
	}

	if len(errs) == 0 {
		if err := s.repo.MarkDonationEffectsCompleted(ctx, d.ID, s.now()); err != nil {
			fail(stepComplete, err)
		}
	}
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		s.scheduleEffectsRetry(ctx, d, joined, logger)
		return joined
	}
	logger.Info().Msg("donation effects completed")
	return nil
}

// scheduleEffectsRetry records a failed effects run and pushes the donation's next
// reconciliation attempt back.
func (s *Service) scheduleEffectsRetry(ctx context.Context, d *domain.Donation, cause error, logger zerolog.Logger) {
	next := s.now().Add(effectsRetryDelay(d.EffectsAttempts + 1))
	msg := cause.Error()
	if len(msg) > maxEffectErrorLength {
		msg = msg[:maxEffectErrorLength]
	}
	attempts, err := s.repo.RecordDonationEffectsFailure(ctx, d.ID, msg, next)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record effects attempt")
		return
	}
	if attempts >= maxEffectAttempts {
		s.metrics.EffectFailed(stepParked)
		logger.Error().Int("attempts", attempts).Msg("donation effects parked after repeated failures")
		return
	}
	logger.Debug().Int("attempts", attempts).Time("next_attempt_at", next).Msg("donation effects retry scheduled")
}

// effectsRetryDelay doubles from effectsRetryBase per attempt, up to effectsRetryCeiling.
func effectsRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := effectsRetryBase
	for i := 1; i < attempt && delay < effectsRetryCeiling; i++ {
		delay *= 2
	}
	if delay > effectsRetryCeiling {
		delay = effectsRetryCeiling
	}
	return delay
}

// RefreshReputation recomputes a user's score and stores it when it changed.
func (s *Service) RefreshReputation(ctx context.Context, userID uuid.UUID) (int, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		snapshot, user, err := s.reputationSnapshot(ctx, userID)
		if err != nil {
			return 0, err
		}
		if snapshot.Score == user.ReputationScore {
			return snapshot.Score, nil
		}
		err = s.repo.UpdateReputationScore(ctx, userID, snapshot.Score, user.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to store reputation: %w", err)
		}
		return snapshot.Score, nil
	}
	return 0, fmt.Errorf("failed to store reputation for %s after %d attempts: %w", userID, maxVersionRetries, store.ErrVersionConflict)
}

// reputationSnapshot reads everything the score depends on and computes it.
func (s *Service) reputationSnapshot(ctx context.Context, userID uuid.UUID) (*domain.ReputationSnapshot, *domain.User, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}

	var requestCount int64
	if user.Role == domain.RoleBeneficiary {
		requestCount, err = s.repo.CountAssistanceRequestsByOwner(ctx, userID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to count assistance requests: %w", err)
		}
	}

	badges, err := s.repo.ListBadgesByOwner(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list badges: %w", err)
	}
	var badgeCount int64
	for _, b := range badges {
		if b.Status == domain.BadgeMinted {
			badgeCount++
		}
	}

	now := s.now()
	in := reputationInputFor(user, requestCount, badgeCount)
	return &domain.ReputationSnapshot{
		UserID:                 user.ID,
		Role:                   user.Role,
		Score:                  CalculateReputationScore(in, now),
		DonationsCount:         in.DonationsCount,
		DonationsTotal:         in.DonationsTotal,
		VolunteerHours:         in.VolunteerHours,
		AssistanceRequestCount: in.AssistanceRequestCount,
		BadgeCount:             in.BadgeCount,
		MemberSince:            in.MemberSince,
		ComputedAt:             now,
	}, user, nil
}

// announceBadge records and publishes a freshly minted badge.
func (s *Service) announceBadge(ctx context.Context, b *domain.Badge) {
	event := domain.BadgeAwardedEvent{
		BadgeID:      b.ID,
		OwnerID:      b.OwnerID,
		Tier:         b.Tier,
		SerialNumber: b.SerialNumber,
		Timestamp:    s.now(),
	}
	s.recordConsensusEvent(ctx, domain.EventBadgeAwarded, event, []uuid.UUID{b.OwnerID}, b.LedgerTransactionID)
	s.publishEvent(ctx, domain.RoutingBadgeAwarded, event)
}
