package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/soutien/donation-service/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListMyDonations returns the donations made by donorID, newest first.
func (s *Service) ListMyDonations(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	limit, offset = normalizePage(limit, offset)
	return s.repo.ListDonationsByDonor(ctx, donorID, limit, offset)
}

// ListReceivedDonations returns the donations received by beneficiaryID, newest first.
func (s *Service) ListReceivedDonations(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	limit, offset = normalizePage(limit, offset)
	return s.repo.ListDonationsByBeneficiary(ctx, beneficiaryID, limit, offset)
}

// GetDonation returns a donation to its donor or beneficiary.
func (s *Service) GetDonation(ctx context.Context, userID, donationID uuid.UUID) (*domain.Donation, error) {
	d, err := s.repo.FindDonationByID(ctx, donationID)
	if err != nil {
		return nil, err
	}
	if !d.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return d, nil
}

// ListMyBadges returns the badges owned by ownerID in tier order.
func (s *Service) ListMyBadges(ctx context.Context, ownerID uuid.UUID) ([]domain.Badge, error) {
	return s.repo.ListBadgesByOwner(ctx, ownerID)
}

// GetBadge returns one of the owner's badges. Metadata missing from the row is fetched
// from the content store; a content store failure still returns the badge.
func (s *Service) GetBadge(ctx context.Context, ownerID, badgeID uuid.UUID) (*domain.Badge, error) {
	b, err := s.repo.FindBadgeByID(ctx, badgeID)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	if len(b.Metadata) == 0 && b.ContentHash != nil && s.content != nil {
		raw, err := s.content.Get(ctx, *b.ContentHash)
		if err != nil {
			s.logger.Warn().Str("badge_id", b.ID.String()).Err(err).Msg("failed to resolve badge metadata")
		} else if json.Valid(raw) {
			b.Metadata = raw
		}
	}
	return b, nil
}

// GetReputation computes the user's current score without storing it.
func (s *Service) GetReputation(ctx context.Context, userID uuid.UUID) (*domain.ReputationSnapshot, error) {
	snapshot, _, err := s.reputationSnapshot(ctx, userID)
	return snapshot, err
}

// CreateAssistanceRequest opens a request for a beneficiary.
func (s *Service) CreateAssistanceRequest(ctx context.Context, ownerID uuid.UUID, input domain.CreateAssistanceRequest) (*domain.AssistanceRequest, error) {
	req, err := s.funding.Create(ctx, ownerID, input)
	if err != nil {
		return nil, err
	}
	if _, err := s.RefreshReputation(ctx, ownerID); err != nil {
		s.logger.Warn().Str("user_id", ownerID.String()).Err(err).Msg("failed to refresh reputation after new request")
	}
	return req, nil
}

// GetAssistanceRequest returns a request by id.
func (s *Service) GetAssistanceRequest(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error) {
	return s.repo.FindAssistanceRequestByID(ctx, requestID)
}

// CancelAssistanceRequest cancels a request on behalf of an administrator.
func (s *Service) CancelAssistanceRequest(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error) {
	req, err := s.funding.Cancel(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("cancel assistance request: %w", err)
	}
	return req, nil
}

// ListAssistanceRequests browses requests newest first. Cancelled requests are never
// listed here.
func (s *Service) ListAssistanceRequests(ctx context.Context, filter domain.AssistanceRequestFilter, limit, offset int) ([]domain.AssistanceRequest, error) {
	filter.OwnerID = nil
	filter.ExcludeCancelled = true
	filter.Category = strings.TrimSpace(filter.Category)
	filter.Urgency = strings.ToLower(strings.TrimSpace(filter.Urgency))
	filter.Status = domain.AssistanceRequestStatus(strings.ToLower(strings.TrimSpace(string(filter.Status))))

	if filter.Urgency != "" && !validUrgencies[filter.Urgency] {
		return nil, fmt.Errorf("%w: unknown urgency %q", domain.ErrValidation, filter.Urgency)
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}

	limit, offset = normalizePage(limit, offset)
	return s.repo.ListAssistanceRequests(ctx, filter, limit, offset)
}

// ListMyAssistanceRequests returns every request opened by ownerID, cancelled ones included.
func (s *Service) ListMyAssistanceRequests(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]domain.AssistanceRequest, error) {
	limit, offset = normalizePage(limit, offset)
	return s.repo.ListAssistanceRequests(ctx, domain.AssistanceRequestFilter{OwnerID: &ownerID}, limit, offset)
}

// GetUserStats summarises the stored profile counters of a user.
func (s *Service) GetUserStats(ctx context.Context, userID uuid.UUID) (*domain.UserStats, error) {
	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	badges, err := s.repo.ListBadgesByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}
	requests, err := s.repo.CountAssistanceRequestsByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count assistance requests: %w", err)
	}

	var minted int64
	for _, b := range badges {
		if b.Status == domain.BadgeMinted {
			minted++
		}
	}
	return &domain.UserStats{
		UserID:                 user.ID,
		ReputationScore:        user.ReputationScore,
		DonationsCount:         user.DonationsCount,
		DonationsTotal:         user.DonationsTotal,
		VolunteerHours:         user.VolunteerHours,
		MemberSince:            user.MemberSince,
		BadgeCount:             minted,
		AssistanceRequestCount: requests,
	}, nil
}
