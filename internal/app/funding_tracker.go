package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/rabbitmq"
)

const maxVersionRetries = 5

// ErrRequestCancelled is returned when funds are applied to a cancelled request.
var ErrRequestCancelled = fmt.Errorf("%w: assistance request is cancelled", domain.ErrConflict)

var validUrgencies = map[string]bool{
	domain.UrgencyLow:      true,
	domain.UrgencyMedium:   true,
	domain.UrgencyHigh:     true,
	domain.UrgencyCritical: true,
}

// FundingTracker keeps each assistance request's raised amount and status in step with
// the donations made toward it.
type FundingTracker struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	exchange      string
	logger        zerolog.Logger
	now           func() time.Time
}

// RequestFulfilledEvent is published when a request reaches its target.
type RequestFulfilledEvent struct {
	RequestID    uuid.UUID `json:"request_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	AmountRaised int64     `json:"amount_raised"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewFundingTracker creates a funding tracker. producer may be nil.
func NewFundingTracker(repo store.Repository, producer rabbitmq.Publisher, exchange string, logger zerolog.Logger, now func() time.Time) *FundingTracker {
	if now == nil {
		now = time.Now
	}
	return &FundingTracker{
		repo:          repo,
		eventProducer: producer,
		exchange:      exchange,
		logger:        logger.With().Str("component", "funding_tracker").Logger(),
		now:           now,
	}
}

// Create opens a new assistance request owned by a beneficiary.
func (t *FundingTracker) Create(ctx context.Context, ownerID uuid.UUID, input domain.CreateAssistanceRequest) (*domain.AssistanceRequest, error) {
	owner, err := t.repo.FindUserByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find owner: %w", err)
	}
	if owner.Role != domain.RoleBeneficiary {
		return nil, fmt.Errorf("%w: only beneficiaries can open assistance requests", ErrForbidden)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	urgency := strings.ToLower(strings.TrimSpace(input.Urgency))
	if urgency == "" {
		urgency = domain.UrgencyMedium
	}
	if !validUrgencies[urgency] {
		return nil, fmt.Errorf("%w: unknown urgency %q", domain.ErrValidation, input.Urgency)
	}
	if input.AmountNeeded != nil && *input.AmountNeeded <= 0 {
		return nil, fmt.Errorf("%w: amount needed must be positive", domain.ErrValidation)
	}

	req := &domain.AssistanceRequest{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		Category:     strings.TrimSpace(input.Category),
		Urgency:      urgency,
		AmountNeeded: input.AmountNeeded,
		Status:       domain.RequestOpen,
	}
	if err := t.repo.CreateAssistanceRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create assistance request: %w", err)
	}
	return req, nil
}

// Apply adds amount to the request's raised total.
func (t *FundingTracker) Apply(ctx context.Context, requestID uuid.UUID, amount int64) (*domain.AssistanceRequest, error) {
	return t.apply(ctx, requestID, amount, nil)
}

// ApplyDonation applies a successful donation to its assistance request and stamps the
// donation's funding marker in the same write. store.ErrEffectAlreadyApplied is
// returned when the donation was already counted.
//
// A request cancelled while the transfer was in flight cannot take the funds any more.
// The money has moved, so the donation keeps its status: its funding marker is stamped
// with a skip reason, the request is left untouched and nil is returned for it.
func (t *FundingTracker) ApplyDonation(ctx context.Context, d *domain.Donation) (*domain.AssistanceRequest, error) {
	if d.AssistanceRequestID == nil {
		return nil, fmt.Errorf("%w: donation is not linked to an assistance request", domain.ErrValidation)
	}
	if d.Status != domain.DonationSuccess {
		return nil, fmt.Errorf("%w: only successful donations fund a request", domain.ErrPrecondition)
	}
	if d.FundingAppliedAt != nil {
		return nil, store.ErrEffectAlreadyApplied
	}
	donationID := d.ID
	req, err := t.apply(ctx, *d.AssistanceRequestID, d.Amount, &donationID)
	if !errors.Is(err, ErrRequestCancelled) {
		return req, err
	}

	if err := t.repo.SkipDonationFunding(ctx, d.ID, ErrRequestCancelled.Error(), t.now()); err != nil {
		return nil, fmt.Errorf("failed to record skipped funding: %w", err)
	}
	t.logger.Warn().
		Str("request_id", d.AssistanceRequestID.String()).
		Str("donation_id", d.ID.String()).
		Int64("amount", d.Amount).
		Msg("assistance request cancelled before donation settled; funding skipped")
	return nil, nil
}

func (t *FundingTracker) apply(ctx context.Context, requestID uuid.UUID, amount int64, donationID *uuid.UUID) (*domain.AssistanceRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := t.repo.FindAssistanceRequestByID(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to find assistance request: %w", err)
		}

		next, err := nextFundingState(*current, amount)
		if err != nil {
			return nil, err
		}

		err = t.repo.UpdateAssistanceRequestFunding(ctx, &next, current.Version, donationID, t.now())
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if current.Status != domain.RequestFulfilled && next.Status == domain.RequestFulfilled {
			t.logger.Info().Str("request_id", requestID.String()).Int64("amount_raised", next.AmountRaised).Msg("assistance request fulfilled")
			t.publishFulfilled(ctx, &next)
		}
		return &next, nil
	}
	return nil, fmt.Errorf("failed to update assistance request %s after %d attempts: %w", requestID, maxVersionRetries, store.ErrVersionConflict)
}

// nextFundingState is the pure transition applied by Apply.
func nextFundingState(req domain.AssistanceRequest, amount int64) (domain.AssistanceRequest, error) {
	if req.Status == domain.RequestCancelled {
		return req, ErrRequestCancelled
	}
	if amount > math.MaxInt64-req.AmountRaised {
		return req, fmt.Errorf("%w: amount raised would overflow", domain.ErrValidation)
	}

	req.AmountRaised += amount
	switch {
	case req.Status == domain.RequestFulfilled:
	case req.AmountNeeded != nil && req.AmountRaised >= *req.AmountNeeded:
		req.Status = domain.RequestFulfilled
	case req.Status == domain.RequestOpen:
		req.Status = domain.RequestInProgress
	}
	return req, nil
}

// Cancel closes an open or in-progress request. Cancelling twice is a no-op; a
// fulfilled request cannot be cancelled.
func (t *FundingTracker) Cancel(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := t.repo.FindAssistanceRequestByID(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to find assistance request: %w", err)
		}
		switch current.Status {
		case domain.RequestCancelled:
			return current, nil
		case domain.RequestFulfilled:
			return nil, fmt.Errorf("%w: assistance request is already fulfilled", domain.ErrConflict)
		}

		err = t.repo.UpdateAssistanceRequestStatus(ctx, requestID, domain.RequestCancelled, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t.logger.Info().Str("request_id", requestID.String()).Msg("assistance request cancelled")

		current.Status = domain.RequestCancelled
		current.Version++
		return current, nil
	}
	return nil, fmt.Errorf("failed to cancel assistance request %s after %d attempts: %w", requestID, maxVersionRetries, store.ErrVersionConflict)
}

func (t *FundingTracker) publishFulfilled(ctx context.Context, req *domain.AssistanceRequest) {
	if t.eventProducer == nil {
		return
	}
	event := RequestFulfilledEvent{
		RequestID:    req.ID,
		OwnerID:      req.OwnerID,
		AmountRaised: req.AmountRaised,
		Timestamp:    t.now(),
	}
	if err := t.eventProducer.Publish(ctx, t.exchange, domain.RoutingRequestFulfilled, event); err != nil {
		t.logger.Warn().Str("request_id", req.ID.String()).Err(err).Msg("failed to publish fulfilled event")
	}
}
