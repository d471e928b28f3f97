/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the donation-service needs. Business logic depends only on this interface,
 * so the PostgreSQL and in-memory implementations are interchangeable.
 *
 * @notes
 * - Aggregates that several callers may update concurrently (user statistics,
 *   reputation, assistance request funding) are written with either an in-database
 *   increment or a compare-and-set on the row's version token.
 * - Donation effect markers are set in the same store transaction as the effect they
 *   guard, which is what makes post-transfer steps safe to re-run.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soutien/donation-service/internal/domain"
)

var (
	ErrUserNotFound              = fmt.Errorf("user %w", domain.ErrNotFound)
	ErrDonationNotFound          = fmt.Errorf("donation %w", domain.ErrNotFound)
	ErrAssistanceRequestNotFound = fmt.Errorf("assistance request %w", domain.ErrNotFound)
	ErrBadgeNotFound             = fmt.Errorf("badge %w", domain.ErrNotFound)
	ErrVersionConflict           = fmt.Errorf("%w: row was modified concurrently", domain.ErrConflict)
	ErrDonationAlreadySettled    = fmt.Errorf("%w: donation is no longer pending", domain.ErrConflict)
	ErrDuplicateIdempotencyKey   = fmt.Errorf("%w: idempotency key already used", domain.ErrConflict)
	ErrBadgeAlreadyClaimed       = fmt.Errorf("%w: badge tier already claimed", domain.ErrConflict)
	ErrEffectAlreadyApplied      = errors.New("donation effect already applied")
)

// SettleDonationParams carries the terminal outcome of a pending donation.
type SettleDonationParams struct {
	Status              domain.DonationStatus
	LedgerTransactionID *string
	FailureReason       *string
}

// MintedBadgeParams carries the ledger outcome of a badge mint.
type MintedBadgeParams struct {
	SerialNumber        int64
	LedgerTransactionID string
	ContentHash         string
	Metadata            json.RawMessage
}

// IncompleteEffectsQuery selects successful donations whose follow-up steps still need
// to run. Rows never retried are due once they were last touched before SettledBefore;
// retried rows are due once their backoff ends at or before DueBy. Rows that used up
// MaxAttempts are parked and left to an operator.
type IncompleteEffectsQuery struct {
	SettledBefore time.Time
	DueBy         time.Time
	MaxAttempts   int
	Limit         int
}

// Repository defines the set of methods for interacting with durable state.
type Repository interface {
	// User methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error
	// ApplyDonationToDonorStats increments the donor's count and total for a successful
	// donation and stamps the donation's stats marker atomically. It returns false when
	// the marker was already set.
	ApplyDonationToDonorStats(ctx context.Context, donationID uuid.UUID, appliedAt time.Time) (bool, error)
	UpdateReputationScore(ctx context.Context, userID uuid.UUID, score int, expectedVersion int64) error

	// Donation methods
	CreateDonation(ctx context.Context, donation *domain.Donation) error
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	FindDonationByIdempotencyKey(ctx context.Context, key string) (*domain.Donation, error)
	SettleDonation(ctx context.Context, donationID uuid.UUID, params SettleDonationParams) (*domain.Donation, error)
	ListDonationsByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.Donation, error)
	ListDonationsByBeneficiary(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]domain.Donation, error)
	ListPendingDonations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Donation, error)
	// ListDonationsWithIncompleteEffects returns due rows, the longest waiting first.
	ListDonationsWithIncompleteEffects(ctx context.Context, q IncompleteEffectsQuery) ([]domain.Donation, error)
	MarkDonationBadgeChecked(ctx context.Context, donationID uuid.UUID, checkedAt time.Time) error
	// SkipDonationFunding stamps the funding marker without touching the assistance
	// request and records why. ErrEffectAlreadyApplied is returned if the marker was set.
	SkipDonationFunding(ctx context.Context, donationID uuid.UUID, reason string, at time.Time) error
	MarkDonationEffectsCompleted(ctx context.Context, donationID uuid.UUID, completedAt time.Time) error
	// RecordDonationEffectsFailure bumps the attempt counter, stores the error and
	// schedules the next attempt. It returns the new attempt count.
	RecordDonationEffectsFailure(ctx context.Context, donationID uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error)
	CountSuccessfulDonationsByDonor(ctx context.Context, donorID uuid.UUID) (int64, error)

	// Assistance request methods
	CreateAssistanceRequest(ctx context.Context, req *domain.AssistanceRequest) error
	FindAssistanceRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error)
	ListAssistanceRequests(ctx context.Context, filter domain.AssistanceRequestFilter, limit, offset int) ([]domain.AssistanceRequest, error)
	CountAssistanceRequestsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
	// UpdateAssistanceRequestFunding persists AmountRaised and Status when the stored
	// version still equals expectedVersion. When donationID is set the donation's
	// funding marker is stamped in the same transaction; ErrEffectAlreadyApplied is
	// returned if it was already set.
	UpdateAssistanceRequestFunding(ctx context.Context, req *domain.AssistanceRequest, expectedVersion int64, donationID *uuid.UUID, appliedAt time.Time) error
	UpdateAssistanceRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.AssistanceRequestStatus, expectedVersion int64) error

	// Badge methods
	ListBadgesByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Badge, error)
	FindBadgeByID(ctx context.Context, badgeID uuid.UUID) (*domain.Badge, error)
	ClaimBadge(ctx context.Context, badge *domain.Badge) error
	MarkBadgeMinted(ctx context.Context, badgeID uuid.UUID, params MintedBadgeParams) (*domain.Badge, error)
	ReleaseBadgeClaim(ctx context.Context, badgeID uuid.UUID) error

	// Consensus event methods
	AppendConsensusEvent(ctx context.Context, event *domain.ConsensusEvent) error
}
