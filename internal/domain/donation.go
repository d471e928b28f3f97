package domain

import (
	"time"

	"github.com/google/uuid"
)

// DonationStatus is the lifecycle state of a donation. success and failed are terminal.
type DonationStatus string

const (
	DonationPending DonationStatus = "pending"
	DonationSuccess DonationStatus = "success"
	DonationFailed  DonationStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s DonationStatus) IsTerminal() bool {
	return s == DonationSuccess || s == DonationFailed
}

// Donation maps to the `donations` table. The row is written before the ledger
// transfer is attempted so an interrupted transfer is always discoverable.
type Donation struct {
	ID                  uuid.UUID      `json:"id"`
	DonorID             uuid.UUID      `json:"donor_id"`
	BeneficiaryID       uuid.UUID      `json:"beneficiary_id"`
	AssistanceRequestID *uuid.UUID     `json:"assistance_request_id,omitempty"`
	Amount              int64          `json:"amount"` // in cents
	Currency            string         `json:"currency"`
	LedgerAmount        int64          `json:"ledger_amount"` // in tinybar
	ExchangeRateVersion string         `json:"exchange_rate_version"`
	IdempotencyKey      string         `json:"idempotency_key"`
	LedgerTransactionID *string        `json:"ledger_transaction_id,omitempty"`
	Status              DonationStatus `json:"status"`
	FailureReason       *string        `json:"failure_reason,omitempty"`
	Description         *string        `json:"description,omitempty"`
	StatsAppliedAt      *time.Time     `json:"stats_applied_at,omitempty"`
	BadgeCheckedAt      *time.Time     `json:"badge_checked_at,omitempty"`
	FundingAppliedAt    *time.Time     `json:"funding_applied_at,omitempty"`
	// FundingSkipReason is set when the assistance request could no longer take the
	// donation, for example because it was cancelled while the transfer was in flight.
	FundingSkipReason    *string    `json:"funding_skip_reason,omitempty"`
	EffectsCompletedAt   *time.Time `json:"effects_completed_at,omitempty"`
	EffectsAttempts      int        `json:"effects_attempts,omitempty"`
	EffectsLastError     *string    `json:"-"`
	EffectsNextAttemptAt *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HasParticipant reports whether userID is the donor or the beneficiary.
func (d *Donation) HasParticipant(userID uuid.UUID) bool {
	return d.DonorID == userID || d.BeneficiaryID == userID
}

// NeedsFunding reports whether the donation still has to be applied to its assistance request.
func (d *Donation) NeedsFunding() bool {
	return d.AssistanceRequestID != nil && d.FundingAppliedAt == nil
}

// DonationRequest is the input of a donation attempt.
type DonationRequest struct {
	DonorID             uuid.UUID  `json:"donor_id"`
	BeneficiaryID       uuid.UUID  `json:"beneficiary_id"`
	Amount              int64      `json:"amount"` // in cents
	Currency            string     `json:"currency"`
	AssistanceRequestID *uuid.UUID `json:"assistance_request_id,omitempty"`
	Description         string     `json:"description,omitempty"`
	IdempotencyKey      string     `json:"-"`
}
