package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	RoutingDonationCompleted = "donation.completed"
	RoutingDonationFailed    = "donation.failed"
	RoutingDonationPending   = "donation.pending"
	RoutingBadgeAwarded      = "badge.awarded"
	RoutingRequestFulfilled  = "assistance_request.fulfilled"
)

// DonationEvent is published whenever a donation reaches a new status.
type DonationEvent struct {
	DonationID          uuid.UUID      `json:"donation_id"`
	DonorID             uuid.UUID      `json:"donor_id"`
	BeneficiaryID       uuid.UUID      `json:"beneficiary_id"`
	AssistanceRequestID *uuid.UUID     `json:"assistance_request_id,omitempty"`
	Amount              int64          `json:"amount"`
	Currency            string         `json:"currency"`
	Status              DonationStatus `json:"status"`
	LedgerTransactionID *string        `json:"ledger_transaction_id,omitempty"`
	FailureReason       *string        `json:"failure_reason,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}

// NewDonationEvent builds the broker payload for d.
func NewDonationEvent(d *Donation, at time.Time) DonationEvent {
	return DonationEvent{
		DonationID:          d.ID,
		DonorID:             d.DonorID,
		BeneficiaryID:       d.BeneficiaryID,
		AssistanceRequestID: d.AssistanceRequestID,
		Amount:              d.Amount,
		Currency:            d.Currency,
		Status:              d.Status,
		LedgerTransactionID: d.LedgerTransactionID,
		FailureReason:       d.FailureReason,
		Timestamp:           at,
	}
}

// BadgeAwardedEvent is published after a badge NFT is minted.
type BadgeAwardedEvent struct {
	BadgeID      uuid.UUID `json:"badge_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	Tier         BadgeTier `json:"tier"`
	SerialNumber *int64    `json:"serial_number,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LedgerTransferStatusEvent is consumed from the ledger gateway when a transfer that
// was submitted earlier settles.
type LedgerTransferStatusEvent struct {
	IdempotencyKey string  `json:"idempotency_key"`
	TransactionID  string  `json:"transaction_id"`
	Status         string  `json:"status"`
	Reason         *string `json:"reason,omitempty"`
}
