/**
 * @description
 * This file defines the domain models for the donation-service. These structs are
 * the plain records exchanged between the orchestrator, the engines and the
 * repository; none of them carry behaviour that touches storage.
 *
 * @notes
 * - Money amounts are `int64` in the smallest currency unit (cents).
 * - Ledger amounts are `int64` in the ledger's smallest native unit (tinybar).
 * - `Version` fields are optimistic concurrency tokens owned by the repository.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is the participation role of a user.
type Role string

const (
	RoleBeneficiary Role = "beneficiary"
	RoleDonor       Role = "donor"
	RoleAdmin       Role = "admin"
)

// WalletType tells who holds the signing key for a user's ledger account.
type WalletType string

const (
	// WalletCustodial accounts are signed for by the platform treasury.
	WalletCustodial WalletType = "custodial"
	// WalletExternal accounts are signed by the owner's own wallet.
	WalletExternal WalletType = "external"
)

// User maps to the `users` table.
type User struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	FullName        string     `json:"full_name"`
	Role            Role       `json:"role"`
	LedgerAccountID *string    `json:"ledger_account_id,omitempty"`
	WalletType      WalletType `json:"wallet_type"`
	DonationsCount  int64      `json:"donations_count"`
	DonationsTotal  int64      `json:"donations_total"` // in cents
	VolunteerHours  int64      `json:"volunteer_hours"`
	ReputationScore int        `json:"reputation_score"`
	MemberSince     time.Time  `json:"member_since"`
	Version         int64      `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasLedgerAccount reports whether the user can send or receive ledger value.
func (u *User) HasLedgerAccount() bool {
	return u != nil && u.LedgerAccountID != nil && *u.LedgerAccountID != ""
}

// ReputationSnapshot is the read model returned by the reputation endpoint.
type ReputationSnapshot struct {
	UserID                 uuid.UUID `json:"user_id"`
	Role                   Role      `json:"role"`
	Score                  int       `json:"score"`
	DonationsCount         int64     `json:"donations_count"`
	DonationsTotal         int64     `json:"donations_total"`
	VolunteerHours         int64     `json:"volunteer_hours"`
	AssistanceRequestCount int64     `json:"assistance_request_count"`
	BadgeCount             int64     `json:"badge_count"`
	MemberSince            time.Time `json:"member_since"`
	ComputedAt             time.Time `json:"computed_at"`
}

// UserStats is the stored profile summary returned by the user stats endpoint.
// Unlike ReputationSnapshot it reports the persisted score rather than recomputing it.
type UserStats struct {
	UserID                 uuid.UUID `json:"user_id"`
	ReputationScore        int       `json:"reputation_score"`
	DonationsCount         int64     `json:"donations_count"`
	DonationsTotal         int64     `json:"donations_total"`
	VolunteerHours         int64     `json:"volunteer_hours"`
	MemberSince            time.Time `json:"member_since"`
	BadgeCount             int64     `json:"badge_count"`
	AssistanceRequestCount int64     `json:"assistance_request_count"`
}
