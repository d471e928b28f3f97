package domain

import (
	"time"

	"github.com/google/uuid"
)

// AssistanceRequestStatus is the funding state of an assistance request.
type AssistanceRequestStatus string

const (
	RequestOpen       AssistanceRequestStatus = "open"
	RequestInProgress AssistanceRequestStatus = "in_progress"
	RequestFulfilled  AssistanceRequestStatus = "fulfilled"
	RequestCancelled  AssistanceRequestStatus = "cancelled"
)

// Urgency levels accepted for an assistance request.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// AssistanceRequest maps to the `assistance_requests` table.
type AssistanceRequest struct {
	ID           uuid.UUID               `json:"id"`
	OwnerID      uuid.UUID               `json:"owner_id"`
	Title        string                  `json:"title"`
	Description  string                  `json:"description"`
	Category     string                  `json:"category"`
	Urgency      string                  `json:"urgency"`
	AmountNeeded *int64                  `json:"amount_needed,omitempty"` // in cents
	AmountRaised int64                   `json:"amount_raised"`           // in cents
	Status       AssistanceRequestStatus `json:"status"`
	Version      int64                   `json:"-"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// CreateAssistanceRequest is the input for opening a new request.
type CreateAssistanceRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Urgency      string `json:"urgency"`
	AmountNeeded *int64 `json:"amount_needed,omitempty"`
}

// AssistanceRequestFilter narrows a request listing. Empty fields match everything.
type AssistanceRequestFilter struct {
	OwnerID          *uuid.UUID
	Category         string
	Urgency          string
	Status           AssistanceRequestStatus
	ExcludeCancelled bool
}

// Matches reports whether req satisfies every set field of the filter.
func (f AssistanceRequestFilter) Matches(req AssistanceRequest) bool {
	switch {
	case f.OwnerID != nil && req.OwnerID != *f.OwnerID:
		return false
	case f.Category != "" && req.Category != f.Category:
		return false
	case f.Urgency != "" && req.Urgency != f.Urgency:
		return false
	case f.Status != "" && req.Status != f.Status:
		return false
	case f.ExcludeCancelled && req.Status == RequestCancelled:
		return false
	}
	return true
}

// IsValid reports whether s is a known request status.
func (s AssistanceRequestStatus) IsValid() bool {
	switch s {
	case RequestOpen, RequestInProgress, RequestFulfilled, RequestCancelled:
		return true
	}
	return false
}
