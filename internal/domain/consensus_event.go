package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConsensusEventType classifies a domain event recorded on the consensus topic.
type ConsensusEventType string

const (
	EventDonation          ConsensusEventType = "DONATION"
	EventEquipmentTransfer ConsensusEventType = "EQUIPMENT_TRANSFER"
	EventVolunteerHours    ConsensusEventType = "VOLUNTEER_HOURS"
	EventBadgeAwarded      ConsensusEventType = "BADGE_AWARDED"
	EventOther             ConsensusEventType = "OTHER"
)

// ConsensusEvent is an append-only audit record correlating a domain event with a
// ledger consensus message.
type ConsensusEvent struct {
	ID                  uuid.UUID          `json:"id"`
	TopicID             string             `json:"topic_id"`
	SequenceNumber      *int64             `json:"sequence_number,omitempty"`
	EventType           ConsensusEventType `json:"event_type"`
	Payload             json.RawMessage    `json:"payload"`
	Participants        []uuid.UUID        `json:"participants"`
	LedgerTransactionID *string            `json:"ledger_transaction_id,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}
