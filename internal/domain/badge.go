package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BadgeTier is a totally ordered achievement level. The zero value is TierBronze.
type BadgeTier int

const (
	TierBronze BadgeTier = iota
	TierSilver
	TierGold
	TierDiamond
	TierLegendary
)

// tierThresholds holds the minimum cumulative donation total, in cents, for each tier.
var tierThresholds = [...]int64{
	TierBronze:    0,
	TierSilver:    500_00,
	TierGold:      2_000_00,
	TierDiamond:   5_000_00,
	TierLegendary: 10_000_00,
}

var tierNames = [...]string{
	TierBronze:    "BRONZE",
	TierSilver:    "SILVER",
	TierGold:      "GOLD",
	TierDiamond:   "DIAMOND",
	TierLegendary: "LEGENDARY",
}

var tierTitles = [...]string{
	TierBronze:    "Donateur Novice",
	TierSilver:    "Donateur Actif",
	TierGold:      "Donateur Engagé",
	TierDiamond:   "Bienfaiteur",
	TierLegendary: "Légende",
}

// AllTiers lists every tier in ascending order.
func AllTiers() []BadgeTier {
	return []BadgeTier{TierBronze, TierSilver, TierGold, TierDiamond, TierLegendary}
}

// TierForTotal returns the highest tier whose threshold is met by totalCents.
func TierForTotal(totalCents int64) BadgeTier {
	tier := TierBronze
	for _, t := range AllTiers() {
		if totalCents >= tierThresholds[t] {
			tier = t
		}
	}
	return tier
}

// Valid reports whether t is one of the defined tiers.
func (t BadgeTier) Valid() bool {
	return t >= TierBronze && t <= TierLegendary
}

// Compare returns -1, 0 or 1 as t is lower than, equal to or higher than other.
func (t BadgeTier) Compare(other BadgeTier) int {
	switch {
	case t < other:
		return -1
	case t > other:
		return 1
	default:
		return 0
	}
}

// Threshold is the minimum donation total in cents for the tier.
func (t BadgeTier) Threshold() int64 {
	if !t.Valid() {
		return 0
	}
	return tierThresholds[t]
}

// Title is the display name minted into the badge metadata.
func (t BadgeTier) Title() string {
	if !t.Valid() {
		return ""
	}
	return tierTitles[t]
}

func (t BadgeTier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("BadgeTier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseBadgeTier parses the upper-case tier name, case-insensitively.
func ParseBadgeTier(s string) (BadgeTier, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, t := range AllTiers() {
		if tierNames[t] == name {
			return t, nil
		}
	}
	return TierBronze, fmt.Errorf("%w: unknown badge tier %q", ErrValidation, s)
}

func (t BadgeTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *BadgeTier) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseBadgeTier(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// BadgeStatus tracks whether the badge NFT has been minted on the ledger.
type BadgeStatus string

const (
	// BadgePending marks a claimed tier whose mint has not been confirmed yet.
	BadgePending BadgeStatus = "pending"
	BadgeMinted  BadgeStatus = "minted"
)

// Badge maps to the `badges` table. (OwnerID, Tier) is unique.
type Badge struct {
	ID                  uuid.UUID       `json:"id"`
	OwnerID             uuid.UUID       `json:"owner_id"`
	Tier                BadgeTier       `json:"tier"`
	Status              BadgeStatus     `json:"status"`
	CollectionID        string          `json:"collection_id"`
	SerialNumber        *int64          `json:"serial_number,omitempty"`
	LedgerTransactionID *string         `json:"ledger_transaction_id,omitempty"`
	ContentHash         *string         `json:"content_hash,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// BadgeAttribute is one trait entry in the badge metadata document.
type BadgeAttribute struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
}

// BadgeMetadata is the document uploaded to the content store and referenced by the NFT.
type BadgeMetadata struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Image       string           `json:"image,omitempty"`
	Collection  string           `json:"collection"`
	Attributes  []BadgeAttribute `json:"attributes"`
}

// HighestTier returns the highest tier among badges, defaulting to TierBronze.
func HighestTier(badges []Badge) BadgeTier {
	highest := TierBronze
	for _, b := range badges {
		if b.Tier.Compare(highest) > 0 {
			highest = b.Tier
		}
	}
	return highest
}
