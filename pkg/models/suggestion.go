package models

import (
	"time"

	"github.com/google/uuid"
)

type SuggestionStatus string

const (
	SuggestionStatusPending  SuggestionStatus = "PENDING"
	SuggestionStatusApproved SuggestionStatus = "APPROVED"
	SuggestionStatusRejected SuggestionStatus = "REJECTED"
)

// Reason codes attached to a usefulness score.
const (
	ReasonNoGlobal      = "NO_GLOBAL"
	ReasonLowCoverage   = "LOW_COVERAGE"
	ReasonGrowth        = "GROWTH"
	ReasonHiRes         = "HI_RES"
	ReasonFresh         = "FRESH"
	ReasonNearDup       = "NEAR_DUP"
	ReasonNearDupStrong = "NEAR_DUP_STRONG"
)

// GlobalImageSuggestion proposes promoting a gym image into the global
// catalog. Rows are unique per SHA256.
type GlobalImageSuggestion struct {
	ID              uuid.UUID        `db:"id"                json:"id"`
	EquipmentID     uuid.UUID        `db:"equipment_id"      json:"equipment_id"`
	GymImageID      uuid.UUID        `db:"gym_image_id"      json:"gym_image_id"`
	StorageKey      string           `db:"storage_key"       json:"storage_key"`
	SHA256          string           `db:"sha256"            json:"sha256"`
	UsefulnessScore float64          `db:"usefulness_score"  json:"usefulness_score"`
	ReasonCodes     []string         `db:"reason_codes"      json:"reason_codes"`
	NearDupImageID  *uuid.UUID       `db:"near_dup_image_id" json:"near_dup_image_id,omitempty"`
	NearDupScore    *float64         `db:"near_dup_score"    json:"near_dup_score,omitempty"`
	Status          SuggestionStatus `db:"status"            json:"status"`
	CreatedAt       time.Time        `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"        json:"updated_at"`
}
