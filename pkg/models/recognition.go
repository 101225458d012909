package models

import (
	"time"

	"github.com/google/uuid"
)

type RecognitionDecision string

const (
	DecisionGlobalAccept RecognitionDecision = "GLOBAL_ACCEPT"
	DecisionGymAccept    RecognitionDecision = "GYM_ACCEPT"
	DecisionGymSelect    RecognitionDecision = "GYM_SELECT"
	DecisionRetake       RecognitionDecision = "RETAKE"
)

type Consent string

const (
	ConsentUnknown Consent = "unknown"
	ConsentGranted Consent = "granted"
	ConsentDenied  Consent = "denied"
)

type AttemptStatus string

const (
	AttemptStatusOpen      AttemptStatus = "OPEN"
	AttemptStatusConfirmed AttemptStatus = "CONFIRMED"
	AttemptStatusDiscarded AttemptStatus = "DISCARDED"
)

// RecognitionAttempt records one "what is this equipment" query. VectorHash
// fingerprints the query embedding for debugging; it is never used for lookup.
type RecognitionAttempt struct {
	ID                   uuid.UUID           `db:"id"                     json:"id"`
	GymID                uuid.UUID           `db:"gym_id"                 json:"gym_id"`
	StorageKey           string              `db:"storage_key"            json:"storage_key"`
	VectorHash           string              `db:"vector_hash"            json:"vector_hash"`
	BestEquipmentID      *uuid.UUID          `db:"best_equipment_id"      json:"best_equipment_id,omitempty"`
	BestScore            *float64            `db:"best_score"             json:"best_score,omitempty"`
	Decision             RecognitionDecision `db:"decision"               json:"decision"`
	Consent              Consent             `db:"consent"                json:"consent"`
	Status               AttemptStatus       `db:"status"                 json:"status"`
	ConfirmedEquipmentID *uuid.UUID          `db:"confirmed_equipment_id" json:"confirmed_equipment_id,omitempty"`
	CreatedAt            time.Time           `db:"created_at"             json:"created_at"`
	UpdatedAt            time.Time           `db:"updated_at"             json:"updated_at"`
}

// TrainingCandidate is spawned when a user confirms a recognition result and
// grants consent for the photo to be reused.
type TrainingCandidate struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	AttemptID   uuid.UUID `db:"attempt_id"   json:"attempt_id"`
	GymID       uuid.UUID `db:"gym_id"       json:"gym_id"`
	EquipmentID uuid.UUID `db:"equipment_id" json:"equipment_id"`
	StorageKey  string    `db:"storage_key"  json:"storage_key"`
	Status      string    `db:"status"       json:"status"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
