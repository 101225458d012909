package models

import (
	"time"

	"github.com/google/uuid"
)

// ImageScope selects which image table a record lives in.
type ImageScope string

const (
	ImageScopeGym    ImageScope = "gym"
	ImageScopeGlobal ImageScope = "global"
)

type ImageStatus string

const (
	ImageStatusPending     ImageStatus = "PENDING"
	ImageStatusApproved    ImageStatus = "APPROVED"
	ImageStatusRejected    ImageStatus = "REJECTED"
	ImageStatusQuarantined ImageStatus = "QUARANTINED"
)

// ModelRef identifies the encoder that produced an embedding. Embeddings are
// only ever compared when all three fields match.
type ModelRef struct {
	Vendor  string `json:"vendor"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (m ModelRef) String() string {
	return m.Vendor + "/" + m.Name + "@" + m.Version
}

// PersonBox is a detected person in normalized [0,1] frame coordinates.
type PersonBox struct {
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    float64 `json:"x2"`
	Y2    float64 `json:"y2"`
	Score float64 `json:"score"`
}

// Image is either a gym-scoped upload (GymID set) or a global catalog image.
type Image struct {
	ID            uuid.UUID   `db:"id"             json:"id"`
	Scope         ImageScope  `db:"-"              json:"scope"`
	EquipmentID   uuid.UUID   `db:"equipment_id"   json:"equipment_id"`
	GymID         *uuid.UUID  `db:"gym_id"         json:"gym_id,omitempty"`
	UploaderID    *uuid.UUID  `db:"uploader_id"    json:"uploader_id,omitempty"`
	StorageKey    string      `db:"storage_key"    json:"storage_key"`
	SHA256        *string     `db:"sha256"         json:"sha256,omitempty"`
	Status        ImageStatus `db:"status"         json:"status"`
	Embedding     []float32   `db:"embedding"      json:"-"`
	Model         *ModelRef   `db:"-"              json:"model,omitempty"`
	IsSafe        *bool       `db:"is_safe"        json:"is_safe,omitempty"`
	NSFWScore     *float64    `db:"nsfw_score"     json:"nsfw_score,omitempty"`
	HasPerson     *bool       `db:"has_person"     json:"has_person,omitempty"`
	PersonCount   int         `db:"person_count"   json:"person_count"`
	PersonBoxes   []PersonBox `db:"person_boxes"   json:"person_boxes,omitempty"`
	SafetyReasons []string    `db:"safety_reasons" json:"safety_reasons,omitempty"`
	ByteSize      *int64      `db:"byte_size"      json:"byte_size,omitempty"`
	CreatedAt     time.Time   `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"     json:"updated_at"`
}

// HasEmbedding reports whether the image carries a vector together with the
// model tuple that produced it.
func (i *Image) HasEmbedding() bool {
	return len(i.Embedding) > 0 && i.Model != nil
}
