// Package models contains shared data models used across the GymVision codebase.
package models

import "context"

// Embedder is the interface every image encoder integration implements.
// Never call a concrete encoder directly; inject this interface.
type Embedder interface {
	// Embed converts encoded image bytes into an L2-normalized vector.
	Embed(ctx context.Context, image []byte) ([]float32, error)
	// Model returns the vendor/name/version tuple stamped on every vector.
	Model() ModelRef
	// Dimension is the fixed vector length produced by Embed.
	Dimension() int
}

// SafetyResult is the raw output of the safety models. Whether the image is
// acceptable is decided by the caller against its own thresholds.
type SafetyResult struct {
	NSFWScore   float64     `json:"nsfw_score"`
	HasPerson   bool        `json:"has_person"`
	PersonCount int         `json:"person_count"`
	PersonBoxes []PersonBox `json:"person_boxes,omitempty"`
}

// SafetyChecker screens image bytes for NSFW content and people.
type SafetyChecker interface {
	Check(ctx context.Context, image []byte) (SafetyResult, error)
}
