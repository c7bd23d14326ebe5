package domain

import "time"

// Slice statuses, monotone: Creating -> Running -> Stopped. The store
// persists new slices as Running and only ever moves them to Stopped;
// Creating and Error are part of the wire schema but are never assigned.
const (
	SliceStatusCreating = "creating"
	SliceStatusRunning  = "running"
	SliceStatusStopped  = "stopped"
	SliceStatusError    = "error"
)

// Slice is one running checkout of a pie.
type Slice struct {
	ID        string
	PieID     string
	Ordinal   int
	Host      string
	Status    string
	CreatedAt time.Time
	StoppedAt *time.Time
}

// SliceWithResources bundles a slice with its persisted resources.
type SliceWithResources struct {
	Slice     Slice
	Resources []SliceResource
}
