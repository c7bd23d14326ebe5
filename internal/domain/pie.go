package domain

import "time"

// Pie is a project/workspace grouping that owns zero or more slices.
type Pie struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}
