// Package store defines Bakery's persistence contract. Every operation is a
// self-contained transaction; composite workflows (slice creation, cascading
// pie delete) run as a single transaction on the implementing type, so a
// caller never observes partial results.
package store

import (
	"context"
	"encoding/json"

	"github.com/bakerylabs/bakeryd/internal/domain"
)

// ListSlicesFilter narrows ListSlices to one pie, or (when All is true) to
// every pie. PieID and All are mutually exclusive; the caller enforces that.
type ListSlicesFilter struct {
	PieID string
	All   bool
}

// SliceResourceInput describes one resource row to insert as part of a
// slice creation batch, already carrying its allocated port and any
// synthesized route.
type SliceResourceInput struct {
	Key           string
	Protocol      string
	Expose        string
	AllocatedPort int
	RouteHost     *string
	RouteURL      *string
}

// PieSliceCount summarizes slice totals for one pie, for the status snapshot.
type PieSliceCount struct {
	PieID   string
	PieName string
	PieSlug string
	Total   int
	Running int
}

// Store is the full persistence surface. Orchestrator, Control API, and
// Router Proxy hold read-only handles plus mutate exclusively through these
// operations; the Store owns every transaction boundary.
type Store interface {
	// CreatePie inserts a pie and its pie.created audit row atomically.
	// Fails with a Conflict apperr if slug already exists.
	CreatePie(ctx context.Context, name, slug string) (domain.Pie, error)

	// ListPies returns pies ordered by createdAt descending.
	ListPies(ctx context.Context) ([]domain.Pie, error)

	// FindPieByIDOrSlug returns nil, nil when no pie matches.
	FindPieByIDOrSlug(ctx context.Context, identifier string) (*domain.Pie, error)

	// DeletePieCascade stops and removes every slice of the pie, removes the
	// pie itself, and appends slice.deleted (one per removed slice) and
	// pie.deleted audit rows, all in one transaction. These rows are written
	// with null pieId and sliceId columns so they survive the cascade; the
	// pie id (and, for slice.deleted, the slice id) is carried in the payload.
	DeletePieCascade(ctx context.Context, pieID string) error

	// NextSliceOrdinal returns max(ordinal)+1 for the pie, starting at 1.
	NextSliceOrdinal(ctx context.Context, pieID string) (int, error)

	// CreateSlice inserts a slice row in the given status. Fails with an
	// InvalidArgument apperr (HTTP 400) on host or (pieID, ordinal)
	// collision; Conflict is used only for pie slug collisions.
	CreateSlice(ctx context.Context, pieID string, ordinal int, host, status string) (domain.Slice, error)

	// AddSliceResources inserts the resource batch for a slice in one
	// transaction, failing atomically on any uniqueness violation of
	// (sliceID, key), allocatedPort, or routeHost.
	AddSliceResources(ctx context.Context, sliceID string, resources []SliceResourceInput) ([]domain.SliceResource, error)

	// CreateSliceWithResources combines CreateSlice and AddSliceResources
	// (and the slice.created audit) into a single transaction, so a slice
	// created with resources is never visible with only some of its rows
	// present.
	CreateSliceWithResources(ctx context.Context, pieID string, ordinal int, host string, resources []SliceResourceInput) (domain.SliceWithResources, error)

	// StopSlice idempotently transitions a slice to stopped, setting
	// stoppedAt exactly on the transition, and appends a slice.stopped
	// audit row, atomically.
	StopSlice(ctx context.Context, sliceID string) (domain.Slice, error)

	// DeleteSliceCascade removes the slice (cascading to its resources) and
	// appends a slice.deleted audit row with pieId set and sliceId null,
	// atomically. Returns the slice's pieID.
	DeleteSliceCascade(ctx context.Context, sliceID string) (string, error)

	GetSliceByID(ctx context.Context, sliceID string) (*domain.SliceWithResources, error)
	GetSliceByHost(ctx context.Context, host string) (*domain.SliceWithResources, error)
	ListSlices(ctx context.Context, filter ListSlicesFilter) ([]domain.SliceWithResources, error)

	// AllocatedPorts returns every port persisted across all resources ever
	// active, for the port allocator's reserved set.
	AllocatedPorts(ctx context.Context) ([]int, error)

	// GetHostRoute performs the derived HostRoute lookup the router proxy
	// uses on every request.
	GetHostRoute(ctx context.Context, host string) (*domain.HostRoute, error)

	// AppendAuditLog appends a standalone audit row outside any other
	// mutation's transaction (used for events with no associated write,
	// e.g. none currently, but kept for callers that need it directly).
	AppendAuditLog(ctx context.Context, kind string, pieID, sliceID *string, payload json.RawMessage) error

	CountPies(ctx context.Context) (int, error)
	CountSlicesByStatus(ctx context.Context) (map[string]int, error)
	CountSlicesByPie(ctx context.Context) ([]PieSliceCount, error)

	Close() error
}
