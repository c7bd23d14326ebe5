// Package orchestrator composes the port allocator and store into slice
// lifecycle operations: a small struct holding its dependencies, input
// structs per operation, and validation errors classified via apperr.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bakerylabs/bakeryd/internal/apperr"
	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/portalloc"
	"github.com/bakerylabs/bakeryd/internal/routerport"
	"github.com/bakerylabs/bakeryd/internal/store"
)

var resourceKeyExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// CreateSliceResourceInput describes one resource to attach to a new slice.
type CreateSliceResourceInput struct {
	Key      string
	Protocol string
	Expose   string
}

// CreateSliceInput describes a slice creation request.
type CreateSliceInput struct {
	Pie       domain.Pie
	Resources []CreateSliceResourceInput
}

// OrchestratedSlice is a freshly created slice enriched with the fields the
// Control API's wire response needs beyond the raw store rows.
type OrchestratedSlice struct {
	Slice      domain.Slice
	Resources  []domain.SliceResource
	PieSlug    string
	RouterPort int
}

// Service creates, stops, and removes slices.
type Service struct {
	store      store.Store
	allocator  *portalloc.Allocator
	routerPort *routerport.Provider
	hostSuffix string
	logger     *slog.Logger
}

// New returns a slice orchestrator.
func New(st store.Store, allocator *portalloc.Allocator, routerPort *routerport.Provider, hostSuffix string, logger *slog.Logger) Service {
	return Service{store: st, allocator: allocator, routerPort: routerPort, hostSuffix: hostSuffix, logger: logger}
}

func validateResource(r CreateSliceResourceInput) error {
	if len(r.Key) == 0 || len(r.Key) > 64 || !resourceKeyExpr.MatchString(r.Key) {
		return apperr.InvalidArgument(fmt.Sprintf("resource key %q must match ^[a-z0-9][a-z0-9-]*$ and be at most 64 characters", r.Key))
	}
	switch r.Protocol {
	case domain.ProtocolHTTP, domain.ProtocolTCP, domain.ProtocolUDP:
	default:
		return apperr.InvalidArgument(fmt.Sprintf("resource protocol %q must be http, tcp, or udp", r.Protocol))
	}
	switch r.Expose {
	case domain.ExposePrimary, domain.ExposeSubdomain, domain.ExposeNone:
	default:
		return apperr.InvalidArgument(fmt.Sprintf("resource expose %q must be primary, subdomain, or none", r.Expose))
	}
	return nil
}

// CreateSlice assigns an ordinal, synthesizes the slice hostname, allocates
// ports, builds resource route URLs, and persists the whole thing as one
// transaction. No partial slice is left behind on failure.
func (s Service) CreateSlice(ctx context.Context, input CreateSliceInput) (OrchestratedSlice, error) {
	if len(input.Resources) == 0 {
		return OrchestratedSlice{}, apperr.InvalidArgument("at least one resource is required")
	}

	seenKeys := make(map[string]struct{}, len(input.Resources))
	primaryHTTPCount := 0
	for _, r := range input.Resources {
		if err := validateResource(r); err != nil {
			return OrchestratedSlice{}, err
		}
		if _, dup := seenKeys[r.Key]; dup {
			return OrchestratedSlice{}, apperr.InvalidArgument(fmt.Sprintf("duplicate resource key %q", r.Key))
		}
		seenKeys[r.Key] = struct{}{}
		if r.Protocol == domain.ProtocolHTTP && r.Expose == domain.ExposePrimary {
			primaryHTTPCount++
		}
	}
	if primaryHTTPCount > 1 {
		return OrchestratedSlice{}, apperr.InvalidArgument("at most one resource may be (http, primary)")
	}

	ordinal, err := s.store.NextSliceOrdinal(ctx, input.Pie.ID)
	if err != nil {
		return OrchestratedSlice{}, err
	}
	host := fmt.Sprintf("%s-s%d.%s", input.Pie.Slug, ordinal, s.hostSuffix)

	reserved, err := s.store.AllocatedPorts(ctx)
	if err != nil {
		return OrchestratedSlice{}, err
	}
	ports, err := s.allocator.AllocateMany(len(input.Resources), reserved)
	if err != nil {
		return OrchestratedSlice{}, err
	}

	routerPort := s.routerPort.Get()
	resourceInputs := make([]store.SliceResourceInput, 0, len(input.Resources))
	for i, r := range input.Resources {
		routeHost := computeRouteHost(r, host)
		var routeURL *string
		if routeHost != nil {
			u := buildRouteURL(*routeHost, routerPort)
			routeURL = &u
		}
		resourceInputs = append(resourceInputs, store.SliceResourceInput{
			Key:           r.Key,
			Protocol:      r.Protocol,
			Expose:        r.Expose,
			AllocatedPort: ports[i],
			RouteHost:     routeHost,
			RouteURL:      routeURL,
		})
	}

	created, err := s.store.CreateSliceWithResources(ctx, input.Pie.ID, ordinal, host, resourceInputs)
	if err != nil {
		return OrchestratedSlice{}, err
	}

	if s.logger != nil {
		s.logger.Info("slice created", "slice_id", created.Slice.ID, "pie_id", input.Pie.ID, "host", host)
	}

	return OrchestratedSlice{
		Slice:      created.Slice,
		Resources:  created.Resources,
		PieSlug:    input.Pie.Slug,
		RouterPort: routerPort,
	}, nil
}

func computeRouteHost(r CreateSliceResourceInput, host string) *string {
	if r.Protocol != domain.ProtocolHTTP {
		return nil
	}
	switch r.Expose {
	case domain.ExposePrimary:
		h := host
		return &h
	case domain.ExposeSubdomain:
		h := r.Key + "." + host
		return &h
	default:
		return nil
	}
}

// buildRouteURL synthesizes routeUrl := "http://" + routeHost + portSuffix,
// eliding the port when the router listens on 80 or 443.
func buildRouteURL(routeHost string, routerPort int) string {
	if routerPort == 80 || routerPort == 443 {
		return "http://" + routeHost
	}
	return fmt.Sprintf("http://%s:%d", routeHost, routerPort)
}

// StopSlice idempotently transitions a slice to stopped.
func (s Service) StopSlice(ctx context.Context, sliceID string) (domain.Slice, error) {
	slice, err := s.store.StopSlice(ctx, sliceID)
	if err != nil {
		return domain.Slice{}, err
	}
	if s.logger != nil {
		s.logger.Info("slice stopped", "slice_id", sliceID)
	}
	return slice, nil
}

// RemoveSlice deletes persisted state for the slice, returning its pie id.
func (s Service) RemoveSlice(ctx context.Context, sliceID string) (string, error) {
	pieID, err := s.store.DeleteSliceCascade(ctx, sliceID)
	if err != nil {
		return "", err
	}
	if s.logger != nil {
		s.logger.Info("slice removed", "slice_id", sliceID, "pie_id", pieID)
	}
	return pieID, nil
}

// SliceCreateOutput carries the derived fields a create-slice response needs
// beyond the raw persisted rows.
type SliceCreateOutput struct {
	URL            *string
	AllocatedPorts []int
}

// ToSliceCreateOutput computes url (the unique primary-http resource's
// routeUrl, or nil) and allocatedPorts in input order.
func ToSliceCreateOutput(o OrchestratedSlice) SliceCreateOutput {
	out := SliceCreateOutput{AllocatedPorts: make([]int, 0, len(o.Resources))}
	for _, r := range o.Resources {
		out.AllocatedPorts = append(out.AllocatedPorts, r.AllocatedPort)
		if r.IsPrimaryHTTP() && r.RouteURL != nil {
			url := *r.RouteURL
			out.URL = &url
		}
	}
	return out
}
