package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bakerylabs/bakeryd/internal/apperr"
	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/portalloc"
	"github.com/bakerylabs/bakeryd/internal/routerport"
	"github.com/bakerylabs/bakeryd/internal/store"
)

// storeStub is an in-memory store.Store good enough to exercise the
// orchestrator without a real database.
type storeStub struct {
	mu       sync.Mutex
	ordinal  int
	ports    []int
	slices   map[string]domain.SliceWithResources
	nextID   int
	stopErr  error
	removeID string
}

func newStoreStub() *storeStub {
	return &storeStub{slices: make(map[string]domain.SliceWithResources)}
}

func (s *storeStub) CreatePie(ctx context.Context, name, slug string) (domain.Pie, error) {
	return domain.Pie{}, nil
}
func (s *storeStub) ListPies(ctx context.Context) ([]domain.Pie, error) { return nil, nil }
func (s *storeStub) FindPieByIDOrSlug(ctx context.Context, identifier string) (*domain.Pie, error) {
	return nil, nil
}
func (s *storeStub) DeletePieCascade(ctx context.Context, pieID string) error { return nil }

func (s *storeStub) NextSliceOrdinal(ctx context.Context, pieID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ordinal++
	return s.ordinal, nil
}

func (s *storeStub) CreateSlice(ctx context.Context, pieID string, ordinal int, host, status string) (domain.Slice, error) {
	return domain.Slice{}, nil
}

func (s *storeStub) AddSliceResources(ctx context.Context, sliceID string, resources []store.SliceResourceInput) ([]domain.SliceResource, error) {
	return nil, nil
}

func (s *storeStub) CreateSliceWithResources(ctx context.Context, pieID string, ordinal int, host string, resources []store.SliceResourceInput) (domain.SliceWithResources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	slice := domain.Slice{
		ID:      "slice-" + string(rune('0'+s.nextID)),
		PieID:   pieID,
		Ordinal: ordinal,
		Host:    host,
		Status:  domain.SliceStatusCreating,
	}
	out := make([]domain.SliceResource, 0, len(resources))
	for _, r := range resources {
		out = append(out, domain.SliceResource{
			ID:            r.Key + "-res",
			SliceID:       slice.ID,
			Key:           r.Key,
			AllocatedPort: r.AllocatedPort,
			Protocol:      r.Protocol,
			Expose:        r.Expose,
			RouteHost:     r.RouteHost,
			RouteURL:      r.RouteURL,
		})
	}
	result := domain.SliceWithResources{Slice: slice, Resources: out}
	s.slices[slice.ID] = result
	return result, nil
}

func (s *storeStub) StopSlice(ctx context.Context, sliceID string) (domain.Slice, error) {
	if s.stopErr != nil {
		return domain.Slice{}, s.stopErr
	}
	entry := s.slices[sliceID]
	entry.Slice.Status = domain.SliceStatusStopped
	s.slices[sliceID] = entry
	return entry.Slice, nil
}

func (s *storeStub) DeleteSliceCascade(ctx context.Context, sliceID string) (string, error) {
	s.removeID = sliceID
	entry := s.slices[sliceID]
	delete(s.slices, sliceID)
	return entry.Slice.PieID, nil
}

func (s *storeStub) GetSliceByID(ctx context.Context, sliceID string) (*domain.SliceWithResources, error) {
	entry, ok := s.slices[sliceID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}
func (s *storeStub) GetSliceByHost(ctx context.Context, host string) (*domain.SliceWithResources, error) {
	return nil, nil
}
func (s *storeStub) ListSlices(ctx context.Context, filter store.ListSlicesFilter) ([]domain.SliceWithResources, error) {
	return nil, nil
}

func (s *storeStub) AllocatedPorts(ctx context.Context) ([]int, error) {
	return s.ports, nil
}

func (s *storeStub) GetHostRoute(ctx context.Context, host string) (*domain.HostRoute, error) {
	return nil, nil
}

func (s *storeStub) AppendAuditLog(ctx context.Context, kind string, pieID, sliceID *string, payload json.RawMessage) error {
	return nil
}

func (s *storeStub) CountPies(ctx context.Context) (int, error) { return 0, nil }
func (s *storeStub) CountSlicesByStatus(ctx context.Context) (map[string]int, error) {
	return nil, nil
}
func (s *storeStub) CountSlicesByPie(ctx context.Context) ([]store.PieSliceCount, error) {
	return nil, nil
}
func (s *storeStub) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPie() domain.Pie {
	return domain.Pie{ID: "pie-1", Name: "Demo", Slug: "demo"}
}

func TestCreateSliceHappyPath(t *testing.T) {
	st := newStoreStub()
	alloc := portalloc.New(30000, 30010)
	rp := routerport.New()
	rp.Set(4080)
	svc := New(st, alloc, rp, "localtest.me", testLogger())

	out, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie: testPie(),
		Resources: []CreateSliceResourceInput{
			{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposePrimary},
			{Key: "db", Protocol: domain.ProtocolTCP, Expose: domain.ExposeNone},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Slice.Host != "demo-s1.localtest.me" {
		t.Fatalf("unexpected host %q", out.Slice.Host)
	}
	if out.RouterPort != 4080 {
		t.Fatalf("expected router port 4080, got %d", out.RouterPort)
	}
	if len(out.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(out.Resources))
	}

	projection := ToSliceCreateOutput(out)
	if projection.URL == nil || *projection.URL != "http://demo-s1.localtest.me:4080" {
		t.Fatalf("unexpected derived url: %v", projection.URL)
	}
	if len(projection.AllocatedPorts) != 2 {
		t.Fatalf("expected 2 allocated ports, got %d", len(projection.AllocatedPorts))
	}
}

func TestCreateSliceElidesStandardPorts(t *testing.T) {
	st := newStoreStub()
	alloc := portalloc.New(30000, 30010)
	rp := routerport.New()
	rp.Set(80)
	svc := New(st, alloc, rp, "localtest.me", testLogger())

	out, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposePrimary}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *out.Resources[0].RouteURL; got != "http://demo-s1.localtest.me" {
		t.Fatalf("expected port-elided url, got %q", got)
	}
}

func TestCreateSliceSubdomainRoute(t *testing.T) {
	st := newStoreStub()
	alloc := portalloc.New(30000, 30010)
	rp := routerport.New()
	rp.Set(4080)
	svc := New(st, alloc, rp, "localtest.me", testLogger())

	out, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "studio", Protocol: domain.ProtocolHTTP, Expose: domain.ExposeSubdomain}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *out.Resources[0].RouteHost; got != "studio.demo-s1.localtest.me" {
		t.Fatalf("unexpected route host %q", got)
	}
}

func TestCreateSliceRejectsNoResources(t *testing.T) {
	svc := New(newStoreStub(), portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	_, err := svc.CreateSlice(context.Background(), CreateSliceInput{Pie: testPie()})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument, got %v", apperr.KindOf(err))
	}
}

func TestCreateSliceRejectsDuplicateKeys(t *testing.T) {
	svc := New(newStoreStub(), portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	_, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie: testPie(),
		Resources: []CreateSliceResourceInput{
			{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposeNone},
			{Key: "app", Protocol: domain.ProtocolTCP, Expose: domain.ExposeNone},
		},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for duplicate keys, got %v", apperr.KindOf(err))
	}
}

func TestCreateSliceRejectsMultiplePrimaryHTTP(t *testing.T) {
	svc := New(newStoreStub(), portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	_, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie: testPie(),
		Resources: []CreateSliceResourceInput{
			{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposePrimary},
			{Key: "admin", Protocol: domain.ProtocolHTTP, Expose: domain.ExposePrimary},
		},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for two primary http resources, got %v", apperr.KindOf(err))
	}
}

func TestCreateSliceRejectsBadResourceKey(t *testing.T) {
	svc := New(newStoreStub(), portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	_, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "App!", Protocol: domain.ProtocolHTTP, Expose: domain.ExposeNone}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for bad key, got %v", apperr.KindOf(err))
	}
}

func TestCreateSliceRejectsBadProtocolAndExpose(t *testing.T) {
	svc := New(newStoreStub(), portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	_, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "app", Protocol: "ftp", Expose: domain.ExposeNone}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for bad protocol, got %v", apperr.KindOf(err))
	}

	_, err = svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "app", Protocol: domain.ProtocolHTTP, Expose: "internal"}},
	})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for bad expose, got %v", apperr.KindOf(err))
	}
}

func TestStopSliceIsIdempotent(t *testing.T) {
	st := newStoreStub()
	svc := New(st, portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	created, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposeNone}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stopped, err := svc.StopSlice(context.Background(), created.Slice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped.Status != domain.SliceStatusStopped {
		t.Fatalf("expected stopped status, got %q", stopped.Status)
	}

	stopped, err = svc.StopSlice(context.Background(), created.Slice.ID)
	if err != nil {
		t.Fatalf("unexpected error on repeat stop: %v", err)
	}
	if stopped.Status != domain.SliceStatusStopped {
		t.Fatalf("expected stopped status on repeat call, got %q", stopped.Status)
	}
}

func TestRemoveSliceReturnsPieID(t *testing.T) {
	st := newStoreStub()
	svc := New(st, portalloc.New(30000, 30010), routerport.New(), "localtest.me", testLogger())
	created, err := svc.CreateSlice(context.Background(), CreateSliceInput{
		Pie:       testPie(),
		Resources: []CreateSliceResourceInput{{Key: "app", Protocol: domain.ProtocolHTTP, Expose: domain.ExposeNone}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pieID, err := svc.RemoveSlice(context.Background(), created.Slice.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pieID != "pie-1" {
		t.Fatalf("expected pie-1, got %q", pieID)
	}
	if _, ok := st.slices[created.Slice.ID]; ok {
		t.Fatal("expected slice removed from store")
	}
}
