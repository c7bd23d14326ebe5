package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/store"
)

// fakeStore answers GetHostRoute with a fixed route or error; every other
// store.Store method panics if called, since the proxy only ever calls
// GetHostRoute.
type fakeStore struct {
	store.Store
	route *domain.HostRoute
	err   error
}

func (s *fakeStore) GetHostRoute(ctx context.Context, host string) (*domain.HostRoute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.route, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeHost(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Example.com", "example.com"},
		{"example.com:8080", "example.com"},
		{"[::1]:4080", "::1"},
		{" example.com ", "example.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeHost(c.in); got != c.want {
			t.Errorf("normalizeHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestApplyForwardedHeadersDefaultsAndAppends(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.5")
	applyForwardedHeaders(h, "app.localtest.me:4080", "198.51.100.9:55555")

	if h.Get("X-Forwarded-Host") != "app.localtest.me:4080" {
		t.Errorf("unexpected X-Forwarded-Host: %q", h.Get("X-Forwarded-Host"))
	}
	if h.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("expected default proto http, got %q", h.Get("X-Forwarded-Proto"))
	}
	if h.Get("X-Forwarded-Port") != "4080" {
		t.Errorf("expected port 4080, got %q", h.Get("X-Forwarded-Port"))
	}
	if want := "203.0.113.5, 198.51.100.9"; h.Get("X-Forwarded-For") != want {
		t.Errorf("expected appended forwarded-for %q, got %q", want, h.Get("X-Forwarded-For"))
	}
}

func TestApplyForwardedHeadersHonorsIncomingProto(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-Proto", "HTTPS, http")
	applyForwardedHeaders(h, "app.localtest.me", "203.0.113.5:1234")

	if h.Get("X-Forwarded-Proto") != "https" {
		t.Errorf("expected lowercase first token https, got %q", h.Get("X-Forwarded-Proto"))
	}
	if h.Get("X-Forwarded-Port") != "443" {
		t.Errorf("expected default 443 for https with no explicit port, got %q", h.Get("X-Forwarded-Port"))
	}
}

func TestApplyForwardedHeadersFallsBackOnNonNumericPort(t *testing.T) {
	h := http.Header{}
	applyForwardedHeaders(h, "evil.com:abc", "203.0.113.5:1234")

	if h.Get("X-Forwarded-Port") != "80" {
		t.Errorf("expected fallback port 80 for non-numeric Host port, got %q", h.Get("X-Forwarded-Port"))
	}
}

func TestServeMissingHostHeader(t *testing.T) {
	p := &Proxy{logger: testLogger(), metrics: newMetricsCollector()}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	rr := httptest.NewRecorder()
	p.serve(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestServeNoRouteForHost(t *testing.T) {
	p := New(&fakeStore{}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unknown.localtest.me"
	rr := httptest.NewRecorder()
	p.serve(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestServeStoppedSliceReturns503(t *testing.T) {
	p := New(&fakeStore{
		route: &domain.HostRoute{Host: "app.localtest.me", AllocatedPort: 30001, SliceStatus: domain.SliceStatusStopped},
	}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.localtest.me"
	rr := httptest.NewRecorder()
	p.serve(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestServeRouteLookupFailureReturns500(t *testing.T) {
	p := New(&fakeStore{err: errors.New("database is locked")}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.localtest.me"
	rr := httptest.NewRecorder()
	p.serve(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on route lookup failure, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "Route lookup failed" {
		t.Fatalf("expected a route-lookup-specific message distinct from the upstream-dial message, got %q", body["error"])
	}
}

func TestServeProxiesRequestAndResponseToRunningSlice(t *testing.T) {
	var gotHost, gotForwardedFor, gotForwardedProto string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotForwardedProto = r.Header.Get("X-Forwarded-Proto")
		if r.URL.Path != "/widgets" {
			t.Errorf("expected path /widgets to reach upstream, got %q", r.URL.Path)
		}
		w.Header().Set("X-Upstream-Marker", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("upstream body"))
	}))
	defer upstream.Close()

	upstreamAddr, err := net.ResolveTCPAddr("tcp", upstream.Listener.Addr().String())
	if err != nil {
		t.Fatalf("resolve upstream addr: %v", err)
	}

	p := New(&fakeStore{
		route: &domain.HostRoute{Host: "app.localtest.me", AllocatedPort: upstreamAddr.Port, SliceStatus: domain.SliceStatusRunning},
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Host = "app.localtest.me:4080"
	req.RemoteAddr = "203.0.113.9:55555"
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 passed through from upstream, got %d", rr.Code)
	}
	if rr.Body.String() != "upstream body" {
		t.Fatalf("expected upstream body to pass through, got %q", rr.Body.String())
	}
	if rr.Header().Get("X-Upstream-Marker") != "yes" {
		t.Fatalf("expected upstream response header to pass through, got %q", rr.Header().Get("X-Upstream-Marker"))
	}
	if gotHost != fmt.Sprintf("127.0.0.1:%d", upstreamAddr.Port) {
		t.Fatalf("expected upstream to see its own loopback host, got %q", gotHost)
	}
	if gotForwardedFor != "203.0.113.9" {
		t.Fatalf("expected X-Forwarded-For with the peer address, got %q", gotForwardedFor)
	}
	if gotForwardedProto != "http" {
		t.Fatalf("expected X-Forwarded-Proto http, got %q", gotForwardedProto)
	}
}

func TestServeUpstreamDialFailureReturns502(t *testing.T) {
	p := New(&fakeStore{
		route: &domain.HostRoute{Host: "app.localtest.me", AllocatedPort: 1, SliceStatus: domain.SliceStatusRunning},
	}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "app.localtest.me"
	rr := httptest.NewRecorder()
	p.serve(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on unreachable upstream, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("expected non-empty error message")
	}
}
