// Package proxy implements the router: one HTTP listener that looks up the
// inbound Host header against the store's derived host-route mapping and
// forwards the request to the matching slice resource's loopback port.
package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/store"
)

// Proxy is the router's http.Handler.
type Proxy struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metricsCollector
}

// New returns a router proxy backed by st.
func New(st store.Store, logger *slog.Logger) *Proxy {
	return &Proxy{store: st, logger: logger, metrics: newMetricsCollector()}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	p.serve(rec, req)
	p.metrics.record(rec.status, time.Since(start))
}

func (p *Proxy) serve(w http.ResponseWriter, req *http.Request) {
	host := normalizeHost(req.Host)
	if host == "" {
		writeError(w, http.StatusBadRequest, "Missing Host header")
		return
	}

	route, err := p.store.GetHostRoute(req.Context(), host)
	if err != nil {
		p.logger.Error("host route lookup failed", "host", host, "error", err)
		writeError(w, http.StatusInternalServerError, "Route lookup failed")
		return
	}
	if route == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No route for host %q", host))
		return
	}
	if route.SliceStatus != domain.SliceStatusRunning {
		writeError(w, http.StatusServiceUnavailable, "Slice is not active")
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", route.AllocatedPort)}
	originalHost := req.Host
	remoteAddr := req.RemoteAddr

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Connection")
			// ReverseProxy strips the inbound X-Forwarded-* headers from Out
			// before Rewrite and adds none of its own afterwards; carry the
			// incoming chain over so applyForwardedHeaders extends it once.
			for _, key := range []string{"X-Forwarded-For", "X-Forwarded-Proto"} {
				if v, ok := pr.In.Header[key]; ok {
					pr.Out.Header[key] = v
				}
			}
			applyForwardedHeaders(pr.Out.Header, originalHost, remoteAddr)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("upstream request failed", "host", host, "port", route.AllocatedPort, "error", err)
			writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream connection failed: %s", err))
		},
	}
	rp.ServeHTTP(w, req)
}

// normalizeHost strips a trailing :port (IPv6-bracket aware), trims, and
// lowercases the Host header.
func normalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(raw); err == nil {
		return strings.ToLower(strings.TrimSpace(h))
	}
	return strings.ToLower(raw)
}

// applyForwardedHeaders sets the outbound X-Forwarded-* chain per the
// original Host header and peer address, appending to any existing
// X-Forwarded-For rather than overwriting it.
func applyForwardedHeaders(h http.Header, originalHost, remoteAddr string) {
	if originalHost != "" {
		h.Set("X-Forwarded-Host", originalHost)
	}

	proto := "http"
	if incoming := h.Get("X-Forwarded-Proto"); incoming != "" {
		first := strings.TrimSpace(strings.Split(incoming, ",")[0])
		if first != "" {
			proto = strings.ToLower(first)
		}
	}
	h.Set("X-Forwarded-Proto", proto)

	port := ""
	if _, p, err := net.SplitHostPort(originalHost); err == nil {
		if _, numErr := strconv.Atoi(p); numErr == nil {
			port = p
		}
	}
	if port == "" {
		if proto == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	h.Set("X-Forwarded-Port", port)

	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+peer)
	} else {
		h.Set("X-Forwarded-For", peer)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
