// Package httpapi implements the control-plane HTTP surface: pie and slice
// CRUD, daemon health/status, and Prometheus metrics exposition. It never
// touches the database directly; every operation goes through store.Store
// or internal/orchestrator.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bakerylabs/bakeryd/internal/domain"
	"github.com/bakerylabs/bakeryd/internal/orchestrator"
	"github.com/bakerylabs/bakeryd/internal/routerport"
	"github.com/bakerylabs/bakeryd/internal/store"
)

// Router serves the control-plane API.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	store        store.Store
	orchestrator orchestrator.Service
	routerPort   *routerport.Provider
	host         string
	port         int
	metrics      *metricsCollector
}

// NewRouter assembles the control-plane routes.
func NewRouter(logger *slog.Logger, st store.Store, orch orchestrator.Service, routerPort *routerport.Provider, host string, port int) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		store:        st,
		orchestrator: orch,
		routerPort:   routerPort,
		host:         host,
		port:         port,
		metrics:      newMetricsCollector(),
	}
	r.register()
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/v1/health", r.logged(r.handleHealth))
	r.mux.HandleFunc("/v1/status", r.logged(r.handleStatus))
	r.mux.HandleFunc("/v1/pies", r.logged(r.handlePies))
	r.mux.HandleFunc("/v1/pies/", r.logged(r.handlePieSubroutes))
	r.mux.HandleFunc("/v1/slices", r.logged(r.handleSlices))
	r.mux.HandleFunc("/v1/slices/", r.logged(r.handleSliceSubroutes))
	r.mux.Handle("/v1/metrics", metricsHandler())
}

func (r *Router) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, req)
		duration := time.Since(start)
		r.metrics.record(req.Method, req.URL.Path, rec.status, duration)

		fields := []any{"method", req.Method, "path", req.URL.Path, "status", rec.status, "duration_ms", duration.Milliseconds()}
		switch {
		case rec.status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case rec.status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// --- health / status ---

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"port":       r.port,
		"routerPort": r.routerPort.Get(),
	})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pieCount, err := r.store.CountPies(req.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	byStatus, err := r.store.CountSlicesByStatus(req.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	byPie, err := r.store.CountSlicesByPie(req.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	total := 0
	for _, c := range byStatus {
		total += c
	}
	pieBreakdown := make([]map[string]any, 0, len(byPie))
	for _, p := range byPie {
		pieBreakdown = append(pieBreakdown, map[string]any{
			"pieId":   p.PieID,
			"pieName": p.PieName,
			"pieSlug": p.PieSlug,
			"total":   p.Total,
			"running": p.Running,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"daemon": map[string]any{
			"status":     "ok",
			"host":       r.host,
			"port":       r.port,
			"routerPort": r.routerPort.Get(),
		},
		"pies": map[string]any{"total": pieCount},
		"slices": map[string]any{
			"total": total,
			"byStatus": map[string]int{
				domain.SliceStatusCreating: byStatus[domain.SliceStatusCreating],
				domain.SliceStatusRunning:  byStatus[domain.SliceStatusRunning],
				domain.SliceStatusStopped:  byStatus[domain.SliceStatusStopped],
				domain.SliceStatusError:    byStatus[domain.SliceStatusError],
			},
			"byPie": pieBreakdown,
		},
		"generatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// --- pies ---

func (r *Router) handlePies(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		pies, err := r.store.ListPies(req.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		out := make([]pieWire, 0, len(pies))
		for _, p := range pies {
			out = append(out, toPieWire(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"pies": out})
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(payload.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		slug := deriveSlug(payload.Name)
		if slug == "" {
			writeError(w, http.StatusBadRequest, "name does not derive a usable slug")
			return
		}
		pie, err := r.store.CreatePie(req.Context(), payload.Name, slug)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPieWire(pie))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handlePieSubroutes(w http.ResponseWriter, req *http.Request) {
	idOrSlug := strings.TrimPrefix(req.URL.Path, "/v1/pies/")
	if idOrSlug == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if req.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pie, err := r.store.FindPieByIDOrSlug(req.Context(), idOrSlug)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if pie == nil {
		writeError(w, http.StatusNotFound, "Pie not found")
		return
	}
	if err := r.store.DeletePieCascade(req.Context(), pie.ID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- slices ---

func (r *Router) handleSlices(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleListSlices(w, req)
	case http.MethodPost:
		r.handleCreateSlice(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleListSlices(w http.ResponseWriter, req *http.Request) {
	pieParam := strings.TrimSpace(req.URL.Query().Get("pieId"))
	allParam := strings.TrimSpace(req.URL.Query().Get("all"))
	all := allParam == "true"

	if pieParam != "" && all {
		writeError(w, http.StatusBadRequest, "pieId and all are mutually exclusive")
		return
	}
	if pieParam == "" && !all {
		writeError(w, http.StatusBadRequest, "either pieId or all=true is required")
		return
	}

	filter := store.ListSlicesFilter{All: all}
	if pieParam != "" {
		pie, err := r.store.FindPieByIDOrSlug(req.Context(), pieParam)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if pie == nil {
			writeError(w, http.StatusNotFound, "Pie not found")
			return
		}
		filter.PieID = pie.ID
	}

	slices, err := r.store.ListSlices(req.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	out := make([]sliceWire, 0, len(slices))
	for _, s := range slices {
		out = append(out, toSliceWire(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"slices": out})
}

func (r *Router) handleCreateSlice(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		PieID     string `json:"pieId"`
		Resources []struct {
			Key      string `json:"key"`
			Protocol string `json:"protocol"`
			Expose   string `json:"expose"`
		} `json:"resources"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.PieID) == "" {
		writeError(w, http.StatusBadRequest, "pieId is required")
		return
	}
	pie, err := r.store.FindPieByIDOrSlug(req.Context(), payload.PieID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if pie == nil {
		writeError(w, http.StatusNotFound, "Pie not found")
		return
	}

	resources := make([]orchestrator.CreateSliceResourceInput, 0, len(payload.Resources))
	for _, res := range payload.Resources {
		resources = append(resources, orchestrator.CreateSliceResourceInput{
			Key:      res.Key,
			Protocol: res.Protocol,
			Expose:   res.Expose,
		})
	}

	created, err := r.orchestrator.CreateSlice(req.Context(), orchestrator.CreateSliceInput{Pie: *pie, Resources: resources})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrchestratedSliceWire(created))
}

func (r *Router) handleSliceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/v1/slices/")
	parts := strings.Split(trimmed, "/")
	sliceID := parts[0]
	if sliceID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case len(parts) == 1:
		if req.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := r.orchestrator.RemoveSlice(req.Context(), sliceID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case len(parts) == 2 && parts[1] == "stop":
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		slice, err := r.orchestrator.StopSlice(req.Context(), sliceID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSliceWireFromSlice(slice, nil))

	case len(parts) == 2 && parts[1] == "env":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		r.handleSliceEnv(w, req, sliceID)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (r *Router) handleSliceEnv(w http.ResponseWriter, req *http.Request, sliceID string) {
	swr, err := r.store.GetSliceByID(req.Context(), sliceID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if swr == nil {
		writeError(w, http.StatusNotFound, "Slice not found")
		return
	}
	var b strings.Builder
	for _, res := range swr.Resources {
		fmt.Fprintf(&b, "%s_PORT=%d\n", strings.ToUpper(res.Key), res.AllocatedPort)
		if res.IsPrimaryHTTP() && res.RouteURL != nil {
			fmt.Fprintf(&b, "PRIMARY_URL=%s\n", *res.RouteURL)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

// --- wire types ---

type pieWire struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedAt string `json:"createdAt"`
}

func toPieWire(p domain.Pie) pieWire {
	return pieWire{ID: p.ID, Name: p.Name, Slug: p.Slug, CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano)}
}

type sliceResourceWire struct {
	Key           string  `json:"key"`
	Protocol      string  `json:"protocol"`
	Expose        string  `json:"expose"`
	AllocatedPort int     `json:"allocatedPort"`
	RouteHost     *string `json:"routeHost,omitempty"`
	RouteURL      *string `json:"routeUrl,omitempty"`
}

func toSliceResourceWire(r domain.SliceResource) sliceResourceWire {
	return sliceResourceWire{
		Key:           r.Key,
		Protocol:      r.Protocol,
		Expose:        r.Expose,
		AllocatedPort: r.AllocatedPort,
		RouteHost:     r.RouteHost,
		RouteURL:      r.RouteURL,
	}
}

type sliceWire struct {
	ID        string              `json:"id"`
	PieID     string              `json:"pieId"`
	Ordinal   int                 `json:"ordinal"`
	Host      string              `json:"host"`
	Status    string              `json:"status"`
	CreatedAt string              `json:"createdAt"`
	StoppedAt *string             `json:"stoppedAt"`
	Resources []sliceResourceWire `json:"resources,omitempty"`
}

func toSliceWire(swr domain.SliceWithResources) sliceWire {
	resources := make([]sliceResourceWire, 0, len(swr.Resources))
	for _, r := range swr.Resources {
		resources = append(resources, toSliceResourceWire(r))
	}
	return toSliceWireFromSlice(swr.Slice, resources)
}

func toSliceWireFromSlice(s domain.Slice, resources []sliceResourceWire) sliceWire {
	var stoppedAt *string
	if s.StoppedAt != nil {
		v := s.StoppedAt.UTC().Format(time.RFC3339Nano)
		stoppedAt = &v
	}
	return sliceWire{
		ID:        s.ID,
		PieID:     s.PieID,
		Ordinal:   s.Ordinal,
		Host:      s.Host,
		Status:    s.Status,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339Nano),
		StoppedAt: stoppedAt,
		Resources: resources,
	}
}

type orchestratedSliceWire struct {
	sliceWire
	PieSlug    string `json:"pieSlug"`
	RouterPort int    `json:"routerPort"`
}

func toOrchestratedSliceWire(o orchestrator.OrchestratedSlice) orchestratedSliceWire {
	resources := make([]sliceResourceWire, 0, len(o.Resources))
	for _, r := range o.Resources {
		resources = append(resources, toSliceResourceWire(r))
	}
	return orchestratedSliceWire{
		sliceWire:  toSliceWireFromSlice(o.Slice, resources),
		PieSlug:    o.PieSlug,
		RouterPort: o.RouterPort,
	}
}
