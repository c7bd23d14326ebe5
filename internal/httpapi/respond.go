package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/bakerylabs/bakeryd/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps a classified error onto its HTTP status and body.
// KindInvalidArgument, KindExhaustedRange, and KindInternal all fall
// through to 400: non-slug uniqueness collisions and allocator exhaustion
// are client-actionable the same way a bad request body is, and an
// unexpected store error carries no sharper status to report.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUpstreamUnavailable:
		status = http.StatusBadGateway
	case apperr.KindSliceNotRunning:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
