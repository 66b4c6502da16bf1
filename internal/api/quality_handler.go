package api

import (
	"net/http"
	"strconv"

	"github.com/mikeyg42/videolify/internal/rtcManager"
)

// CallProvider is the running call a headless client reports on.
// *rtcManager.Call satisfies it.
type CallProvider interface {
	Status() rtcManager.Status
	Samples() *rtcManager.SampleRing
}

// QualityHandler serves a local client's call status and quality samples.
type QualityHandler struct {
	call CallProvider
}

func NewQualityHandler(call CallProvider) *QualityHandler {
	return &QualityHandler{call: call}
}

func (h *QualityHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/call/status", h.handleStatus)
	mux.HandleFunc("GET /api/quality/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/quality/samples", h.handleSamples)
}

func (h *QualityHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.call.Status())
}

func (h *QualityHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.call.Status().Quality)
}

// handleSamples returns the newest ?n= samples (default 20) plus a summary
// of everything retained.
func (h *QualityHandler) handleSamples(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	ring := h.call.Samples()
	writeJSON(w, http.StatusOK, map[string]any{
		"recent":  ring.Recent(n),
		"summary": ring.Summary(),
	})
}
