package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rowanhe/intake/internal/audit"
	intakehttp "github.com/rowanhe/intake/internal/httputil"
)

const (
	defaultStatsWindow = 24 * time.Hour
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// StatsProvider exposes the audit read models required by the stats API.
type StatsProvider interface {
	GetOverview(ctx context.Context, window time.Duration) (audit.Overview, error)
	GetRecentUploads(ctx context.Context, limit int) ([]audit.UploadEntry, error)
}

// StatsHandler serves upload statistics endpoints.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a stats API handler.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// ServeHTTP handles:
// - GET /api/stats/overview
// - GET /api/stats/recent
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		intakehttp.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if h.provider == nil {
		intakehttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stats unavailable"})
		return
	}

	switch r.URL.Path {
	case "/api/stats/overview":
		h.serveOverview(w, r)
	case "/api/stats/recent":
		h.serveRecent(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *StatsHandler) serveOverview(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window_seconds"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			intakehttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window_seconds"})
			return
		}
		window = time.Duration(secs) * time.Second
	}

	overview, err := h.provider.GetOverview(r.Context(), window)
	if err != nil {
		intakehttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load overview"})
		return
	}

	intakehttp.WriteJSON(w, http.StatusOK, overview)
}

func (h *StatsHandler) serveRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			intakehttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if parsed > maxRecentLimit {
			parsed = maxRecentLimit
		}
		limit = parsed
	}

	entries, err := h.provider.GetRecentUploads(r.Context(), limit)
	if err != nil {
		intakehttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load recent uploads"})
		return
	}

	intakehttp.WriteJSON(w, http.StatusOK, map[string]any{"uploads": entries})
}
