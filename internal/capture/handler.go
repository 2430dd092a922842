package capture

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"videox/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// StatsProvider lists capture sessions known to the process.
type StatsProvider interface {
	Sessions() []Stats
	Session(id string) (Stats, bool)
}

// Handler exposes read-only capture status endpoints using go-chi.
type Handler struct {
	provider StatsProvider
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler backed by provider. Metrics may be nil to
// disable the /metrics route (e.g. in tests).
func NewHandler(provider StatsProvider, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{provider: provider, log: log, metrics: m}
}

// Routes mounts the status endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{session_id}", h.GetSession)
}

// ListSessions handles GET /sessions. The optional state query parameter
// keeps only sessions in that DownloadState, e.g. ?state=ENDED.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var want DownloadState
	filter := r.URL.Query().Get("state")
	if filter != "" {
		if err := want.UnmarshalText([]byte(filter)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	sessions := []Stats{}
	for _, st := range h.provider.Sessions() {
		if filter != "" && st.State != want.String() {
			continue
		}
		sessions = append(sessions, st)
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	st, ok := h.provider.Session(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode status response failed", slog.String("error", err.Error()))
	}
}
