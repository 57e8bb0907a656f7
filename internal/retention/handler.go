package retention

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"segmenter/internal/handoff"
	"segmenter/internal/platform/metrics"
	"segmenter/internal/verifier"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Controller is the live side of a recording.
type Controller interface {
	Snapshot() handoff.Snapshot
	RequestRotation()
}

// Auditor produces a continuity report of a live recording.
type Auditor interface {
	Analyze() verifier.Report
}

type liveRecording struct {
	ctrl    Controller
	auditor Auditor
}

// Handler exposes recording HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	live map[RecordingID]liveRecording
}

// StatusResponse is the body of GET /recordings/{id}/status.
type StatusResponse struct {
	Recording RecordingID       `json:"recording"`
	Live      bool              `json:"live"`
	Segments  int               `json:"segments"`
	Engine    *handoff.Snapshot `json:"engine,omitempty"`
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		log:     log,
		metrics: m,
		live:    make(map[RecordingID]liveRecording),
	}
}

// Attach makes a running recording available to the status, report and
// rotate endpoints. auditor may be nil.
func (h *Handler) Attach(id RecordingID, ctrl Controller, auditor Auditor) {
	h.mu.Lock()
	h.live[id] = liveRecording{ctrl: ctrl, auditor: auditor}
	h.mu.Unlock()
}

// Detach removes a recording added with Attach.
func (h *Handler) Detach(id RecordingID) {
	h.mu.Lock()
	delete(h.live, id)
	h.mu.Unlock()
}

// Routes mounts the recording endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/recordings/{recording_id}", func(r chi.Router) {
		r.Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/status", h.GetStatus)
		r.Get("/report", h.GetReport)
		r.Post("/rotate", h.Rotate)
		r.Get("/segments/{name}", h.GetSegment)
	})
}

func (h *Handler) lookup(id RecordingID) (liveRecording, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.live[id]
	return rec, ok
}

// GetPlaylist handles GET /recordings/{recording_id}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m3u8, ok, err := h.svc.GetPlaylist(id)
	if err != nil {
		h.log.Error("build playlist failed",
			slog.String("recording", string(id)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(m3u8)
}

// GetStatus handles GET /recordings/{recording_id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))

	segments, indexed, err := h.svc.Segments(id)
	if err != nil {
		h.log.Error("read segments failed",
			slog.String("recording", string(id)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rec, live := h.lookup(id)
	if !indexed && !live {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp := StatusResponse{Recording: id, Live: live, Segments: len(segments)}
	if live {
		snap := rec.ctrl.Snapshot()
		resp.Engine = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetReport handles GET /recordings/{recording_id}/report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))
	rec, ok := h.lookup(id)
	if !ok || rec.auditor == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec.auditor.Analyze())
}

// Rotate handles POST /recordings/{recording_id}/rotate. The cut happens at
// the next keyframe.
func (h *Handler) Rotate(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))
	rec, ok := h.lookup(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec.ctrl.RequestRotation()
	h.log.Info("rotation requested", slog.String("recording", string(id)))
	if h.metrics != nil {
		h.metrics.IncRotationsRequested()
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetSegment handles GET /recordings/{recording_id}/segments/{name}.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	id := RecordingID(chi.URLParam(r, "recording_id"))
	name := chi.URLParam(r, "name")
	if strings.ContainsAny(string(id), `/\`) || strings.Contains(string(id), "..") ||
		name != filepath.Base(name) || !strings.HasSuffix(name, ".ts") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	segments, ok, err := h.svc.Segments(id)
	if err != nil || !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, seg := range segments {
		if filepath.Base(seg.Path) == name {
			w.Header().Set("Content-Type", "video/mp2t")
			http.ServeFile(w, r, filepath.Join(h.svc.Dir(id), name))
			return
		}
	}
	// Segments still being written are not served.
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
