package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/ahenk/internal/plugin"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/task"
)

const maxItemBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, st := range s.workers.Status() {
		resp.PluginsLoaded++
		if st.Running {
			resp.WorkersRunning++
		}
		resp.Pending += st.Pending
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, WorkersResponse{Workers: s.workers.Status()})
}

// handleSubmit handles POST /items. The body is a task or policy in the
// management server's wire format.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxItemBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxItemBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "item too large")
		return
	}

	it, err := protocol.UnmarshalItem(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var kind string
	switch it.(type) {
	case protocol.Task:
		kind = string(protocol.TagTask)
	case protocol.Policy:
		kind = string(protocol.TagPolicy)
	default:
		s.writeError(w, http.StatusBadRequest, "only TASK and PROFILE items can be submitted")
		return
	}

	if err := s.intake.Submit(r.Context(), it); err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		ID:     protocol.ItemID(it),
		Type:   kind,
		Status: "queued",
	})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrMissingID), errors.Is(err, task.ErrMissingPlugin):
		return http.StatusBadRequest
	case errors.Is(err, plugin.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugin.ErrWorkerNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleMode handles POST /modes/{mode}?username=...
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	kind := protocol.ModeKind(strings.ToUpper(chi.URLParam(r, "mode")))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	username := r.URL.Query().Get("username")
	if kind.IsUserScoped() && username == "" {
		s.writeError(w, http.StatusBadRequest, "username is required for "+string(kind))
		return
	}

	if err := s.workers.ProcessMode(kind, username); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, SubmitResponse{Type: string(kind), Status: "broadcast"})
}

// handleCancelTask handles DELETE /tasks/{taskID}.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.intake.CancelTask(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
