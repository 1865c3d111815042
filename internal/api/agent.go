package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/records"
)

// handleAgentPending handles GET /agent/devices/{deviceID}/commands, the
// agent's view of work waiting for it. Defaults to pending commands, oldest
// first.
func (s *Server) handleAgentPending(w http.ResponseWriter, r *http.Request) {
	filter, err := commandFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.DeviceID = chi.URLParam(r, "deviceID")
	if len(filter.Statuses) == 0 {
		filter.Statuses = []command.Status{command.StatusPending}
	}

	rows, err := s.store.ListCommands(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list pending commands", "device_id", filter.DeviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	respondJSON(w, http.StatusOK, commandList(rows))
}

// handleAgentStatus handles POST /agent/commands/{commandID}/status.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")

	var req StatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+string(req.Status))
		return
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		s.writeError(w, http.StatusBadRequest, "result must be JSON")
		return
	}

	row, err := s.store.UpdateCommandStatus(r.Context(), id, records.StatusUpdate{
		Status:       req.Status,
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
	})
	switch {
	case errors.Is(err, records.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "command not found")
		return
	case errors.Is(err, records.ErrStatusRegression):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to update command status", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update status")
		return
	}

	s.logger.Debug("agent status", "command_id", id, "status", string(row.Status))
	respondJSON(w, http.StatusOK, commandResponse(*row))
}

// handleAgentEvent handles POST /agent/devices/{deviceID}/events.
func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req EventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if len(req.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Metadata, &obj); err != nil {
			s.writeError(w, http.StatusBadRequest, "metadata must be a JSON object")
			return
		}
	}

	ev, err := s.store.AppendEvent(r.Context(), records.NewEvent{
		DeviceID: deviceID,
		Kind:     req.Kind,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.logger.Error("failed to append event", "device_id", deviceID, "kind", req.Kind, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}
	respondJSON(w, http.StatusCreated, EventResponse{ID: ev.ID, Seq: ev.Seq, CreatedAt: ev.CreatedAt})
}
