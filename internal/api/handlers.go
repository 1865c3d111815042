package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
)

// onlineWindow is how recent a device's last event must be for it to count
// as online.
const onlineWindow = 2 * time.Minute

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleDispatch handles POST /devices/{deviceID}/commands. With ?wait=true
// it also awaits the reply under the kind's policy.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind, err := command.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The body doubles as the {"payload": ...} envelope.
	payload, err := command.DecodePayload(kind, body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	waitLimit, err := s.waitLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		DeviceID: deviceID,
		IssuerID: req.IssuerID,
		Kind:     kind,
		Payload:  payload,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		respondJSON(w, http.StatusAccepted, DispatchResponse{
			CommandID:    d.CommandID,
			DeviceID:     d.DeviceID,
			Kind:         d.Kind,
			Status:       string(command.StatusPending),
			DispatchedAt: d.DispatchedAt,
			Deduplicated: d.Deduplicated,
		})
		return
	}

	s.await(w, r, d.Window, waitLimit)
}

// handleGetCommand handles GET /commands/{commandID}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	row, ok := s.loadCommand(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, commandResponse(*row))
}

// handleGetResult handles GET /commands/{commandID}/result. It blocks until
// the reply arrives, the device reports failure, or the window closes.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	waitLimit, err := s.waitLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, ok := s.loadCommand(w, r)
	if !ok {
		return
	}

	window, err := correlate.NewWindow(row.ID, row.DeviceID, row.Kind, row.CreatedAt)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.await(w, r, window, waitLimit)
}

// handleListCommands handles GET /devices/{deviceID}/commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	filter, err := commandFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.DeviceID = chi.URLParam(r, "deviceID")

	rows, err := s.store.ListCommands(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list commands", "device_id", filter.DeviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	respondJSON(w, http.StatusOK, commandList(rows))
}

// handleGetDevice handles GET /devices/{deviceID}.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	resp := DeviceResponse{DeviceID: deviceID}

	last, err := s.store.LastEventAt(r.Context(), deviceID)
	switch {
	case errors.Is(err, records.ErrNotFound):
	case err != nil:
		s.logger.Error("failed to read last event", "device_id", deviceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read device state")
		return
	default:
		resp.LastEventAt = &last
		resp.Online = s.now().Sub(last) <= onlineWindow
	}
	respondJSON(w, http.StatusOK, resp)
}

// await blocks on the window and writes the outcome. limit, when positive,
// shortens the kind's policy.
func (s *Server) await(w http.ResponseWriter, r *http.Request, window correlate.Window, limit time.Duration) {
	select {
	case s.waitSlots <- struct{}{}:
		defer func() { <-s.waitSlots }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent waits")
		return
	}

	policy := clampPolicy(s.policies.For(window.Kind), limit)
	res, err := s.awaiter.Await(r.Context(), window, policy)

	var failed *correlate.CommandFailedError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ResultResponse{Status: string(command.StatusCompleted), Result: res})
	case errors.As(err, &failed):
		respondJSON(w, http.StatusOK, ResultResponse{Status: string(command.StatusFailed), Error: failed.Message, Result: res})
	case errors.Is(err, poll.ErrTimeout):
		respondJSON(w, http.StatusAccepted, TimeoutResponse{
			CommandID:       window.CommandID,
			Status:          "timed_out",
			TimeoutExceeded: true,
			Message:         "No reply within " + policy.Budget().String() + "; the command may still complete.",
		})
	case errors.Is(err, poll.ErrCancelled), errors.Is(err, context.Canceled):
		// Client went away or the server is shutting down.
	default:
		s.logger.Error("await failed", "command_id", window.CommandID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "await failed: "+err.Error())
	}
}

// waitLimit reads ?timeout= and caps it by MaxWaitTimeout.
func (s *Server) waitLimit(r *http.Request) (time.Duration, error) {
	limit := s.config.MaxWaitTimeout
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return limit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("timeout must be a positive duration such as 30s")
	}
	if limit <= 0 || d < limit {
		limit = d
	}
	return limit, nil
}

// clampPolicy shortens p so its budget fits in limit. The interval is kept
// and at least one attempt always runs.
func clampPolicy(p poll.Policy, limit time.Duration) poll.Policy {
	if limit <= 0 || p.Interval <= 0 || p.Budget() <= limit {
		return p
	}
	n := int(limit / p.Interval)
	if n < 1 {
		n = 1
	}
	p.MaxAttempts = n
	return p
}

func (s *Server) loadCommand(w http.ResponseWriter, r *http.Request) (*records.Command, bool) {
	id := chi.URLParam(r, "commandID")
	row, err := s.store.QueryCommandStatus(r.Context(), id)
	if errors.Is(err, records.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "command not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to load command", "command_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load command")
		return nil, false
	}
	return row, true
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrDispatch):
		s.writeError(w, http.StatusBadGateway, "failed to record command")
	default:
		s.logger.Error("dispatch failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "dispatch failed")
	}
}

// commandFilter parses ?status=a,b&limit=N&since=RFC3339.
func commandFilter(r *http.Request) (records.CommandFilter, error) {
	var f records.CommandFilter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := command.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return f, errors.New("unknown status " + strconv.Quote(part))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}
	return f, nil
}

func commandList(rows []records.Command) CommandListResponse {
	out := CommandListResponse{Commands: make([]CommandResponse, 0, len(rows))}
	for _, row := range rows {
		out.Commands = append(out.Commands, commandResponse(row))
	}
	return out
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
