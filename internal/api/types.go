package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/records"
)

// DispatchRequest is the JSON body for POST /devices/{deviceID}/commands.
// Payload takes the same shape the agent reads from command_data.payload.
type DispatchRequest struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuerID string          `json:"issuer_id,omitempty"`
}

// DispatchResponse is returned when a command has been recorded.
type DispatchResponse struct {
	CommandID    string       `json:"command_id"`
	DeviceID     string       `json:"device_id"`
	Kind         command.Kind `json:"kind"`
	Status       string       `json:"status"`
	DispatchedAt time.Time    `json:"dispatched_at"`
	Deduplicated bool         `json:"deduplicated,omitempty"`
}

// CommandResponse is one commands row.
type CommandResponse struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	IssuerID     string          `json:"issuer_id"`
	Kind         command.Kind    `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Status       command.Status  `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

func commandResponse(c records.Command) CommandResponse {
	return CommandResponse{
		ID:           c.ID,
		DeviceID:     c.DeviceID,
		IssuerID:     c.IssuerID,
		Kind:         c.Kind,
		Payload:      c.Payload,
		Status:       c.Status,
		Result:       c.Result,
		ErrorMessage: c.ErrorMessage,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		ExecutedAt:   c.ExecutedAt,
	}
}

// CommandListResponse is returned by the command listing routes.
type CommandListResponse struct {
	Commands []CommandResponse `json:"commands"`
}

// ResultResponse is returned when a command's reply was found, or when the
// device reported the command failed.
type ResultResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	correlate.Result
}

// TimeoutResponse is returned (202) when no reply arrived within the window.
type TimeoutResponse struct {
	CommandID       string `json:"command_id"`
	Status          string `json:"status"`
	TimeoutExceeded bool   `json:"timeout_exceeded"`
	Message         string `json:"message"`
}

// DeviceResponse is returned by GET /devices/{deviceID}.
type DeviceResponse struct {
	DeviceID    string     `json:"device_id"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	Online      bool       `json:"online"`
}

// StatusRequest is an agent status report.
type StatusRequest struct {
	Status       command.Status  `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// EventRequest is an agent-written device event.
type EventRequest struct {
	Kind     string          `json:"kind"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// EventResponse identifies a stored device event.
type EventResponse struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
