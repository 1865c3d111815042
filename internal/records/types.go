package records

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
)

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("record not found")
	// ErrStatusRegression is returned when a status update would move a
	// command backwards or out of a terminal status.
	ErrStatusRegression = errors.New("status regression")
)

// Command is one row of the commands stream.
type Command struct {
	ID           string
	DeviceID     string
	IssuerID     string
	Kind         command.Kind
	Payload      json.RawMessage
	Status       command.Status
	Result       json.RawMessage
	ErrorMessage string
	DedupeKey    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExecutedAt   *time.Time
}

// NewCommand is the caller-supplied part of a command row.
type NewCommand struct {
	DeviceID  string
	IssuerID  string
	Kind      command.Kind
	Payload   json.RawMessage
	DedupeKey string
}

// StatusUpdate is an agent report about a command.
type StatusUpdate struct {
	Status       command.Status
	Result       json.RawMessage
	ErrorMessage string
}

// CommandFilter narrows ListCommands. Zero fields do not filter.
type CommandFilter struct {
	DeviceID string
	Statuses []command.Status
	Since    time.Time
	Limit    int
}

// Event is one row of the device events stream.
type Event struct {
	Seq           int64
	ID            string
	DeviceID      string
	Kind          string
	Subtype       string
	CorrelationID string
	Content       string
	Metadata      json.RawMessage
	CreatedAt     time.Time
}

// Correlated reports whether the agent tagged the event with a command id.
func (e Event) Correlated() bool { return e.CorrelationID != "" }

// NewEvent is an agent-written event. Subtype and correlation id are read
// from Metadata ("subtype", "correlation_id").
type NewEvent struct {
	DeviceID string
	Kind     string
	Content  string
	Metadata json.RawMessage
}

// EventQuery selects the newest matching event.
//
// When CorrelationID is set, events carrying that id and events carrying no
// id both match; events tagged with a different id never do.
// RequireCorrelationID drops the untagged ones too.
type EventQuery struct {
	DeviceID             string
	Kind                 string
	Subtype              string
	CreatedAfter         time.Time
	CorrelationID        string
	RequireCorrelationID bool
}

// EventFilter narrows ListEvents. DeviceID is required; other zero fields do
// not filter.
type EventFilter struct {
	DeviceID string
	Kind     string
	Subtype  string
	Since    time.Time
	Limit    int
}
