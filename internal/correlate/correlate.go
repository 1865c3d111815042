package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/metrics"
	"github.com/mattjoyce/remotectl/internal/records"
)

// Outcome is the state of a window after one correlation attempt.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeResolved
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Window is everything needed to recognise the reply to one command.
type Window struct {
	CommandID    string
	DeviceID     string
	Kind         command.Kind
	Source       command.ReplySource
	EventKind    string
	Subtype      string
	DispatchedAt time.Time
	// Deadline is filled in by the poll scheduler from the kind's policy.
	Deadline time.Time
}

// NewWindow builds the window for a freshly dispatched command from the
// kind catalog.
func NewWindow(commandID, deviceID string, kind command.Kind, dispatchedAt time.Time) (Window, error) {
	spec, ok := command.Lookup(kind)
	if !ok {
		return Window{}, fmt.Errorf("unknown kind %q", kind)
	}
	return Window{
		CommandID:    commandID,
		DeviceID:     deviceID,
		Kind:         kind,
		Source:       spec.Reply.Source,
		EventKind:    spec.Reply.EventKind,
		Subtype:      spec.Reply.Subtype,
		DispatchedAt: dispatchedAt,
	}, nil
}

// Result is a correlated reply. Content and Metadata are returned exactly as
// the agent wrote them.
type Result struct {
	Outcome   Outcome             `json:"-"`
	CommandID string              `json:"command_id"`
	Kind      command.Kind        `json:"kind"`
	Source    command.ReplySource `json:"source"`
	EventID   string              `json:"event_id,omitempty"`
	Content   string              `json:"content"`
	Metadata  json.RawMessage     `json:"metadata,omitempty"`
	RepliedAt time.Time           `json:"replied_at"`
}

// Options tune the acceptance rule.
type Options struct {
	// RequireCorrelationID rejects replies that do not carry the command id.
	RequireCorrelationID bool
	Logger               *slog.Logger
}

// Correlator matches store rows to open windows. It holds no per-window
// state, so one instance serves any number of concurrent windows.
type Correlator struct {
	store  Store
	strict bool
	logger *slog.Logger
}

func New(store Store, opts Options) *Correlator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		store:  store,
		strict: opts.RequireCorrelationID,
		logger: logger.With("component", "correlator"),
	}
}

// Correlate makes one attempt at finding the reply for w.
//
// A pending result with a nil error means nothing acceptable was found yet.
// Store errors come back as *TransientQueryError alongside OutcomePending.
func (c *Correlator) Correlate(ctx context.Context, w Window) (Result, error) {
	res := Result{Outcome: OutcomePending, CommandID: w.CommandID, Kind: w.Kind, Source: w.Source}
	switch w.Source {
	case command.ReplyEvent:
		return c.fromEvent(ctx, w, res)
	case command.ReplyStatus:
		return c.fromStatus(ctx, w, res)
	default:
		return res, fmt.Errorf("window %s has no reply source", w.CommandID)
	}
}

func (c *Correlator) fromEvent(ctx context.Context, w Window, res Result) (Result, error) {
	ev, err := c.store.QueryLatestEvent(ctx, records.EventQuery{
		DeviceID:             w.DeviceID,
		Kind:                 w.EventKind,
		Subtype:              w.Subtype,
		CreatedAfter:         w.DispatchedAt,
		CorrelationID:        w.CommandID,
		RequireCorrelationID: c.strict,
	})
	if errors.Is(err, records.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		metrics.IncQueryError(string(command.ReplyEvent))
		return res, &TransientQueryError{CommandID: w.CommandID, Source: w.Source, Err: err}
	}

	// The query already filters; the rule is re-checked here so a store that
	// ignores a filter can never hand back an old or foreign reply.
	if !ev.CreatedAt.After(w.DispatchedAt) {
		metrics.IncStaleMatch(string(w.Kind))
		c.logger.Debug("stale reply ignored",
			"command_id", w.CommandID,
			"event_id", ev.ID,
			"event_at", ev.CreatedAt,
			"dispatched_at", w.DispatchedAt,
		)
		return res, nil
	}
	if !c.accepts(ev, w.CommandID) {
		c.logger.Debug("reply for another command ignored",
			"command_id", w.CommandID,
			"event_id", ev.ID,
			"correlation_id", ev.CorrelationID,
		)
		return res, nil
	}

	res.Outcome = OutcomeResolved
	res.EventID = ev.ID
	res.Content = ev.Content
	res.Metadata = ev.Metadata
	res.RepliedAt = ev.CreatedAt
	return res, nil
}

func (c *Correlator) accepts(ev *records.Event, commandID string) bool {
	return acceptsID(ev.CorrelationID, commandID, c.strict)
}

func acceptsID(correlationID, commandID string, strict bool) bool {
	if correlationID == commandID {
		return true
	}
	return correlationID == "" && !strict
}

// Verdict is how the acceptance rule treats one candidate event.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	// VerdictStale: written at or before dispatch.
	VerdictStale Verdict = "stale"
	// VerdictForeign: tagged with another command's id.
	VerdictForeign Verdict = "foreign"
	// VerdictUntagged: carries no id while ids are required.
	VerdictUntagged Verdict = "untagged"
)

// Judge applies the acceptance rule to ev as a reply for w. It does not
// check device, kind or subtype; callers pass candidates already filtered
// on those.
func Judge(ev records.Event, w Window, strict bool) Verdict {
	switch {
	case !ev.CreatedAt.After(w.DispatchedAt):
		return VerdictStale
	case acceptsID(ev.CorrelationID, w.CommandID, strict):
		return VerdictAccepted
	case ev.CorrelationID == "":
		return VerdictUntagged
	default:
		return VerdictForeign
	}
}

func (c *Correlator) fromStatus(ctx context.Context, w Window, res Result) (Result, error) {
	row, err := c.store.QueryCommandStatus(ctx, w.CommandID)
	if errors.Is(err, records.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		metrics.IncQueryError(string(command.ReplyStatus))
		return res, &TransientQueryError{CommandID: w.CommandID, Source: w.Source, Err: err}
	}

	switch row.Status {
	case command.StatusCompleted:
		res.Outcome = OutcomeResolved
		res.Content = string(row.Result)
		res.RepliedAt = row.UpdatedAt
		return res, nil
	case command.StatusFailed:
		res.Outcome = OutcomeFailed
		res.RepliedAt = row.UpdatedAt
		return res, &CommandFailedError{CommandID: w.CommandID, Message: row.ErrorMessage}
	default:
		return res, nil
	}
}
