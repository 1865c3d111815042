// Package inspect explains how a command's reply was, or was not, found.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
)

const (
	defaultLookback = time.Minute
	defaultLimit    = 20
)

// Store is the read side of the record store a report needs.
type Store interface {
	QueryCommandStatus(ctx context.Context, id string) (*records.Command, error)
	ListEvents(ctx context.Context, f records.EventFilter) ([]records.Event, error)
}

// Options describe the rules the command was awaited under.
type Options struct {
	RequireCorrelationID bool
	Policy               poll.Policy
	// Lookback also lists events this long before dispatch so stale
	// candidates show up.
	Lookback time.Duration
	Limit    int
}

// Report is the structured form of a reply report.
type Report struct {
	CommandID    string     `json:"command_id"`
	DeviceID     string     `json:"device_id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`

	ReplySource string    `json:"reply_source"`
	EventKind   string    `json:"event_kind,omitempty"`
	Subtype     string    `json:"subtype,omitempty"`
	Strict      bool      `json:"require_correlation_id"`
	Policy      string    `json:"policy"`
	Deadline    time.Time `json:"deadline"`

	// Reply is the candidate an await started now would return.
	Reply      *Candidate  `json:"reply,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Candidate is one stored event that matched the reply's device, kind and
// subtype.
type Candidate struct {
	EventID       string            `json:"event_id"`
	Seq           int64             `json:"seq"`
	CreatedAt     time.Time         `json:"created_at"`
	Offset        string            `json:"offset"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Verdict       correlate.Verdict `json:"verdict"`
	AfterDeadline bool              `json:"after_deadline,omitempty"`
	ContentBytes  int               `json:"content_bytes"`
}

// Gather loads the command and classifies its candidate replies.
func Gather(ctx context.Context, store Store, commandID string, opts Options) (*Report, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, fmt.Errorf("command id is required")
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}

	row, err := store.QueryCommandStatus(ctx, commandID)
	if err != nil {
		return nil, err
	}
	w, err := correlate.NewWindow(row.ID, row.DeviceID, row.Kind, row.CreatedAt)
	if err != nil {
		return nil, err
	}

	report := &Report{
		CommandID:    row.ID,
		DeviceID:     row.DeviceID,
		Kind:         string(row.Kind),
		Status:       string(row.Status),
		Error:        row.ErrorMessage,
		DispatchedAt: row.CreatedAt,
		ExecutedAt:   row.ExecutedAt,
		ReplySource:  string(w.Source),
		EventKind:    w.EventKind,
		Subtype:      w.Subtype,
		Strict:       opts.RequireCorrelationID,
		Policy:       opts.Policy.String(),
		Deadline:     row.CreatedAt.Add(opts.Policy.Budget()),
		Candidates:   make([]Candidate, 0),
	}
	if w.Source != command.ReplyEvent {
		return report, nil
	}

	evs, err := store.ListEvents(ctx, records.EventFilter{
		DeviceID: w.DeviceID,
		Kind:     w.EventKind,
		Subtype:  w.Subtype,
		Since:    w.DispatchedAt.Add(-opts.Lookback),
		Limit:    opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range evs {
		c := Candidate{
			EventID:       ev.ID,
			Seq:           ev.Seq,
			CreatedAt:     ev.CreatedAt,
			Offset:        formatOffset(ev.CreatedAt.Sub(w.DispatchedAt)),
			CorrelationID: ev.CorrelationID,
			Verdict:       correlate.Judge(ev, w, opts.RequireCorrelationID),
			AfterDeadline: ev.CreatedAt.After(report.Deadline),
			ContentBytes:  len(ev.Content),
		}
		report.Candidates = append(report.Candidates, c)
	}
	// Candidates are newest first, and the correlator takes the newest
	// acceptable event.
	for i := range report.Candidates {
		if report.Candidates[i].Verdict == correlate.VerdictAccepted {
			reply := report.Candidates[i]
			report.Reply = &reply
			break
		}
	}
	return report, nil
}

// BuildReport renders a terminal-friendly reply report.
func BuildReport(ctx context.Context, store Store, commandID string, opts Options) (string, error) {
	report, err := Gather(ctx, store, commandID, opts)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Reply Report\n")
	fmt.Fprintf(&out, "Command ID  : %s\n", report.CommandID)
	fmt.Fprintf(&out, "Device      : %s\n", report.DeviceID)
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Dispatched  : %s\n", report.DispatchedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Policy      : %s (deadline %s)\n", report.Policy, report.Deadline.Format(time.RFC3339Nano))

	if report.ReplySource != string(command.ReplyEvent) {
		fmt.Fprintf(&out, "Reply via   : command status\n")
		return out.String(), nil
	}

	reply := report.EventKind
	if report.Subtype != "" {
		reply += "/" + report.Subtype
	}
	mode := "lenient"
	if report.Strict {
		mode = "strict"
	}
	fmt.Fprintf(&out, "Reply via   : %s event (%s correlation)\n", reply, mode)
	if report.Reply != nil {
		fmt.Fprintf(&out, "Reply       : %s at %s\n", report.Reply.EventID, report.Reply.Offset)
	} else {
		fmt.Fprintf(&out, "Reply       : <none>\n")
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Candidates) == 0 {
		fmt.Fprintf(&out, "No candidate events.\n")
		return out.String(), nil
	}
	for _, c := range report.Candidates {
		marker := " "
		if report.Reply != nil && c.EventID == report.Reply.EventID {
			marker = "*"
		}
		tag := c.CorrelationID
		if tag == "" {
			tag = "<untagged>"
		}
		late := ""
		if c.AfterDeadline {
			late = " after deadline"
		}
		fmt.Fprintf(&out, "%s %-8s %-10s %s  %s  %d bytes%s\n", marker, c.Offset, c.Verdict, c.EventID, tag, c.ContentBytes, late)
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable reply report.
func BuildJSONReport(ctx context.Context, store Store, commandID string, opts Options) (string, error) {
	report, err := Gather(ctx, store, commandID, opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// formatOffset renders an event time relative to dispatch, e.g. +1.2s.
func formatOffset(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	return sign + d.Round(time.Millisecond).String()
}
