// Package doctor checks a remotectl deployment: configuration that loads but
// is likely wrong, commands no agent picked up, and devices that went quiet.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/remotectl/internal/auth"
	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/config"
	"github.com/mattjoyce/remotectl/internal/poll"
	"github.com/mattjoyce/remotectl/internal/records"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Store is the part of the record store the checks read.
type Store interface {
	ListCommands(ctx context.Context, f records.CommandFilter) ([]records.Command, error)
	LastEventAt(ctx context.Context, deviceID string) (time.Time, error)
}

// Options tune the store checks.
type Options struct {
	// SilentAfter flags a device with outstanding commands whose last event is
	// older than this.
	SilentAfter time.Duration
	// MaxStuck caps how many stuck commands are listed one by one.
	MaxStuck int
}

func (o Options) withDefaults() Options {
	if o.SilentAfter <= 0 {
		o.SilentAfter = 10 * time.Minute
	}
	if o.MaxStuck <= 0 {
		o.MaxStuck = 20
	}
	return o
}

// Doctor runs the checks.
type Doctor struct {
	cfg   *config.Config
	store Store
	opts  Options
	now   func() time.Time
}

// New creates a Doctor. store may be nil to check the configuration only.
func New(cfg *config.Config, store Store, opts Options) *Doctor {
	return &Doctor{cfg: cfg, store: store, opts: opts.withDefaults(), now: time.Now}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	policies, err := d.cfg.Policies()
	if err != nil {
		d.addError(r, "poll", "poll", err.Error())
	}

	d.checkAPI(r, policies)
	d.checkCorrelation(r)
	d.checkRetention(r)
	if d.store != nil && policies != nil {
		d.checkCommands(ctx, r, policies)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkAPI(r *Result, policies *poll.Policies) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every request runs with full access")
	}
	for i, tok := range api.Auth.Tokens {
		for j, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, commands:ro, commands:rw, events:ro, events:rw or agent)", scope))
			}
		}
	}

	if policies == nil || api.MaxWaitTimeout <= 0 {
		return
	}
	for _, k := range command.Kinds() {
		if budget := policies.For(k).Budget(); budget > api.MaxWaitTimeout {
			d.addWarning(r, "api", "api.max_wait_timeout",
				fmt.Sprintf("%s budget %s exceeds max_wait_timeout %s; waits on it are cut short", k, budget, api.MaxWaitTimeout))
		}
	}
}

func (d *Doctor) checkCorrelation(r *Result) {
	if !d.cfg.Correlation.RequireCorrelationID {
		d.addWarning(r, "correlation", "correlation.require_correlation_id",
			"untagged replies are accepted; a late reply to an earlier command of the same kind can answer a newer one")
	}
}

func (d *Doctor) checkRetention(r *Result) {
	if d.cfg.Retention.Commands == 0 {
		d.addWarning(r, "retention", "retention.commands", "command retention disabled; the commands table grows without bound")
	}
	if d.cfg.Retention.Events == 0 {
		d.addWarning(r, "retention", "retention.events", "event retention disabled; the events table grows without bound")
	}
	if d.cfg.Retention.Interval == 0 && (d.cfg.Retention.Commands > 0 || d.cfg.Retention.Events > 0) {
		d.addWarning(r, "retention", "retention.interval", "serve does not prune; schedule `remotectl db prune` instead")
	}
}

// checkCommands flags outstanding commands past their kind's await budget
// and the devices they are waiting on when those devices have gone quiet.
func (d *Doctor) checkCommands(ctx context.Context, r *Result, policies *poll.Policies) {
	outstanding, err := d.store.ListCommands(ctx, records.CommandFilter{
		Statuses: []command.Status{command.StatusPending, command.StatusExecuting},
	})
	if err != nil {
		d.addError(r, "store", "storage", fmt.Sprintf("list outstanding commands: %v", err))
		return
	}

	now := d.now()
	var (
		stuck   int
		devices []string
		seen    = make(map[string]bool)
	)
	for _, c := range outstanding {
		if !seen[c.DeviceID] {
			seen[c.DeviceID] = true
			devices = append(devices, c.DeviceID)
		}
		budget := policies.For(c.Kind).Budget()
		age := now.Sub(c.CreatedAt)
		if age <= budget {
			continue
		}
		stuck++
		if stuck <= d.opts.MaxStuck {
			d.addWarning(r, "commands", c.ID,
				fmt.Sprintf("%s on %s has been %s for %s, past its %s budget", c.Kind, c.DeviceID, c.Status, age.Round(time.Second), budget))
		}
	}
	if stuck > d.opts.MaxStuck {
		d.addWarning(r, "commands", "",
			fmt.Sprintf("%d more stuck commands not listed", stuck-d.opts.MaxStuck))
	}

	for _, id := range devices {
		last, err := d.store.LastEventAt(ctx, id)
		switch {
		case errors.Is(err, records.ErrNotFound):
			d.addWarning(r, "devices", id, fmt.Sprintf("device %s has outstanding commands but has never written an event", id))
		case err != nil:
			d.addError(r, "store", id, fmt.Sprintf("last event for %s: %v", id, err))
		case now.Sub(last) > d.opts.SilentAfter:
			d.addWarning(r, "devices", id,
				fmt.Sprintf("device %s has outstanding commands and has been silent for %s", id, now.Sub(last).Round(time.Second)))
		}
	}
}
