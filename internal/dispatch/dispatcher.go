package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
	"github.com/mattjoyce/remotectl/internal/records"
)

// AnonymousIssuer is recorded when a request carries no issuer.
const AnonymousIssuer = "00000000-0000-0000-0000-000000000000"

// Request asks for one command to be sent to a device. A nil Payload is
// allowed for kinds that take no argument.
type Request struct {
	DeviceID string
	IssuerID string
	Kind     command.Kind
	Payload  command.Payload
}

// Dispatched identifies a recorded command.
type Dispatched struct {
	CommandID    string
	DeviceID     string
	Kind         command.Kind
	DispatchedAt time.Time
	Deduplicated bool
	Window       correlate.Window
}

// Config holds dispatcher options.
type Config struct {
	// DedupeWindow enables de-duplication of identical in-flight commands
	// when positive.
	DedupeWindow time.Duration
}

// Dispatcher records commands.
type Dispatcher struct {
	store  Store
	hub    events.Publisher
	cfg    Config
	logger *slog.Logger
}

// New creates a Dispatcher. hub may be nil.
func New(store Store, hub events.Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
	}
}

// Dispatch validates req and writes one pending command.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Dispatched, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return Dispatched{}, invalid("device id is empty")
	}
	if req.Kind == "" {
		return Dispatched{}, invalid("kind is empty")
	}
	if !req.Kind.Valid() {
		return Dispatched{}, invalid("unknown kind %q", req.Kind)
	}
	payload := req.Payload
	if payload == nil {
		payload = command.Empty{K: req.Kind}
	}
	if payload.Kind() != req.Kind {
		return Dispatched{}, invalid("payload for %s sent as %s", payload.Kind(), req.Kind)
	}
	wire, err := command.Encode(payload)
	if err != nil {
		return Dispatched{}, invalid("%v", err)
	}
	issuer := req.IssuerID
	if issuer == "" {
		issuer = AnonymousIssuer
	}

	logger := d.logger.With("device_id", deviceID, "kind", string(req.Kind))

	var key string
	if d.cfg.DedupeWindow > 0 {
		key = DedupeKey(deviceID, req.Kind, wire)
		existing, err := d.store.FindInFlight(ctx, deviceID, key, d.cfg.DedupeWindow)
		switch {
		case err == nil:
			logger.Info("reusing in-flight command", "command_id", existing.ID)
			metrics.IncDispatch(string(req.Kind), metrics.DispatchDeduplicated)
			return d.dispatched(*existing, true)
		case !errors.Is(err, records.ErrNotFound):
			// A failed lookup falls through to a new command.
			logger.Warn("dedupe lookup failed", "error", err)
		}
	}

	row, err := d.store.InsertCommand(ctx, records.NewCommand{
		DeviceID:  deviceID,
		IssuerID:  issuer,
		Kind:      req.Kind,
		Payload:   wire,
		DedupeKey: key,
	})
	if err != nil {
		metrics.IncDispatch(string(req.Kind), metrics.DispatchError)
		logger.Error("dispatch failed", "error", err)
		return Dispatched{}, &DispatchError{DeviceID: deviceID, Kind: req.Kind, Err: err}
	}

	metrics.IncDispatch(string(req.Kind), metrics.DispatchSuccess)
	logger.Info("command dispatched", "command_id", row.ID)
	out, err := d.dispatched(row, false)
	if err != nil {
		return out, err
	}
	if d.hub != nil {
		d.hub.Publish(events.CommandDispatched, deviceID, map[string]any{
			"command_id":    row.ID,
			"kind":          row.Kind,
			"dispatched_at": row.CreatedAt,
		})
	}
	return out, nil
}

func (d *Dispatcher) dispatched(row records.Command, deduped bool) (Dispatched, error) {
	w, err := correlate.NewWindow(row.ID, row.DeviceID, row.Kind, row.CreatedAt)
	if err != nil {
		return Dispatched{}, err
	}
	return Dispatched{
		CommandID:    row.ID,
		DeviceID:     row.DeviceID,
		Kind:         row.Kind,
		DispatchedAt: row.CreatedAt,
		Deduplicated: deduped,
		Window:       w,
	}, nil
}

// DedupeKey is the BLAKE3 digest of a command's identity.
func DedupeKey(deviceID string, kind command.Kind, wire json.RawMessage) string {
	h := blake3.New()
	_, _ = h.Write([]byte(deviceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(wire)
	return hex.EncodeToString(h.Sum(nil))
}
