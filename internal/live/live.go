package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
	"github.com/mattjoyce/remotectl/internal/poll"
)

const (
	DefaultCooldown               = 500 * time.Millisecond
	DefaultMaxConsecutiveFailures = 3
)

// ErrNotLiveCapable is returned for kinds outside the live allow-list.
var ErrNotLiveCapable = errors.New("kind cannot run in live mode")

// Frame is the outcome of one live cycle. Exactly one of Result (resolved)
// or Err is meaningful.
type Frame struct {
	Seq       int
	CommandID string
	Result    correlate.Result
	Err       error
	Latency   time.Duration
	At        time.Time
}

// Config tunes live sessions.
type Config struct {
	Cooldown               time.Duration
	MaxConsecutiveFailures int
	// Kinds is the allow-list; empty means every kind the catalog marks live.
	Kinds    []command.Kind
	IssuerID string
}

// Runner starts live sessions.
type Runner struct {
	dispatcher Dispatcher
	awaiter    Awaiter
	policies   PolicySource
	hub        events.Publisher
	cfg        Config
	allowed    map[command.Kind]struct{}
	logger     *slog.Logger
}

// NewRunner creates a Runner. hub may be nil.
func NewRunner(d Dispatcher, a Awaiter, policies PolicySource, hub events.Publisher, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	allowed := make(map[command.Kind]struct{})
	if len(cfg.Kinds) == 0 {
		for _, k := range command.Kinds() {
			if spec, _ := command.Lookup(k); spec.Live {
				allowed[k] = struct{}{}
			}
		}
	}
	for _, k := range cfg.Kinds {
		allowed[k] = struct{}{}
	}
	return &Runner{
		dispatcher: d,
		awaiter:    a,
		policies:   policies,
		hub:        hub,
		cfg:        cfg,
		allowed:    allowed,
		logger:     logger.With("component", "live"),
	}
}

// Capable reports whether kind may run in live mode.
func (r *Runner) Capable(kind command.Kind) bool {
	if _, ok := r.allowed[kind]; !ok {
		return false
	}
	spec, ok := command.Lookup(kind)
	if !ok || spec.Reply.Source != command.ReplyEvent {
		return false
	}
	return command.Empty{K: kind}.Validate() == nil
}

// Live is a running session.
type Live struct {
	deviceID string
	kind     command.Kind
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

// StartLive repeatedly dispatches kind to deviceID and hands each outcome
// to onFrame. One command is outstanding at a time: the next dispatch
// happens only after the previous window closes and the cooldown passes.
//
// onFrame runs on the session goroutine and may call Stop.
func (r *Runner) StartLive(ctx context.Context, deviceID string, kind command.Kind, onFrame func(Frame)) (*Live, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is empty")
	}
	if !r.Capable(kind) {
		return nil, fmt.Errorf("%w: %s", ErrNotLiveCapable, kind)
	}
	if onFrame == nil {
		onFrame = func(Frame) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Live{deviceID: deviceID, kind: kind, cancel: cancel, done: make(chan struct{})}
	go r.loop(ctx, l, onFrame)
	return l, nil
}

func (r *Runner) loop(ctx context.Context, l *Live, onFrame func(Frame)) {
	logger := r.logger.With("device_id", l.deviceID, "kind", string(l.kind))
	sessionDone := metrics.LiveSessionStarted()
	logger.Info("live session started")

	var endErr error
	defer func() {
		sessionDone()
		l.finish(endErr)
		if r.hub != nil {
			data := map[string]any{"kind": l.kind}
			if endErr != nil {
				data["error"] = endErr.Error()
			}
			r.hub.Publish(events.LiveStopped, l.deviceID, data)
		}
		logger.Info("live session stopped", "error", endErr)
	}()

	policy := r.policies.For(l.kind)
	failures := 0
	for seq := 1; ; seq++ {
		if ctx.Err() != nil || l.isStopped() {
			return
		}

		frame := r.cycle(ctx, l, policy, seq)
		if ctx.Err() != nil || l.isStopped() {
			// Stopped mid-cycle: whatever came back is discarded.
			return
		}
		if errors.Is(frame.Err, poll.ErrCancelled) {
			// The awaiter is shutting down; dispatching again would only
			// leave more unanswered commands behind.
			endErr = fmt.Errorf("live %s stopped: %w", l.kind, frame.Err)
			return
		}

		if frame.Err != nil {
			failures++
			metrics.IncLiveFrame(string(l.kind), "error")
			logger.Warn("live cycle failed", "seq", seq, "consecutive", failures, "error", frame.Err)
		} else {
			failures = 0
			metrics.IncLiveFrame(string(l.kind), "ok")
		}
		if r.hub != nil {
			data := map[string]any{
				"kind":       l.kind,
				"seq":        frame.Seq,
				"command_id": frame.CommandID,
				"latency_ms": frame.Latency.Milliseconds(),
			}
			if frame.Err != nil {
				data["error"] = frame.Err.Error()
			}
			r.hub.Publish(events.LiveFrame, l.deviceID, data)
		}
		onFrame(frame)

		if failures >= r.cfg.MaxConsecutiveFailures {
			endErr = fmt.Errorf("live %s stopped after %d consecutive failures: %w", l.kind, failures, frame.Err)
			return
		}

		if r.cfg.Cooldown > 0 {
			t := time.NewTimer(r.cfg.Cooldown)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (r *Runner) cycle(ctx context.Context, l *Live, policy poll.Policy, seq int) Frame {
	start := time.Now()
	frame := Frame{Seq: seq}

	sent, err := r.dispatcher.Dispatch(ctx, dispatch.Request{DeviceID: l.deviceID, IssuerID: r.cfg.IssuerID, Kind: l.kind})
	if err != nil {
		frame.Err = err
		frame.Latency = time.Since(start)
		frame.At = time.Now()
		return frame
	}
	frame.CommandID = sent.CommandID

	res, err := r.awaiter.Await(ctx, sent.Window, policy)
	frame.Result = res
	frame.Err = err
	frame.Latency = time.Since(start)
	frame.At = time.Now()
	return frame
}

// Stop ends the session. The in-flight await is cancelled, its result is
// dropped and no further command is dispatched. Safe to call repeatedly.
func (l *Live) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.cancel()
}

func (l *Live) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Live) finish(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.cancel()
	close(l.done)
}

// Done is closed once the session goroutine has exited.
func (l *Live) Done() <-chan struct{} { return l.done }

// Err is nil when the session was stopped, or the failure that ended it.
func (l *Live) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Kind reports the kind being streamed.
func (l *Live) Kind() command.Kind { return l.kind }

// DeviceID reports the target device.
func (l *Live) DeviceID() string { return l.deviceID }
