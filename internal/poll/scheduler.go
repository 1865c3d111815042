package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
)

var (
	// ErrTimeout means every attempt in the window's budget came back pending.
	ErrTimeout = errors.New("await timed out")
	// ErrCancelled means the caller stopped waiting before resolution.
	ErrCancelled = errors.New("await cancelled")
)

// State is where a window is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateResolved
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Terminal reports whether the window is closed.
func (s State) Terminal() bool { return s >= StateResolved }

// Scheduler runs await windows. Windows share nothing but the correlator's
// store; Close cancels all of them and waits for their goroutines.
type Scheduler struct {
	corr   Correlator
	hub    events.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. hub may be nil.
func New(corr Correlator, hub events.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		corr:   corr,
		hub:    hub,
		logger: logger.With("component", "poll"),
		stopCh: make(chan struct{}),
	}
}

// Close cancels every outstanding window and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// enter registers a window unless the scheduler is closing.
func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) closed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Await polls for w's reply under p and blocks until the window closes.
//
// Attempt 1 runs at once and attempt n at (n-1)*p.Interval, so the last
// query still has one interval inside p.Budget(). The budget is a hard
// deadline measured from the call: a slow store shortens the time each query
// may take and never stretches the window. A store error uses up an attempt
// the same way a pending answer does.
func (s *Scheduler) Await(ctx context.Context, w correlate.Window, p Policy) (correlate.Result, error) {
	if !s.enter() {
		return correlate.Result{CommandID: w.CommandID, Kind: w.Kind}, ErrCancelled
	}
	defer s.wg.Done()

	res, _, err := s.run(ctx, w, p)
	return res, err
}

func (s *Scheduler) run(ctx context.Context, w correlate.Window, p Policy) (correlate.Result, State, error) {
	res := correlate.Result{CommandID: w.CommandID, Kind: w.Kind, Source: w.Source}
	if err := p.Validate(); err != nil {
		return res, StateIdle, err
	}
	if w.Deadline.IsZero() {
		w.Deadline = w.DispatchedAt.Add(p.Budget())
	}
	start := time.Now()
	deadline := start.Add(p.Budget())

	logger := s.logger.With("command_id", w.CommandID, "device_id", w.DeviceID, "kind", string(w.Kind))
	logger.Debug("await started", "policy", p.String(), "deadline", deadline)

	timer := time.NewTimer(0)
	defer timer.Stop()

	attempts := 0
	var lastErr error
	timedOut := func() (correlate.Result, State, error) {
		terr := fmt.Errorf("%w: no reply after %d attempts (%s)", ErrTimeout, attempts, p.Budget())
		if lastErr != nil {
			terr = fmt.Errorf("%w; last error: %v", terr, lastErr)
		}
		return s.finish(logger, w, res, StateTimedOut, attempts, terr)
	}

	for {
		select {
		case <-ctx.Done():
			return s.finish(logger, w, res, StateCancelled, attempts, ErrCancelled)
		case <-s.stopCh:
			return s.finish(logger, w, res, StateCancelled, attempts, ErrCancelled)
		case <-timer.C:
		}

		left := time.Until(deadline)
		if left <= 0 {
			return timedOut()
		}
		attempts++
		r, err := s.attempt(ctx, w, p, left)

		// A query that finishes after cancellation is discarded.
		if ctx.Err() != nil || s.closed() {
			return s.finish(logger, w, res, StateCancelled, attempts, ErrCancelled)
		}
		expired := !time.Now().Before(deadline)

		var tq *correlate.TransientQueryError
		switch {
		case err == nil && r.Outcome == correlate.OutcomeResolved:
			return s.finish(logger, w, r, StateResolved, attempts, nil)
		case err != nil && r.Outcome == correlate.OutcomeFailed:
			return s.finish(logger, w, r, StateFailed, attempts, err)
		case errors.As(err, &tq), err != nil && expired:
			lastErr = err
			logger.Warn("correlation query failed", "attempt", attempts, "error", err)
		case err != nil:
			return s.finish(logger, w, res, StateIdle, attempts, err)
		}

		if attempts >= p.MaxAttempts || expired {
			return timedOut()
		}
		next := start.Add(time.Duration(attempts) * p.Interval)
		if next.After(deadline) {
			next = deadline
		}
		timer.Reset(time.Until(next))
	}
}

// attempt runs one correlation query. The query is not cut short by the
// caller's cancellation; it is bounded by one interval (at least a second)
// and never by more than the time left in the window.
func (s *Scheduler) attempt(ctx context.Context, w correlate.Window, p Policy, left time.Duration) (correlate.Result, error) {
	timeout := p.Interval
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > left {
		timeout = left
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return s.corr.Correlate(qctx, w)
}

func (s *Scheduler) finish(logger *slog.Logger, w correlate.Window, res correlate.Result, st State, attempts int, err error) (correlate.Result, State, error) {
	elapsed := time.Since(w.DispatchedAt)
	outcome := ""
	topic := ""
	switch st {
	case StateResolved:
		outcome, topic = metrics.OutcomeResolved, events.CommandResolved
		logger.Info("command resolved", "attempts", attempts, "elapsed", elapsed)
	case StateFailed:
		outcome, topic = metrics.OutcomeFailed, events.CommandFailed
		logger.Warn("command failed on device", "attempts", attempts, "error", err)
	case StateTimedOut:
		outcome, topic = metrics.OutcomeTimedOut, events.CommandTimedOut
		logger.Warn("command timed out", "attempts", attempts)
	case StateCancelled:
		outcome = metrics.OutcomeCancelled
		logger.Debug("await cancelled", "attempts", attempts)
	default:
		logger.Error("await aborted", "error", err)
		return res, st, err
	}

	metrics.ObserveAwait(string(w.Kind), outcome, attempts, elapsed)
	if topic != "" && s.hub != nil {
		data := map[string]any{
			"command_id": w.CommandID,
			"kind":       w.Kind,
			"attempts":   attempts,
		}
		if err != nil {
			data["error"] = err.Error()
		}
		if st == StateResolved {
			data["event_id"] = res.EventID
			data["replied_at"] = res.RepliedAt
		}
		s.hub.Publish(topic, w.DeviceID, data)
	}
	return res, st, err
}

// Pending is a window running in the background.
type Pending struct {
	window correlate.Window
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	res   correlate.Result
	err   error
}

// Start runs Await in its own goroutine.
func (s *Scheduler) Start(ctx context.Context, w correlate.Window, p Policy) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	pend := &Pending{window: w, cancel: cancel, done: make(chan struct{}), state: StatePolling}

	if !s.enter() {
		cancel()
		pend.settle(correlate.Result{CommandID: w.CommandID, Kind: w.Kind}, StateCancelled, ErrCancelled)
		return pend
	}

	go func() {
		defer s.wg.Done()
		defer cancel()
		res, st, err := s.run(ctx, w, p)
		pend.settle(res, st, err)
	}()
	return pend
}

func (p *Pending) settle(res correlate.Result, st State, err error) {
	p.mu.Lock()
	p.res, p.state, p.err = res, st, err
	p.mu.Unlock()
	close(p.done)
}

// Cancel stops the window. It is safe to call more than once and after the
// window has closed.
func (p *Pending) Cancel() { p.cancel() }

// Done is closed when the window reaches a terminal state.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Window returns the window being awaited.
func (p *Pending) Window() correlate.Window { return p.window }

// State reports the current lifecycle state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result blocks until the window closes and returns its outcome.
func (p *Pending) Result() (correlate.Result, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res, p.err
}
