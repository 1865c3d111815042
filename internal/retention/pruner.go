// Package retention deletes old command and event rows on a timer while the
// server runs.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
)

// Config mirrors the retention section of the config file. A zero period
// leaves that table alone; a zero Interval disables the loop.
type Config struct {
	Commands time.Duration
	Events   time.Duration
	Interval time.Duration
}

// Summary is the outcome of one pass.
type Summary struct {
	Commands int64 `json:"commands"`
	Events   int64 `json:"events"`
}

// Pruner runs retention passes every Interval, plus one at start.
type Pruner struct {
	cfg    Config
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, store Store, pub events.Publisher, logger *slog.Logger) *Pruner {
	return &Pruner{
		cfg:    cfg,
		store:  store,
		events: pub,
		logger: logger.With("component", "retention"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Enabled reports whether Start will run a loop.
func (p *Pruner) Enabled() bool {
	return p.cfg.Interval > 0 && (p.cfg.Commands > 0 || p.cfg.Events > 0)
}

// Start launches the loop. It is a no-op when retention is disabled.
func (p *Pruner) Start(ctx context.Context) {
	if !p.Enabled() {
		p.logger.Info("Background retention disabled")
		return
	}
	p.logger.Info("Starting retention loop",
		"interval", p.cfg.Interval,
		"commands", p.cfg.Commands,
		"events", p.cfg.Events,
	)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends the loop and waits for a pass in progress. Safe to call more
// than once or without Start.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	p.pass(ctx)

	timer := time.NewTimer(jittered(p.cfg.Interval))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			p.pass(ctx)
			timer.Reset(jittered(p.cfg.Interval))
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pruner) pass(ctx context.Context) {
	sum, err := p.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.logger.Warn("Retention pass failed", "error", err)
		return
	}
	if sum.Commands == 0 && sum.Events == 0 {
		p.logger.Debug("Retention pass found nothing to prune")
		return
	}
	p.logger.Info("Pruned old rows", "commands", sum.Commands, "events", sum.Events)
	if p.events != nil {
		p.events.Publish(events.RetentionPruned, "", sum)
	}
}

// RunOnce prunes both tables once. Commands go first; an error there still
// lets the events table be pruned and the errors are joined.
func (p *Pruner) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	var errs []error
	now := p.now()

	if p.cfg.Commands > 0 {
		n, err := p.store.PruneCommands(ctx, now.Add(-p.cfg.Commands))
		if err != nil {
			errs = append(errs, err)
		} else {
			sum.Commands = n
			metrics.AddPruned("commands", n)
		}
	}
	if p.cfg.Events > 0 {
		n, err := p.store.PruneEvents(ctx, now.Add(-p.cfg.Events))
		if err != nil {
			errs = append(errs, err)
		} else {
			sum.Events = n
			metrics.AddPruned("device_events", n)
		}
	}
	return sum, errors.Join(errs...)
}

// jittered spreads passes by up to a tenth of the interval so servers
// sharing a Postgres store do not prune in lockstep.
func jittered(interval time.Duration) time.Duration {
	spread := interval / 10
	if spread <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(int64(spread)))
}
