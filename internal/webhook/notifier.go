package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/metrics"
)

// Notifier fans hub events out to the configured targets.
type Notifier struct {
	targets []Target
	hub     Subscriber
	client  Doer
	logger  *slog.Logger
	backoff time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewNotifier(targets []Target, hub Subscriber, logger *slog.Logger) *Notifier {
	return &Notifier{
		targets: targets,
		hub:     hub,
		client:  &http.Client{},
		logger:  logger.With("component", "webhook"),
		backoff: 500 * time.Millisecond,
	}
}

// Start subscribes to the hub and launches one worker per target. With no
// targets it does nothing.
func (n *Notifier) Start(ctx context.Context) {
	if len(n.targets) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, unsubscribe := n.hub.Subscribe("")

	n.mu.Lock()
	n.cancel = cancel
	n.unsubscribe = unsubscribe
	n.mu.Unlock()

	queues := make([]chan events.Event, len(n.targets))
	for i, t := range n.targets {
		queues[i] = make(chan events.Event, queueSize)
		n.wg.Add(1)
		go n.work(ctx, t, queues[i])
	}

	n.wg.Add(1)
	go n.fanOut(ctx, ch, queues)

	n.logger.Info("Webhook notifier started", "targets", len(n.targets))
}

// Stop abandons pending deliveries and waits for the workers. Safe to call
// without Start.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, unsubscribe := n.cancel, n.unsubscribe
	n.cancel, n.unsubscribe = nil, nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	unsubscribe()
	n.wg.Wait()
}

func (n *Notifier) fanOut(ctx context.Context, ch <-chan events.Event, queues []chan events.Event) {
	defer n.wg.Done()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			for i, t := range n.targets {
				if !t.Wants(ev) {
					continue
				}
				select {
				case queues[i] <- ev:
				default:
					metrics.IncWebhookDelivery("dropped")
					n.logger.Warn("Webhook queue full, dropping event",
						"url", t.URL,
						"event", ev.Type,
						"event_id", ev.ID,
					)
				}
			}
		}
	}
}

func (n *Notifier) work(ctx context.Context, t Target, q <-chan events.Event) {
	defer n.wg.Done()
	for ev := range q {
		if ctx.Err() != nil {
			continue
		}
		if err := n.Deliver(ctx, t, ev); err != nil {
			metrics.IncWebhookDelivery("failed")
			n.logger.Warn("Webhook delivery failed",
				"url", t.URL,
				"event", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		metrics.IncWebhookDelivery("delivered")
	}
}

// Deliver sends ev to t, retrying transient failures.
func (n *Notifier) Deliver(ctx context.Context, t Target, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	wait := n.backoff
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		retry, err := n.post(ctx, t, ev, body)
		if err == nil {
			n.logger.Debug("Webhook delivered", "url", t.URL, "event", ev.Type, "attempt", attempt)
			return nil
		}
		lastErr = err
		if !retry || attempt == MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}

// post makes one attempt. retry is true when a later attempt could succeed.
func (n *Notifier) post(ctx context.Context, t Target, ev events.Event, body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "remotectl-webhook")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(ev.ID, 10))
	req.Header.Set(HeaderSignature, Sign(body, t.Secret))

	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook: %s", resp.Status)
	default:
		return false, fmt.Errorf("webhook: %s", resp.Status)
	}
}
