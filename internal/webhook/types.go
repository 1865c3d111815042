package webhook

import (
	"net/http"
	"slices"
	"time"

	"github.com/mattjoyce/remotectl/internal/events"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Remotectl-Signature-256"
	HeaderEvent     = "X-Remotectl-Event"
	HeaderDelivery  = "X-Remotectl-Delivery"
)

// Defaults for targets and the notifier.
const (
	DefaultTimeout = 5 * time.Second
	MaxAttempts    = 3
	queueSize      = 64
)

// DefaultEvents are sent when a target lists none.
var DefaultEvents = []string{
	events.CommandResolved,
	events.CommandFailed,
	events.CommandTimedOut,
}

// Target is one receiver.
type Target struct {
	URL     string
	Secret  string
	Events  []string
	Devices []string
	Timeout time.Duration
}

// Wants reports whether ev should go to t.
func (t Target) Wants(ev events.Event) bool {
	topics := t.Events
	if len(topics) == 0 {
		topics = DefaultEvents
	}
	if !slices.Contains(topics, "*") && !slices.Contains(topics, ev.Type) {
		return false
	}
	return len(t.Devices) == 0 || slices.Contains(t.Devices, ev.DeviceID)
}

func (t Target) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

// Subscriber is the read side of the event hub.
type Subscriber interface {
	Subscribe(deviceID string) (<-chan events.Event, func())
}

// Doer sends requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
