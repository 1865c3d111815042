package live

import (
	"context"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/correlate"
	"github.com/mattjoyce/remotectl/internal/dispatch"
	"github.com/mattjoyce/remotectl/internal/poll"
)

//go:generate mockgen -destination=mocks/mock_live.go -package=mocks github.com/mattjoyce/remotectl/internal/live Dispatcher,Awaiter

// Dispatcher records one command.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Dispatched, error)
}

// Awaiter blocks until a window resolves, times out or is cancelled.
type Awaiter interface {
	Await(ctx context.Context, w correlate.Window, p poll.Policy) (correlate.Result, error)
}

// PolicySource resolves the poll policy for a kind.
type PolicySource interface {
	For(kind command.Kind) poll.Policy
}
