package poll

import (
	"context"

	"github.com/mattjoyce/remotectl/internal/correlate"
)

//go:generate mockgen -destination=mocks/mock_correlator.go -package=mocks github.com/mattjoyce/remotectl/internal/poll Correlator

// Correlator makes one attempt at finding a window's reply.
type Correlator interface {
	Correlate(ctx context.Context, w correlate.Window) (correlate.Result, error)
}
