package correlate

import (
	"context"

	"github.com/mattjoyce/remotectl/internal/records"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/remotectl/internal/correlate Store

// Store is the read side of the record store the correlator polls.
type Store interface {
	QueryLatestEvent(ctx context.Context, q records.EventQuery) (*records.Event, error)
	QueryCommandStatus(ctx context.Context, id string) (*records.Command, error)
}
