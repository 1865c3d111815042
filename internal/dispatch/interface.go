package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/remotectl/internal/records"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/remotectl/internal/dispatch Store

// Store is the write side of the record store.
type Store interface {
	InsertCommand(ctx context.Context, nc records.NewCommand) (records.Command, error)
	FindInFlight(ctx context.Context, deviceID, dedupeKey string, window time.Duration) (*records.Command, error)
}
