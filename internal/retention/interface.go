package retention

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/remotectl/internal/retention Store

// Store is the part of the records store the pruner deletes from.
type Store interface {
	PruneCommands(ctx context.Context, olderThan time.Time) (int64, error)
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
}
