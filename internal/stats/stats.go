// Package stats implements the Stats Service: running
// counters per status and per hour/day, rebuildable from the message
// store on demand.
package stats

import (
	"context"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
)

// Service is the Stats Service contract.
type Service interface {
	Increment(ctx context.Context, status domain.Status, at time.Time) error
	Decrement(ctx context.Context, status domain.Status, at time.Time) error
	// IncrementTotal bumps the all-time-total counter; called only on
	// transitions into CREATED, never on any other transition.
	IncrementTotal(ctx context.Context) error
	Get(ctx context.Context) (domain.StatsSnapshot, error)
	InitializeFromMessages(ctx context.Context, messages []*domain.Message) error
}
