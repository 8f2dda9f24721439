// Package queue defines the Durable Queue contract: a
// process-wide, single-consumer, delay-capable FIFO of system events
// that survives restarts with at-least-once delivery.
package queue

import (
	"context"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
)

// Queue is the Durable Queue contract.
type Queue interface {
	// Enqueue persists event, visible after delay has elapsed (zero
	// delay means immediately visible).
	Enqueue(ctx context.Context, event *domain.SystemEvent, delay time.Duration) error

	// Consume polls for visible events until ctx is done, handing
	// each one to handle. The record is only marked done
	// (removed/acknowledged) if handle returns nil; a returned error
	// leaves it for a later poll, giving at-least-once delivery.
	Consume(ctx context.Context, handle func(context.Context, *domain.SystemEvent) error) error

	Close() error
}
