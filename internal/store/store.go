// Package store defines the Message Store contract that the relational
// and key-value backends both implement.
package store

import (
	"context"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
)

// CreateOptions lets the seeding path (the only caller that bypasses
// the normal create flow) supply timestamps the server would
// otherwise derive itself.
type CreateOptions struct {
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// MessageStore is the durable CRUD contract over messages, with
// secondary lookups by status and by publish date.
//
// Create/Update/Delete return the would-be STORE_*_EVENT alongside
// the message rather than enqueueing it themselves: the store has no
// dependency on the durable queue, and the sole caller (the State
// Manager) enqueues the returned event immediately after the write
// returns. This keeps the store/queue relationship a plain value
// return instead of a hidden write-path callback into the queue.
type MessageStore interface {
	Create(ctx context.Context, msg *domain.Message, opts *CreateOptions) (*domain.Message, *domain.SystemEvent, error)
	FetchOne(ctx context.Context, id string) (*domain.Message, error)
	FetchByStatus(ctx context.Context, status domain.Status) ([]*domain.Message, error)
	FetchByDate(ctx context.Context, date time.Time) ([]*domain.Message, error)
	Update(ctx context.Context, id string, patch domain.Patch) (*domain.Message, *domain.SystemEvent, error)
	Delete(ctx context.Context, id string) (*domain.SystemEvent, error)

	// Reset truncates the message table (and, transitively, cascaded
	// logs on the relational backend). Used only by the admin reset
	// route.
	Reset(ctx context.Context) error

	// All returns every stored message, used to rebuild the Stats
	// Service from scratch (initialize_from_messages).
	All(ctx context.Context) ([]*domain.Message, error)

	Ping(ctx context.Context) error
}
