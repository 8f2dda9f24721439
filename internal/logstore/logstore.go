// Package logstore implements the append-only audit log kept
// alongside the message store.
package logstore

import (
	"context"

	"github.com/felipemaragno/doneq/internal/domain"
)

// LogStore is the Log Store contract.
type LogStore interface {
	Create(ctx context.Context, entry *domain.LogEntry) error
	FetchByMessageID(ctx context.Context, messageID string) ([]*domain.LogEntry, error)
	FetchAll(ctx context.Context, limit int) ([]*domain.LogEntry, error)
	Reset(ctx context.Context) error
}
