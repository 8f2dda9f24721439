package outboxqueue

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/felipemaragno/doneq/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE outbox (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		visible_at TEXT NOT NULL,
		claimed_at TEXT,
		created_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("failed to create outbox table: %v", err)
	}
	return db
}

func newTestEvent(id string) *domain.SystemEvent {
	return &domain.SystemEvent{
		ID:     id,
		Type:   domain.EventMessageReceived,
		Object: "messages",
		After:  &domain.Message{ID: "msg_" + id},
	}
}

func TestQueue_EnqueueAndPollOnce_DeliversImmediatelyVisible(t *testing.T) {
	db := openTestDB(t)
	q := New(db, DialectSQLite, time.Hour, slog.Default())

	if err := q.Enqueue(context.Background(), newTestEvent("evt_1"), 0); err != nil {
		t.Fatalf("Enqueue returned an error: %v", err)
	}

	var mu sync.Mutex
	var handled []string
	err := q.pollOnce(context.Background(), func(ctx context.Context, event *domain.SystemEvent) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, event.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("pollOnce returned an error: %v", err)
	}
	if len(handled) != 1 || handled[0] != "evt_1" {
		t.Errorf("handled = %v, want [evt_1]", handled)
	}

	// acked rows are removed; a second poll should find nothing.
	handled = nil
	if err := q.pollOnce(context.Background(), func(ctx context.Context, event *domain.SystemEvent) error {
		handled = append(handled, event.ID)
		return nil
	}); err != nil {
		t.Fatalf("second pollOnce returned an error: %v", err)
	}
	if len(handled) != 0 {
		t.Errorf("expected no events on the second poll, got %v", handled)
	}
}

func TestQueue_Enqueue_DelayedEventNotYetVisible(t *testing.T) {
	db := openTestDB(t)
	q := New(db, DialectSQLite, time.Hour, slog.Default())

	if err := q.Enqueue(context.Background(), newTestEvent("evt_future"), time.Hour); err != nil {
		t.Fatalf("Enqueue returned an error: %v", err)
	}

	var handled []string
	if err := q.pollOnce(context.Background(), func(ctx context.Context, event *domain.SystemEvent) error {
		handled = append(handled, event.ID)
		return nil
	}); err != nil {
		t.Fatalf("pollOnce returned an error: %v", err)
	}
	if len(handled) != 0 {
		t.Errorf("expected the delayed event to stay invisible, got %v", handled)
	}
}

func TestQueue_PollOnce_HandlerErrorLeavesEventForRetry(t *testing.T) {
	db := openTestDB(t)
	q := New(db, DialectSQLite, time.Hour, slog.Default())

	if err := q.Enqueue(context.Background(), newTestEvent("evt_fail"), 0); err != nil {
		t.Fatalf("Enqueue returned an error: %v", err)
	}

	attempts := 0
	failOnce := func(ctx context.Context, event *domain.SystemEvent) error {
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		return nil
	}

	if err := q.pollOnce(context.Background(), failOnce); err != nil {
		t.Fatalf("pollOnce returned an error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}

	if err := q.pollOnce(context.Background(), failOnce); err != nil {
		t.Fatalf("pollOnce returned an error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected a second attempt after the nack, got %d", attempts)
	}
}
