// Package outboxqueue implements queue.Queue as a relational outbox
// table with a polling consumer that claims due rows via
// `FOR UPDATE SKIP LOCKED` (Postgres) or an equivalent claim-by-update
// (sqlite, which has no row-level locking but serializes writers),
// adapted from the reference system's event repository polling query
// and retry poller.
package outboxqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipemaragno/doneq/internal/clock"
	"github.com/felipemaragno/doneq/internal/domain"
)

// Dialect mirrors sqlstore.Dialect without importing it, keeping the
// queue package independent of the store package.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Queue struct {
	db           *sql.DB
	dialect      Dialect
	clock        clock.Clock
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(db *sql.DB, dialect Dialect, pollInterval time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, dialect: dialect, clock: clock.RealClock{}, pollInterval: pollInterval, logger: logger}
}

func (q *Queue) placeholder(n int) string {
	if q.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (q *Queue) Enqueue(ctx context.Context, event *domain.SystemEvent, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encoding event: %v", domain.ErrPersistFailure, err)
	}
	visibleAt := q.clock.Now().Add(delay)
	query := fmt.Sprintf(`INSERT INTO outbox (id, type, payload, visible_at, created_at) VALUES (%s, %s, %s, %s, %s)`,
		q.placeholder(1), q.placeholder(2), q.placeholder(3), q.placeholder(4), q.placeholder(5))
	_, err = q.db.ExecContext(ctx, query, event.ID, string(event.Type), string(payload),
		visibleAt.UTC().Format(time.RFC3339Nano), q.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

// claim selects and locks up to n due rows, returning them already
// marked claimed so a crashed consumer doesn't hand the same row to
// two pollers at once.
func (q *Queue) claim(ctx context.Context, n int) ([]outboxRow, error) {
	now := q.clock.Now().UTC().Format(time.RFC3339Nano)

	if q.dialect == DialectPostgres {
		query := fmt.Sprintf(`UPDATE outbox SET claimed_at = %s
			WHERE id IN (
				SELECT id FROM outbox
				WHERE visible_at <= %s AND claimed_at IS NULL
				ORDER BY visible_at ASC
				LIMIT %s
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, type, payload, visible_at, created_at`,
			q.placeholder(1), q.placeholder(2), q.placeholder(3))
		rows, err := q.db.QueryContext(ctx, query, now, now, n)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanOutboxRows(rows)
	}

	// sqlite has no SKIP LOCKED; the store opens sqlite with a single
	// connection (see sqlstore.Open), so this UPDATE already
	// serializes against any other claimer in this process.
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := `SELECT id, type, payload, visible_at, created_at FROM outbox
		WHERE visible_at <= ? AND claimed_at IS NULL ORDER BY visible_at ASC LIMIT ?`
	rows, err := tx.QueryContext(ctx, selectQuery, now, n)
	if err != nil {
		return nil, err
	}
	claimed, err := scanOutboxRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET claimed_at = ? WHERE id = ?`, now, r.id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) ack(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM outbox WHERE id = %s`, q.placeholder(1))
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// nack releases the claim so a later poll retries the event, giving
// at-least-once consumption on handler error.
func (q *Queue) nack(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE outbox SET claimed_at = NULL WHERE id = %s`, q.placeholder(1))
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

func (q *Queue) Consume(ctx context.Context, handle func(context.Context, *domain.SystemEvent) error) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.pollOnce(ctx, handle); err != nil {
				q.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

func (q *Queue) pollOnce(ctx context.Context, handle func(context.Context, *domain.SystemEvent) error) error {
	rows, err := q.claim(ctx, 50)
	if err != nil {
		return fmt.Errorf("claiming due events: %w", err)
	}
	for _, r := range rows {
		var event domain.SystemEvent
		if err := json.Unmarshal([]byte(r.payload), &event); err != nil {
			q.logger.Error("dropping unparseable outbox row", "id", r.id, "error", err)
			_ = q.ack(ctx, r.id)
			continue
		}
		if err := handle(ctx, &event); err != nil {
			q.logger.Warn("event handler failed, will retry", "id", r.id, "error", err)
			if nackErr := q.nack(ctx, r.id); nackErr != nil {
				q.logger.Error("failed to release outbox claim", "id", r.id, "error", nackErr)
			}
			continue
		}
		if err := q.ack(ctx, r.id); err != nil {
			q.logger.Error("failed to ack outbox row", "id", r.id, "error", err)
		}
	}
	return nil
}

func (q *Queue) Close() error {
	return nil
}

type outboxRow struct {
	id        string
	eventType string
	payload   string
	visibleAt string
	createdAt string
}

func scanOutboxRows(rows *sql.Rows) ([]outboxRow, error) {
	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.eventType, &r.payload, &r.visibleAt, &r.createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
