package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/store"
)

func (s *Store) Create(ctx context.Context, msg *domain.Message, opts *store.CreateOptions) (*domain.Message, *domain.SystemEvent, error) {
	now := s.clock.Now()
	if msg.ID == "" {
		msg.ID = domain.NewMessageID(now)
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if opts != nil {
		if opts.CreatedAt != nil {
			msg.CreatedAt = *opts.CreatedAt
		}
		if opts.UpdatedAt != nil {
			msg.UpdatedAt = *opts.UpdatedAt
		}
	}
	if msg.Status == "" {
		msg.Status = domain.StatusCreated
	}
	if msg.LastErrors == nil {
		msg.LastErrors = []domain.DeliveryError{}
	}

	payloadJSON, err := marshalJSON(msg.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding payload: %v", domain.ErrPersistFailure, err)
	}
	errorsJSON, err := marshalJSON(msg.LastErrors)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding last_errors: %v", domain.ErrPersistFailure, err)
	}

	query := fmt.Sprintf(`INSERT INTO messages
		(id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10))

	_, err = s.db.ExecContext(ctx, query,
		msg.ID, payloadJSON, iso(msg.PublishAt), isoPtr(msg.DeliveredAt), isoPtr(msg.RetryAt),
		msg.Retried, string(msg.Status), errorsJSON, iso(msg.CreatedAt), iso(msg.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, domain.ErrDuplicateID
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}

	event := &domain.SystemEvent{
		ID:        domain.NewSystemEventID(now),
		Type:      domain.EventStoreCreate,
		Object:    "messages",
		After:     copyMessage(msg),
		CreatedAt: now,
	}
	return msg, event, nil
}

func (s *Store) FetchOne(ctx context.Context, id string) (*domain.Message, error) {
	query := fmt.Sprintf(`SELECT id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at
		FROM messages WHERE id = %s`, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return msg, nil
}

func (s *Store) FetchByStatus(ctx context.Context, status domain.Status) ([]*domain.Message, error) {
	query := fmt.Sprintf(`SELECT id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at
		FROM messages WHERE status = %s ORDER BY created_at DESC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) FetchByDate(ctx context.Context, date time.Time) ([]*domain.Message, error) {
	day := date.UTC().Format("2006-01-02")
	query := fmt.Sprintf(`SELECT id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at
		FROM messages WHERE substr(publish_at, 1, 10) = %s ORDER BY publish_at ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Message, *domain.SystemEvent, error) {
	before, err := s.FetchOne(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	after := copyMessage(before)
	applyPatch(after, patch)
	after.UpdatedAt = s.clock.Now()

	payloadJSON, err := marshalJSON(after.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding payload: %v", domain.ErrPersistFailure, err)
	}
	errorsJSON, err := marshalJSON(after.LastErrors)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding last_errors: %v", domain.ErrPersistFailure, err)
	}

	query := fmt.Sprintf(`UPDATE messages SET payload=%s, publish_at=%s, delivered_at=%s, retry_at=%s,
		retried=%s, status=%s, last_errors=%s, updated_at=%s WHERE id=%s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9))

	res, err := s.db.ExecContext(ctx, query,
		payloadJSON, iso(after.PublishAt), isoPtr(after.DeliveredAt), isoPtr(after.RetryAt),
		after.Retried, string(after.Status), errorsJSON, iso(after.UpdatedAt), id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, domain.ErrNotFound
	}

	event := &domain.SystemEvent{
		ID:        domain.NewSystemEventID(after.UpdatedAt),
		Type:      domain.EventStoreUpdate,
		Object:    "messages",
		Before:    before,
		After:     copyMessage(after),
		CreatedAt: after.UpdatedAt,
	}
	return after, event, nil
}

func (s *Store) Delete(ctx context.Context, id string) (*domain.SystemEvent, error) {
	before, err := s.FetchOne(ctx, id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`DELETE FROM messages WHERE id = %s`, s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return &domain.SystemEvent{
		ID:        domain.NewSystemEventID(s.clock.Now()),
		Type:      domain.EventStoreDelete,
		Object:    "messages",
		Before:    before,
		CreatedAt: s.clock.Now(),
	}, nil
}

func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func (s *Store) All(ctx context.Context) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, publish_at, delivered_at, retry_at, retried, status, last_errors, created_at, updated_at FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		m                                                 domain.Message
		payloadJSON, errorsJSON, status                   string
		publishAt                                         string
		deliveredAt, retryAt                              *string
		createdAt, updatedAt                              string
	)
	if err := row.Scan(&m.ID, &payloadJSON, &publishAt, &deliveredAt, &retryAt, &m.Retried, &status, &errorsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errorsJSON), &m.LastErrors); err != nil {
		return nil, err
	}
	var err error
	if m.PublishAt, err = parseISO(publishAt); err != nil {
		return nil, err
	}
	if m.DeliveredAt, err = parseISOPtr(deliveredAt); err != nil {
		return nil, err
	}
	if m.RetryAt, err = parseISOPtr(retryAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseISO(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseISO(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.LastErrors = append([]domain.DeliveryError(nil), m.LastErrors...)
	return &cp
}

func applyPatch(m *domain.Message, patch domain.Patch) {
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.Retried != nil {
		m.Retried = *patch.Retried
	}
	if patch.RetryAt != nil {
		m.RetryAt = patch.RetryAt
	}
	if patch.DeliveredAt != nil {
		m.DeliveredAt = patch.DeliveredAt
	}
	if patch.LastErrors != nil {
		m.LastErrors = patch.LastErrors
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key value")
}
