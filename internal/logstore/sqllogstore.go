package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
)

// SQLLogStore implements LogStore against the same database/sql
// handle the relational Message Store uses.
type SQLLogStore struct {
	db        *sql.DB
	placehold func(n int) string
}

func NewSQL(db *sql.DB, placeholder func(n int) string) *SQLLogStore {
	return &SQLLogStore{db: db, placehold: placeholder}
}

func (l *SQLLogStore) Create(ctx context.Context, entry *domain.LogEntry) error {
	before, err := marshalMessage(entry.BeforeData)
	if err != nil {
		return err
	}
	after, err := marshalMessage(entry.AfterData)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO logs (id, type, object, message_id, before_data, after_data, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		l.placehold(1), l.placehold(2), l.placehold(3), l.placehold(4), l.placehold(5), l.placehold(6), l.placehold(7))
	_, err = l.db.ExecContext(ctx, query, entry.ID, string(entry.Type), entry.Object, entry.MessageID, before, after, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func (l *SQLLogStore) FetchByMessageID(ctx context.Context, messageID string) ([]*domain.LogEntry, error) {
	query := fmt.Sprintf(`SELECT id, type, object, message_id, before_data, after_data, created_at
		FROM logs WHERE message_id = %s ORDER BY created_at ASC`, l.placehold(1))
	rows, err := l.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func (l *SQLLogStore) FetchAll(ctx context.Context, limit int) ([]*domain.LogEntry, error) {
	query := fmt.Sprintf(`SELECT id, type, object, message_id, before_data, after_data, created_at
		FROM logs ORDER BY created_at DESC LIMIT %s`, l.placehold(1))
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func (l *SQLLogStore) Reset(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func marshalMessage(m *domain.Message) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding log snapshot: %v", domain.ErrPersistFailure, err)
	}
	s := string(b)
	return &s, nil
}

func unmarshalMessage(s *string) (*domain.Message, error) {
	if s == nil {
		return nil, nil
	}
	var m domain.Message
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, fmt.Errorf("%w: decoding log snapshot: %v", domain.ErrPersistFailure, err)
	}
	return &m, nil
}

func scanLogs(rows *sql.Rows) ([]*domain.LogEntry, error) {
	var out []*domain.LogEntry
	for rows.Next() {
		var (
			entry                    domain.LogEntry
			kind, createdAt          string
			before, after            *string
		)
		if err := rows.Scan(&entry.ID, &kind, &entry.Object, &entry.MessageID, &before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		entry.Type = domain.LogKind(kind)
		var err error
		if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		if entry.BeforeData, err = unmarshalMessage(before); err != nil {
			return nil, err
		}
		if entry.AfterData, err = unmarshalMessage(after); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
