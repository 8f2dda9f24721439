package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipemaragno/doneq/internal/domain"
)

// SQLStats maintains the message_stats(date, hour, status, count)
// table in lock-step with message_store writes, and derives `total`
// from a live COUNT(*) over messages rather than a separate counter
// (the reference system only keeps a dedicated total counter on the
// key-value backend, where a full scan is too expensive).
type SQLStats struct {
	db        *sql.DB
	placehold func(n int) string
}

func NewSQL(db *sql.DB, placeholder func(n int) string) *SQLStats {
	return &SQLStats{db: db, placehold: placeholder}
}

func (s *SQLStats) bump(ctx context.Context, status domain.Status, at time.Time, delta int) error {
	date := at.UTC().Format("2006-01-02")
	hour := at.UTC().Hour()

	// Both pgx (Postgres) and sqlite3 support `ON CONFLICT ... DO UPDATE`.
	upsert := fmt.Sprintf(`INSERT INTO message_stats (date, hour, status, count) VALUES (%s, %s, %s, %s)
		ON CONFLICT (date, hour, status) DO UPDATE SET count = message_stats.count + %s`,
		s.placehold(1), s.placehold(2), s.placehold(3), s.placehold(4), s.placehold(5))
	_, err := s.db.ExecContext(ctx, upsert, date, hour, string(status), delta, delta)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	// Clamp at zero: a decrement below zero indicates a missed
	// increment somewhere upstream; the counter should never go
	// negative regardless.
	clamp := fmt.Sprintf(`UPDATE message_stats SET count = 0 WHERE date = %s AND hour = %s AND status = %s AND count < 0`,
		s.placehold(1), s.placehold(2), s.placehold(3))
	_, err = s.db.ExecContext(ctx, clamp, date, hour, string(status))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func (s *SQLStats) Increment(ctx context.Context, status domain.Status, at time.Time) error {
	return s.bump(ctx, status, at, 1)
}

func (s *SQLStats) Decrement(ctx context.Context, status domain.Status, at time.Time) error {
	return s.bump(ctx, status, at, -1)
}

func (s *SQLStats) IncrementTotal(ctx context.Context) error {
	// Total is derived from COUNT(*) on the SQL backend; nothing to do.
	return nil
}

func (s *SQLStats) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	snap := domain.NewStatsSnapshot()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&snap.Total); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		snap.ByStatus[domain.Status(status)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}

	now := time.Now().UTC()
	day1 := now.Add(-24 * time.Hour).Format(time.RFC3339Nano)
	day7 := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339Nano)

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM messages WHERE created_at >= %s`, s.placehold(1)), day1).Scan(&snap.Last24h); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM messages WHERE created_at >= %s`, s.placehold(1)), day7).Scan(&snap.Last7d); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}

	hourlyRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT hour, SUM(count) FROM message_stats WHERE date = %s GROUP BY hour`, s.placehold(1)), now.Format("2006-01-02"))
	if err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	for hourlyRows.Next() {
		var hour int
		var count int64
		if err := hourlyRows.Scan(&hour, &count); err != nil {
			hourlyRows.Close()
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		if hour >= 0 && hour < 24 {
			snap.Hourly[hour] = count
		}
	}
	hourlyRows.Close()
	if err := hourlyRows.Err(); err != nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}

	for i := 6; i >= 0; i-- {
		day := now.Add(-time.Duration(i) * 24 * time.Hour).Format("2006-01-02")
		trend := domain.DayTrend{Date: day}
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(SUM(count), 0) FROM message_stats WHERE date = %s AND status = %s`, s.placehold(1), s.placehold(2)), day, string(domain.StatusCreated)).Scan(&trend.Incoming); err != nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(SUM(count), 0) FROM message_stats WHERE date = %s AND status = %s`, s.placehold(1), s.placehold(2)), day, string(domain.StatusSent)).Scan(&trend.Sent); err != nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		snap.DailyTrend = append(snap.DailyTrend, trend)
	}

	return snap, nil
}

func (s *SQLStats) InitializeFromMessages(ctx context.Context, messages []*domain.Message) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_stats`); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	for _, m := range messages {
		if err := s.Increment(ctx, m.Status, m.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}
