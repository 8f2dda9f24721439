package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/doneq/internal/domain"
)

const (
	totalKey       = "stats:total"
	statusCountFmt = "stats:by_status:%s"
	hourlyFmt      = "stats:hourly:%s:%d" // date, hour -> count (all statuses)
	dailyFmt       = "stats:daily:%s:%s"  // date, status -> count
)

// RedisStats maintains a live counter per status plus a dedicated
// all-time total counter, the variant this backend calls for on
// key-value backends (where a full scan to compute `total` would be
// too expensive).
type RedisStats struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisStats {
	return &RedisStats{rdb: rdb}
}

func (s *RedisStats) Increment(ctx context.Context, status domain.Status, at time.Time) error {
	return s.bump(ctx, status, at, 1)
}

func (s *RedisStats) Decrement(ctx context.Context, status domain.Status, at time.Time) error {
	return s.bump(ctx, status, at, -1)
}

func (s *RedisStats) bump(ctx context.Context, status domain.Status, at time.Time, delta int64) error {
	date := at.UTC().Format("2006-01-02")
	hour := at.UTC().Hour()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, fmt.Sprintf(statusCountFmt, status), delta)
		pipe.IncrBy(ctx, fmt.Sprintf(hourlyFmt, date, hour), delta)
		pipe.IncrBy(ctx, fmt.Sprintf(dailyFmt, date, status), delta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return s.clamp(ctx, status)
}

// clamp enforces the zero floor a plain INCRBY can't express.
func (s *RedisStats) clamp(ctx context.Context, status domain.Status) error {
	v, err := s.rdb.Get(ctx, fmt.Sprintf(statusCountFmt, status)).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if v < 0 {
		if err := s.rdb.Set(ctx, fmt.Sprintf(statusCountFmt, status), 0, 0).Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
	}
	return nil
}

func (s *RedisStats) IncrementTotal(ctx context.Context) error {
	if err := s.rdb.Incr(ctx, totalKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func (s *RedisStats) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	snap := domain.NewStatsSnapshot()

	total, err := s.rdb.Get(ctx, totalKey).Int64()
	if err != nil && err != redis.Nil {
		return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	snap.Total = total

	for status := range snap.ByStatus {
		v, err := s.rdb.Get(ctx, fmt.Sprintf(statusCountFmt, status)).Int64()
		if err != nil && err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		snap.ByStatus[status] = v
		snap.Last24h += v
	}

	now := time.Now().UTC()
	for h := 0; h < 24; h++ {
		v, err := s.rdb.Get(ctx, fmt.Sprintf(hourlyFmt, now.Format("2006-01-02"), h)).Int64()
		if err != nil && err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		snap.Hourly[h] = v
	}

	var last7d int64
	for i := 6; i >= 0; i-- {
		day := now.Add(-time.Duration(i) * 24 * time.Hour).Format("2006-01-02")
		trend := domain.DayTrend{Date: day}

		incoming, err := s.rdb.Get(ctx, fmt.Sprintf(dailyFmt, day, domain.StatusCreated)).Int64()
		if err != nil && err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		sent, err := s.rdb.Get(ctx, fmt.Sprintf(dailyFmt, day, domain.StatusSent)).Int64()
		if err != nil && err != redis.Nil {
			return snap, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		trend.Incoming, trend.Sent = incoming, sent
		last7d += incoming
		snap.DailyTrend = append(snap.DailyTrend, trend)
	}
	snap.Last7d = last7d

	return snap, nil
}

func (s *RedisStats) InitializeFromMessages(ctx context.Context, messages []*domain.Message) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, totalKey)
	for status := range domain.NewStatsSnapshot().ByStatus {
		pipe.Del(ctx, fmt.Sprintf(statusCountFmt, status))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	for _, m := range messages {
		if err := s.Increment(ctx, m.Status, m.CreatedAt); err != nil {
			return err
		}
		if err := s.IncrementTotal(ctx); err != nil {
			return err
		}
	}
	return nil
}
