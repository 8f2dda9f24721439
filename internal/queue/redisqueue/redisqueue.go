// Package redisqueue implements queue.Queue as a Redis sorted set
// scored by visible-at unix milliseconds, claimed atomically via a
// Lua script in the same style as the reference system's
// Redis-backed rate limiter and circuit breaker (ZREMRANGEBYSCORE /
// ZRANGEBYSCORE-style atomic claim-and-remove).
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/doneq/internal/clock"
	"github.com/felipemaragno/doneq/internal/domain"
)

const (
	pendingSetKey  = "queue:pending"
	recordKeyFmt   = "queue:record:%s"
	inflightSetKey = "queue:inflight"
)

// claimScript atomically pops up to ARGV[2] members of the pending
// set whose score (visible-at millis) is <= ARGV[1], moving them to
// the in-flight set so a concurrent claimer can't take the same
// record twice.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return due
`)

type Queue struct {
	rdb          *redis.Client
	clock        clock.Clock
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(rdb *redis.Client, pollInterval time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, clock: clock.RealClock{}, pollInterval: pollInterval, logger: logger}
}

func (q *Queue) Enqueue(ctx context.Context, event *domain.SystemEvent, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	blob, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encoding event: %v", domain.ErrPersistFailure, err)
	}
	visibleAt := q.clock.Now().Add(delay).UnixMilli()

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(recordKeyFmt, event.ID), blob, 0)
		pipe.ZAdd(ctx, pendingSetKey, redis.Z{Score: float64(visibleAt), Member: event.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
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
				q.logger.Error("redis queue poll failed", "error", err)
			}
		}
	}
}

func (q *Queue) pollOnce(ctx context.Context, handle func(context.Context, *domain.SystemEvent) error) error {
	now := q.clock.Now().UnixMilli()
	ids, err := claimScript.Run(ctx, q.rdb, []string{pendingSetKey, inflightSetKey}, now, 50).StringSlice()
	if err != nil {
		return fmt.Errorf("claiming due events: %w", err)
	}

	for _, id := range ids {
		blob, err := q.rdb.Get(ctx, fmt.Sprintf(recordKeyFmt, id)).Result()
		if err != nil {
			q.logger.Error("dropping unreadable queue record", "id", id, "error", err)
			q.rdb.ZRem(ctx, inflightSetKey, id)
			continue
		}
		var event domain.SystemEvent
		if err := json.Unmarshal([]byte(blob), &event); err != nil {
			q.logger.Error("dropping unparseable queue record", "id", id, "error", err)
			q.ack(ctx, id)
			continue
		}
		if err := handle(ctx, &event); err != nil {
			q.logger.Warn("event handler failed, will retry", "id", id, "error", err)
			// Take it out of the in-flight set and re-add it to
			// pending at a score 5s ahead, so it's picked up again
			// shortly.
			q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, inflightSetKey, id)
				pipe.ZAdd(ctx, pendingSetKey, redis.Z{Score: float64(q.clock.Now().Add(5 * time.Second).UnixMilli()), Member: id})
				return nil
			})
			continue
		}
		q.ack(ctx, id)
	}
	return nil
}

func (q *Queue) ack(ctx context.Context, id string) {
	q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, inflightSetKey, id)
		pipe.Del(ctx, fmt.Sprintf(recordKeyFmt, id))
		return nil
	})
}

func (q *Queue) Close() error {
	return nil
}
