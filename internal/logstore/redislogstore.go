package logstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/doneq/internal/domain"
)

const (
	allLogsKey       = "stores:logs:all"
	logByMessageFmt  = "secondaries:LOG_BY_MESSAGE:%s"
	logRecordKeyFmt  = "stores:logs:%s"
)

// RedisLogStore keeps the audit log as a sorted set of log ids
// (scored by creation time) for fetch_all, plus a per-message sorted
// set for fetch_by_message_id, mirroring the secondary-index idiom
// the KV Message Store uses.
type RedisLogStore struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisLogStore {
	return &RedisLogStore{rdb: rdb}
}

func (l *RedisLogStore) Create(ctx context.Context, entry *domain.LogEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encoding log entry: %v", domain.ErrPersistFailure, err)
	}
	score := float64(entry.CreatedAt.UnixNano())
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(logRecordKeyFmt, entry.ID), blob, 0)
		pipe.ZAdd(ctx, allLogsKey, redis.Z{Score: score, Member: entry.ID})
		pipe.ZAdd(ctx, fmt.Sprintf(logByMessageFmt, entry.MessageID), redis.Z{Score: score, Member: entry.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}

func (l *RedisLogStore) fetch(ctx context.Context, ids []string) ([]*domain.LogEntry, error) {
	out := make([]*domain.LogEntry, 0, len(ids))
	for _, id := range ids {
		blob, err := l.rdb.Get(ctx, fmt.Sprintf(logRecordKeyFmt, id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		var entry domain.LogEntry
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			return nil, fmt.Errorf("%w: decoding log entry: %v", domain.ErrPersistFailure, err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (l *RedisLogStore) FetchByMessageID(ctx context.Context, messageID string) ([]*domain.LogEntry, error) {
	ids, err := l.rdb.ZRange(ctx, fmt.Sprintf(logByMessageFmt, messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return l.fetch(ctx, ids)
}

func (l *RedisLogStore) FetchAll(ctx context.Context, limit int) ([]*domain.LogEntry, error) {
	ids, err := l.rdb.ZRevRange(ctx, allLogsKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return l.fetch(ctx, ids)
}

func (l *RedisLogStore) Reset(ctx context.Context) error {
	ids, err := l.rdb.ZRange(ctx, allLogsKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	pipe := l.rdb.TxPipeline()
	pipe.Del(ctx, allLogsKey)
	for _, id := range ids {
		pipe.Del(ctx, fmt.Sprintf(logRecordKeyFmt, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	return nil
}
