// Package kvstore implements store.MessageStore on Redis, modeling
// the reference system's key-value backing: the primary record lives
// at a per-id hash key, and the two secondary indexes named by
// secondary indexes (by status, by publish date) are maintained as explicit
// Redis sets kept in lock-step with the primary write.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/doneq/internal/clock"
	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/store"
)

const (
	keyPrefix = "stores:messages:"
	byStatusPrefix = "secondaries:BY_STATUS:"
	byDatePrefix   = "secondaries:BY_PUBLISH_DATE:"
)

// Store is a Redis-backed MessageStore.
type Store struct {
	rdb   *redis.Client
	clock clock.Clock
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, clock: clock.RealClock{}}
}

func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func messageKey(id string) string {
	return keyPrefix + id
}

func statusSetKey(status domain.Status) string {
	return byStatusPrefix + string(status)
}

func dateSetKey(t time.Time) string {
	return byDatePrefix + t.UTC().Format("2006-01-02")
}

// atomicReplaceIndexes moves id out of the old status/date sets and
// into the new ones inside a single pipeline, so the secondary index
// update is atomic with respect to any other pipelined command
// issued in the same round-trip (the write to the primary hash is
// pipelined alongside it by the caller).
func atomicReplaceIndexes(pipe redis.Pipeliner, id string, oldStatus, newStatus domain.Status, oldDate, newDate time.Time) {
	if oldStatus != "" && oldStatus != newStatus {
		pipe.SRem(context.Background(), statusSetKey(oldStatus), id)
	}
	pipe.SAdd(context.Background(), statusSetKey(newStatus), id)

	oldDay := oldDate.UTC().Format("2006-01-02")
	newDay := newDate.UTC().Format("2006-01-02")
	if !oldDate.IsZero() && oldDay != newDay {
		pipe.SRem(context.Background(), dateSetKey(oldDate), id)
	}
	pipe.SAdd(context.Background(), dateSetKey(newDate), id)
}

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

	exists, err := s.rdb.Exists(ctx, messageKey(msg.ID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	if exists > 0 {
		return nil, nil, domain.ErrDuplicateID
	}

	blob, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding message: %v", domain.ErrPersistFailure, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(msg.ID), "data", blob)
		pipe.SAdd(ctx, statusSetKey(msg.Status), msg.ID)
		pipe.SAdd(ctx, dateSetKey(msg.PublishAt), msg.ID)
		return nil
	})
	if err != nil {
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
	blob, err := s.rdb.HGet(ctx, messageKey(id), "data").Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(blob), &msg); err != nil {
		return nil, fmt.Errorf("%w: decoding message: %v", domain.ErrPersistFailure, err)
	}
	return &msg, nil
}

func (s *Store) fetchSet(ctx context.Context, setKey string) ([]*domain.Message, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
	}
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.FetchOne(ctx, id)
		if err == domain.ErrNotFound {
			continue // index drifted from a prior partial failure; skip rather than error
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) FetchByStatus(ctx context.Context, status domain.Status) ([]*domain.Message, error) {
	msgs, err := s.fetchSet(ctx, statusSetKey(status))
	if err != nil {
		return nil, err
	}
	sortDesc(msgs, func(m *domain.Message) time.Time { return m.CreatedAt })
	return msgs, nil
}

func (s *Store) FetchByDate(ctx context.Context, date time.Time) ([]*domain.Message, error) {
	msgs, err := s.fetchSet(ctx, dateSetKey(date))
	if err != nil {
		return nil, err
	}
	sortAsc(msgs, func(m *domain.Message) time.Time { return m.PublishAt })
	return msgs, nil
}

func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Message, *domain.SystemEvent, error) {
	before, err := s.FetchOne(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	after := copyMessage(before)
	applyPatch(after, patch)
	after.UpdatedAt = s.clock.Now()

	blob, err := json.Marshal(after)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding message: %v", domain.ErrPersistFailure, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageKey(id), "data", blob)
		atomicReplaceIndexes(pipe, id, before.Status, after.Status, before.PublishAt, after.PublishAt)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
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
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messageKey(id))
		pipe.SRem(ctx, statusSetKey(before.Status), id)
		pipe.SRem(ctx, dateSetKey(before.PublishAt), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
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
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s.deleteByPrefix(ctx, byStatusPrefix, byDatePrefix)
}

func (s *Store) deleteByPrefix(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		var cursor uint64
		for {
			keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 500).Result()
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
			}
			if len(keys) > 0 {
				if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

func (s *Store) All(ctx context.Context) ([]*domain.Message, error) {
	var out []*domain.Message
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistFailure, err)
		}
		for _, k := range keys {
			id := k[len(keyPrefix):]
			msg, err := s.FetchOne(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, msg)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
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

func sortDesc(msgs []*domain.Message, key func(*domain.Message) time.Time) {
	sort.Slice(msgs, func(i, j int) bool { return key(msgs[i]).After(key(msgs[j])) })
}

func sortAsc(msgs []*domain.Message, key func(*domain.Message) time.Time) {
	sort.Slice(msgs, func(i, j int) bool { return key(msgs[i]).Before(key(msgs[j])) })
}
