package state

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/felipemaragno/doneq/internal/delivery"
	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/logstore"
	"github.com/felipemaragno/doneq/internal/store"
)

// fakeStore is a minimal in-memory store.MessageStore, just enough to
// drive the State Manager's dispatch paths under test.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*domain.Message
}

func newFakeStore(msgs ...*domain.Message) *fakeStore {
	s := &fakeStore{messages: make(map[string]*domain.Message)}
	for _, m := range msgs {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, msg *domain.Message, opts *store.CreateOptions) (*domain.Message, *domain.SystemEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ID] = &cp
	return &cp, &domain.SystemEvent{Type: domain.EventStoreCreate, Object: "messages", After: &cp}, nil
}

func (s *fakeStore) FetchOne(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) FetchByStatus(ctx context.Context, status domain.Status) ([]*domain.Message, error) {
	return nil, nil
}

func (s *fakeStore) FetchByDate(ctx context.Context, date time.Time) ([]*domain.Message, error) {
	return nil, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Message, *domain.SystemEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	before := *m
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
	after := *m
	return &after, &domain.SystemEvent{Type: domain.EventStoreUpdate, Object: "messages", Before: &before, After: &after}, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) (*domain.SystemEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(s.messages, id)
	return &domain.SystemEvent{Type: domain.EventStoreDelete, Object: "messages", Before: m}, nil
}

func (s *fakeStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*domain.Message)
	return nil
}

func (s *fakeStore) All(ctx context.Context) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

// fakeStats records every Increment/Decrement call instead of
// maintaining real counters, so tests can assert on the bookkeeping
// calls the State Manager makes around each status transition.
type fakeStats struct {
	mu              sync.Mutex
	increments      []domain.Status
	decrements      []domain.Status
	totalIncrements int
}

func (s *fakeStats) Increment(ctx context.Context, status domain.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append(s.increments, status)
	return nil
}

func (s *fakeStats) Decrement(ctx context.Context, status domain.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrements = append(s.decrements, status)
	return nil
}

func (s *fakeStats) IncrementTotal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalIncrements++
	return nil
}

func (s *fakeStats) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	return domain.NewStatsSnapshot(), nil
}

func (s *fakeStats) InitializeFromMessages(ctx context.Context, messages []*domain.Message) error {
	return nil
}

// fakeQueue records enqueued events instead of actually delaying them,
// so tests can assert what the State Manager scheduled next.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueuedEvent
}

type enqueuedEvent struct {
	event *domain.SystemEvent
	delay time.Duration
}

func (q *fakeQueue) Enqueue(ctx context.Context, event *domain.SystemEvent, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, enqueuedEvent{event: event, delay: delay})
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, handle func(context.Context, *domain.SystemEvent) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) last() (enqueuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) == 0 {
		return enqueuedEvent{}, false
	}
	return q.enqueued[len(q.enqueued)-1], true
}

func newManager(t *testing.T, msgs ...*domain.Message) (*Manager, *fakeStore, *fakeStats, *fakeQueue) {
	t.Helper()
	s := newFakeStore(msgs...)
	stats := &fakeStats{}
	q := &fakeQueue{}
	worker := delivery.New(nil)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(s, stats, q, worker, logger), s, stats, q
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestManager_DispatchCreated_MovesToDeliverWhenDueNow(t *testing.T) {
	now := time.Now().UTC()
	msg := &domain.Message{ID: "msg_1", Status: domain.StatusCreated, PublishAt: now.Add(-time.Minute)}
	m, s, statsSvc, q := newManager(t, msg)

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	got, err := s.FetchOne(context.Background(), "msg_1")
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if got.Status != domain.StatusDeliver {
		t.Errorf("status = %s, want DELIVER", got.Status)
	}

	if len(statsSvc.decrements) != 1 || statsSvc.decrements[0] != domain.StatusCreated {
		t.Errorf("expected one CREATED decrement, got %v", statsSvc.decrements)
	}
	if len(statsSvc.increments) != 1 || statsSvc.increments[0] != domain.StatusDeliver {
		t.Errorf("expected one DELIVER increment, got %v", statsSvc.increments)
	}

	last, ok := q.last()
	if !ok || last.event.Type != domain.EventStoreUpdate || last.delay != 0 {
		t.Errorf("expected a zero-delay STORE_UPDATE_EVENT re-entry, got %+v, ok=%v", last, ok)
	}
}

func TestManager_DispatchCreated_QueuesWhenDueLaterToday(t *testing.T) {
	now := time.Now().UTC()
	msg := &domain.Message{ID: "msg_2", Status: domain.StatusCreated, PublishAt: now.Add(2 * time.Hour)}
	m, _, _, q := newManager(t, msg)

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	last, ok := q.last()
	if !ok || last.event.Type != domain.EventMessageQueued {
		t.Fatalf("expected a MESSAGE_QUEUED follow-up, got %+v, ok=%v", last, ok)
	}
	if last.delay <= 0 {
		t.Errorf("expected a positive delay before QUEUED, got %s", last.delay)
	}
}

func TestManager_DispatchDeliver_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	msg := &domain.Message{ID: "msg_3", Status: domain.StatusDeliver, Payload: domain.Payload{URL: srv.URL}}
	m, s, statsSvc, _ := newManager(t, msg)

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	got, _ := s.FetchOne(context.Background(), "msg_3")
	if got.Status != domain.StatusSent {
		t.Errorf("status = %s, want SENT", got.Status)
	}
	if got.DeliveredAt == nil {
		t.Error("expected DeliveredAt to be set")
	}
	if len(statsSvc.increments) != 1 || statsSvc.increments[0] != domain.StatusSent {
		t.Errorf("expected one SENT increment, got %v", statsSvc.increments)
	}
}

func TestManager_DispatchDeliver_FailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	msg := &domain.Message{ID: "msg_4", Status: domain.StatusDeliver, Payload: domain.Payload{URL: srv.URL}}
	m, s, _, q := newManager(t, msg)

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	got, _ := s.FetchOne(context.Background(), "msg_4")
	if got.Status != domain.StatusRetry {
		t.Errorf("status = %s, want RETRY", got.Status)
	}
	if got.Retried != 1 {
		t.Errorf("retried = %d, want 1", got.Retried)
	}
	if len(got.LastErrors) != 1 {
		t.Fatalf("expected 1 recorded delivery error, got %d", len(got.LastErrors))
	}

	last, ok := q.last()
	if !ok || last.event.Type != domain.EventMessageRetry || last.delay != domain.RetryDelay {
		t.Errorf("expected a MESSAGE_RETRY follow-up after RetryDelay, got %+v, ok=%v", last, ok)
	}
}

func TestManager_DispatchDeliver_DLQAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	msg := &domain.Message{
		ID:         "msg_5",
		Status:     domain.StatusDeliver,
		Retried:    domain.MaxRetries,
		LastErrors: []domain.DeliveryError{{URL: srv.URL, Message: "prior failure"}, {URL: srv.URL, Message: "prior failure"}, {URL: srv.URL, Message: "prior failure"}},
		Payload:    domain.Payload{URL: srv.URL},
	}
	m, s, _, q := newManager(t, msg)

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	got, _ := s.FetchOne(context.Background(), "msg_5")
	if got.Status != domain.StatusDLQ {
		t.Errorf("status = %s, want DLQ", got.Status)
	}
	if got.Retried != domain.MaxRetries {
		t.Errorf("retried = %d, want it to stay capped at %d", got.Retried, domain.MaxRetries)
	}
	if len(got.LastErrors) != domain.MaxRetries+1 {
		t.Errorf("last_errors length = %d, want %d (retried + the final terminal failure)", len(got.LastErrors), domain.MaxRetries+1)
	}

	if len(q.enqueued) != 1 || q.enqueued[0].event.Type != domain.EventStoreUpdate || q.enqueued[0].delay != 0 {
		t.Errorf("DLQ transition should enqueue only its zero-delay STORE_UPDATE_EVENT, no MESSAGE_RETRY follow-up, got %+v", q.enqueued)
	}
}

func TestManager_Submit_EnqueuesReceivedEvent(t *testing.T) {
	now := time.Now().UTC()
	m, _, _, q := newManager(t)

	msg := &domain.Message{ID: "msg_6", Status: domain.StatusCreated, PublishAt: now, CreatedAt: now}
	if err := m.Submit(context.Background(), msg); err != nil {
		t.Fatalf("Submit returned an error: %v", err)
	}

	last, ok := q.last()
	if !ok || last.event.Type != domain.EventMessageReceived || last.delay != 0 {
		t.Errorf("expected an immediately visible MESSAGE_RECEIVED event, got %+v, ok=%v", last, ok)
	}
}

func TestManager_HandleReceived(t *testing.T) {
	now := time.Now().UTC()
	m, s, statsSvc, _ := newManager(t)

	msg := &domain.Message{ID: "msg_6", Status: domain.StatusCreated, PublishAt: now, CreatedAt: now}
	if err := m.handleReceived(context.Background(), msg); err != nil {
		t.Fatalf("handleReceived returned an error: %v", err)
	}

	if _, err := s.FetchOne(context.Background(), "msg_6"); err != nil {
		t.Fatalf("expected message to be persisted: %v", err)
	}
	if statsSvc.totalIncrements != 1 {
		t.Errorf("total increments = %d, want 1", statsSvc.totalIncrements)
	}
	if len(statsSvc.increments) != 1 || statsSvc.increments[0] != domain.StatusCreated {
		t.Errorf("expected one CREATED increment, got %v", statsSvc.increments)
	}
}

func TestManager_WithLogging_WritesAuditEntry(t *testing.T) {
	now := time.Now().UTC()
	msg := &domain.Message{ID: "msg_7", Status: domain.StatusCreated, PublishAt: now.Add(-time.Minute)}
	s := newFakeStore(msg)
	statsSvc := &fakeStats{}
	q := &fakeQueue{}
	logs := &fakeLogStore{}
	worker := delivery.New(nil)
	m := New(s, statsSvc, q, worker, slog.New(slog.NewTextHandler(testWriter{t}, nil)), WithLogging(logs, true))

	if err := m.Advance(context.Background(), msg); err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}

	entries, _ := logs.FetchByMessageID(context.Background(), "msg_7")
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Type != domain.LogUpdate {
		t.Errorf("log kind = %s, want UPDATE", entries[0].Type)
	}
}

type fakeLogStore struct {
	mu      sync.Mutex
	entries []*domain.LogEntry
}

func (l *fakeLogStore) Create(ctx context.Context, entry *domain.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *fakeLogStore) FetchByMessageID(ctx context.Context, messageID string) ([]*domain.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.LogEntry
	for _, e := range l.entries {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLogStore) FetchAll(ctx context.Context, limit int) ([]*domain.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries, nil
}

func (l *fakeLogStore) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	return nil
}

var _ logstore.LogStore = (*fakeLogStore)(nil)
