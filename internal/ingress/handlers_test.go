package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/store"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	received []*domain.Message
	err      error
}

func (s *fakeSubmitter) Submit(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, msg)
	return nil
}

func (s *fakeSubmitter) last() *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

type fakeStore struct {
	messages   map[string]*domain.Message
	byStatus   []*domain.Message
	resetCalls int
}

func (s *fakeStore) Create(ctx context.Context, msg *domain.Message, opts *store.CreateOptions) (*domain.Message, *domain.SystemEvent, error) {
	return msg, nil, nil
}

func (s *fakeStore) FetchOne(ctx context.Context, id string) (*domain.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) FetchByStatus(ctx context.Context, status domain.Status) ([]*domain.Message, error) {
	return s.byStatus, nil
}

func (s *fakeStore) FetchByDate(ctx context.Context, date time.Time) ([]*domain.Message, error) {
	return nil, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Message, *domain.SystemEvent, error) {
	return nil, nil, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) (*domain.SystemEvent, error) {
	return nil, nil
}

func (s *fakeStore) Reset(ctx context.Context) error {
	s.resetCalls++
	return nil
}

func (s *fakeStore) All(ctx context.Context) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeLogs struct {
	byMessage  map[string][]*domain.LogEntry
	all        []*domain.LogEntry
	resetCalls int
}

func (l *fakeLogs) Create(ctx context.Context, entry *domain.LogEntry) error { return nil }

func (l *fakeLogs) FetchByMessageID(ctx context.Context, messageID string) ([]*domain.LogEntry, error) {
	return l.byMessage[messageID], nil
}

func (l *fakeLogs) FetchAll(ctx context.Context, limit int) ([]*domain.LogEntry, error) {
	return l.all, nil
}

func (l *fakeLogs) Reset(ctx context.Context) error {
	l.resetCalls++
	return nil
}

type fakeStats struct{}

func (fakeStats) Increment(ctx context.Context, status domain.Status, at time.Time) error { return nil }
func (fakeStats) Decrement(ctx context.Context, status domain.Status, at time.Time) error { return nil }
func (fakeStats) IncrementTotal(ctx context.Context) error                                { return nil }
func (fakeStats) Get(ctx context.Context) (domain.StatsSnapshot, error) {
	return domain.NewStatsSnapshot(), nil
}
func (fakeStats) InitializeFromMessages(ctx context.Context, messages []*domain.Message) error {
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestHandler() (*Handler, *fakeSubmitter, *fakeStore, *fakeLogs) {
	sub := &fakeSubmitter{}
	st := &fakeStore{messages: map[string]*domain.Message{}}
	logs := &fakeLogs{byMessage: map[string][]*domain.LogEntry{}}
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	h := NewHandler(sub, st, logs, fakeStats{}, fixedClock{now}, nil)
	return h, sub, st, logs
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateMessage_RequiresCallbackURL(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/", nil)
	req = withChiParam(req, "*", "")
	rec := httptest.NewRecorder()

	h.CreateMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateMessage_DefaultsPublishAtToNow(t *testing.T) {
	h, sub, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/https://example.com/hook", strings.NewReader(`{"a":1}`))
	req = withChiParam(req, "*", "https://example.com/hook")
	rec := httptest.NewRecorder()

	h.CreateMessage(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	msg := sub.last()
	if msg == nil {
		t.Fatal("expected a message to have been submitted")
	}
	if msg.Payload.URL != "https://example.com/hook" {
		t.Errorf("url = %q, want https://example.com/hook", msg.Payload.URL)
	}
	if !msg.PublishAt.Equal(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("publish_at = %s, want now", msg.PublishAt)
	}
}

func TestCreateMessage_DoneDelayHeader(t *testing.T) {
	h, sub, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/https://example.com/hook", nil)
	req = withChiParam(req, "*", "https://example.com/hook")
	req.Header.Set("Done-Delay", "2h")
	rec := httptest.NewRecorder()

	h.CreateMessage(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	want := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	if !sub.last().PublishAt.Equal(want) {
		t.Errorf("publish_at = %s, want %s", sub.last().PublishAt, want)
	}
}

func TestCreateMessage_InvalidDoneDelay(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/https://example.com/hook", nil)
	req = withChiParam(req, "*", "https://example.com/hook")
	req.Header.Set("Done-Delay", "nonsense")
	rec := httptest.NewRecorder()

	h.CreateMessage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateMessage_ForwardAndCommandHeadersSplit(t *testing.T) {
	h, sub, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/https://example.com/hook", nil)
	req = withChiParam(req, "*", "https://example.com/hook")
	req.Header.Set("Done-Forward-X-Api-Key", "secret")
	req.Header.Set("Done-Failure-Callback", "https://example.com/fail")
	rec := httptest.NewRecorder()

	h.CreateMessage(rec, req)

	msg := sub.last()
	if msg.Payload.Headers.Forward["X-Api-Key"] != "secret" {
		t.Errorf("forward header missing, got %v", msg.Payload.Headers.Forward)
	}
	if msg.Payload.Headers.Command["failure-callback"] != "https://example.com/fail" {
		t.Errorf("command header missing, got %v", msg.Payload.Headers.Command)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/messages/msg_missing", nil)
	req = withChiParam(req, "id", "msg_missing")
	rec := httptest.NewRecorder()

	h.GetMessage(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMessage_Found(t *testing.T) {
	h, _, st, _ := newTestHandler()
	st.messages["msg_1"] = &domain.Message{ID: "msg_1", Status: domain.StatusSent}
	req := httptest.NewRequest(http.MethodGet, "/v1/messages/msg_1", nil)
	req = withChiParam(req, "id", "msg_1")
	rec := httptest.NewRecorder()

	h.GetMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.ID != "msg_1" {
		t.Errorf("id = %q, want msg_1", got.ID)
	}
}

func TestListByStatus_RejectsUnknownStatus(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/messages/by-status/bogus", nil)
	req = withChiParam(req, "status", "bogus")
	rec := httptest.NewRecorder()

	h.ListByStatus(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListByStatus_Accepted(t *testing.T) {
	h, _, st, _ := newTestHandler()
	st.byStatus = []*domain.Message{{ID: "msg_1", Status: domain.StatusDLQ}}
	req := httptest.NewRequest(http.MethodGet, "/v1/messages/by-status/dlq", nil)
	req = withChiParam(req, "status", "dlq")
	rec := httptest.NewRecorder()

	h.ListByStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRaw_FiltersByMatch(t *testing.T) {
	h, _, st, _ := newTestHandler()
	st.messages["msg_abc"] = &domain.Message{ID: "msg_abc"}
	st.messages["msg_xyz"] = &domain.Message{ID: "msg_xyz"}
	req := httptest.NewRequest(http.MethodGet, "/admin/raw/abc", nil)
	req = withChiParam(req, "match", "abc")
	rec := httptest.NewRecorder()

	h.Raw(rec, req)

	var got []*domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "msg_abc" {
		t.Errorf("got %v, want only msg_abc", got)
	}
}

func TestLogForMessage(t *testing.T) {
	h, _, _, logs := newTestHandler()
	logs.byMessage["msg_1"] = []*domain.LogEntry{{ID: "log_1", MessageID: "msg_1"}}
	req := httptest.NewRequest(http.MethodGet, "/admin/log/msg_1", nil)
	req = withChiParam(req, "message_id", "msg_1")
	rec := httptest.NewRecorder()

	h.LogForMessage(rec, req)

	var got []*domain.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "log_1" {
		t.Errorf("got %v, want [log_1]", got)
	}
}

func TestReset_RefusesMigrations(t *testing.T) {
	h, _, st, logs := newTestHandler()
	req := httptest.NewRequest(http.MethodDelete, "/admin/reset/migrations", nil)
	req = withChiParam(req, "match", "migrations")
	rec := httptest.NewRecorder()

	h.Reset(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if st.resetCalls != 0 || logs.resetCalls != 0 {
		t.Error("neither store nor logs should have been reset")
	}
}

func TestReset_EmptyMatchResetsBoth(t *testing.T) {
	h, _, st, logs := newTestHandler()
	req := httptest.NewRequest(http.MethodDelete, "/admin/reset", nil)
	req = withChiParam(req, "match", "")
	rec := httptest.NewRecorder()

	h.Reset(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if st.resetCalls != 1 || logs.resetCalls != 1 {
		t.Errorf("expected both resets to run once, got store=%d logs=%d", st.resetCalls, logs.resetCalls)
	}
}

func TestPing(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/system/ping", nil)
	rec := httptest.NewRecorder()

	h.Ping(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("got (%d, %q), want (200, \"pong\")", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/system/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", got["status"])
	}
}
