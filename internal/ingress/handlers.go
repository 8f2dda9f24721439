// Package ingress is the thin HTTP surface in front of the core
// delivery pipeline: request parsing, auth, and JSON responses only —
// grounded on the reference system's api.Handler but reshaped around
// messages/admin routes instead of events/subscriptions.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/logstore"
	"github.com/felipemaragno/doneq/internal/stats"
	"github.com/felipemaragno/doneq/internal/store"
)

// Submitter is the one thing ingress needs from the core: a way to
// hand a freshly parsed message to the State Manager.
type Submitter interface {
	Submit(ctx context.Context, msg *domain.Message) error
}

type Handler struct {
	submitter Submitter
	store     store.MessageStore
	logs      logstore.LogStore
	statsSvc  stats.Service
	clock     Clock
	logger    *slog.Logger
}

// Clock is the narrow time source ingress needs; satisfied by
// clock.Clock without importing the concrete package here.
type Clock interface {
	Now() time.Time
}

func NewHandler(submitter Submitter, ms store.MessageStore, logs logstore.LogStore, statsSvc stats.Service, clk Clock, logger *slog.Logger) *Handler {
	return &Handler{submitter: submitter, store: ms, logs: logs, statsSvc: statsSvc, clock: clk, logger: logger}
}

type createMessageResponse struct {
	ID        string    `json:"id"`
	PublishAt time.Time `json:"publish_at"`
}

// CreateMessage implements POST /messages/<callback-url>. The target
// URL is everything after the route prefix, restored verbatim
// (including its own query string).
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	callbackURL := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		callbackURL += "?" + r.URL.RawQuery
	}
	if callbackURL == "" {
		h.respondError(w, http.StatusBadRequest, "callback url is required")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	now := h.clock.Now().UTC()
	publishAt, err := publishAtFromHeaders(r.Header, now)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := parseHeaders(r.Header)

	msg := &domain.Message{
		ID: domain.NewMessageID(now),
		Payload: domain.Payload{
			Headers: headers,
			URL:     callbackURL,
		},
		PublishAt: publishAt,
		Status:    domain.StatusCreated,
	}
	if len(data) > 0 {
		msg.Payload.Data = json.RawMessage(data)
	}

	if err := h.submitter.Submit(r.Context(), msg); err != nil {
		h.logger.Error("failed to submit message", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	h.respondJSON(w, http.StatusCreated, createMessageResponse{ID: msg.ID, PublishAt: msg.PublishAt})
}

// GetMessage implements GET /messages/<id>.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.FetchOne(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch message", "error", err, "message_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to fetch message")
		return
	}
	h.respondJSON(w, http.StatusOK, msg)
}

// ListByStatus implements GET /messages/by-status/<status>.
func (h *Handler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "status")
	status, ok := domain.ValidStatus(raw)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "unknown status: "+raw)
		return
	}
	messages, err := h.store.FetchByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list messages", "error", err, "status", status)
		h.respondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	h.respondJSON(w, http.StatusOK, messages)
}

// Stats implements GET /admin/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.statsSvc.Get(r.Context())
	if err != nil {
		h.logger.Error("failed to compute stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	h.respondJSON(w, http.StatusOK, snapshot)
}

// Raw implements GET /admin/raw[/<match>]: a dump of stored messages,
// optionally filtered to ids containing match.
func (h *Handler) Raw(w http.ResponseWriter, r *http.Request) {
	match := chi.URLParam(r, "match")
	messages, err := h.store.All(r.Context())
	if err != nil {
		h.logger.Error("failed to dump raw store", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to dump store")
		return
	}
	if match == "" {
		h.respondJSON(w, http.StatusOK, messages)
		return
	}
	filtered := make([]*domain.Message, 0, len(messages))
	for _, m := range messages {
		if strings.Contains(m.ID, match) {
			filtered = append(filtered, m)
		}
	}
	h.respondJSON(w, http.StatusOK, filtered)
}

// Logs implements GET /admin/logs: the last 100 entries, newest first.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.logs.FetchAll(r.Context(), 100)
	if err != nil {
		h.logger.Error("failed to fetch logs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to fetch logs")
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// LogForMessage implements GET /admin/log/<message_id>.
func (h *Handler) LogForMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "message_id")
	entries, err := h.logs.FetchByMessageID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to fetch message log", "error", err, "message_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to fetch message log")
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// Reset implements DELETE /admin/reset[/<match>]. migrations is
// refused; messages, logs, or an empty match (everything but
// migrations) are accepted.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	match := chi.URLParam(r, "match")
	if match == "migrations" {
		h.respondError(w, http.StatusBadRequest, "migrations table cannot be reset")
		return
	}

	if match == "" || match == "messages" {
		if err := h.store.Reset(r.Context()); err != nil {
			h.logger.Error("failed to reset messages", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to reset messages")
			return
		}
	}
	if match == "" || match == "logs" {
		if err := h.logs.Reset(r.Context()); err != nil {
			h.logger.Error("failed to reset logs", "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to reset logs")
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ping implements GET /system/ping, the one unauthenticated route.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Health implements GET /system/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: h.clock.Now().UTC()})
}

type errorResponse struct {
	Message string `json:"message"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Message: message})
}

// publishAtFromHeaders applies Done-Not-Before / Done-Delay per the
// ingress header contract: an absolute instant wins over a relative
// one; absent both, publish_at = now.
func publishAtFromHeaders(header http.Header, now time.Time) (time.Time, error) {
	if raw := header.Get("Done-Not-Before"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, errors.New("invalid Done-Not-Before: must be unix seconds")
		}
		return time.Unix(seconds, 0).UTC(), nil
	}
	if raw := header.Get("Done-Delay"); raw != "" {
		d, err := parseDelay(raw)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	return now, nil
}

// parseDelay parses "<N><s|m|h|d>".
func parseDelay(raw string) (time.Duration, error) {
	if len(raw) < 2 {
		return 0, errors.New("invalid Done-Delay: expected <N><s|m|h|d>")
	}
	unit := raw[len(raw)-1]
	n, err := strconv.ParseInt(raw[:len(raw)-1], 10, 64)
	if err != nil {
		return 0, errors.New("invalid Done-Delay: expected <N><s|m|h|d>")
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errors.New("invalid Done-Delay unit: expected one of s, m, h, d")
	}
}

const forwardPrefix = "Done-Forward-"

// parseHeaders splits incoming Done-* headers into forward entries
// (relayed on the outbound callback, prefix stripped) and command
// entries (control the system's own behavior, e.g. failure-callback).
func parseHeaders(header http.Header) domain.Headers {
	h := domain.Headers{Forward: map[string]string{}, Command: map[string]string{}}
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, "Done-") {
			continue
		}
		if strings.HasPrefix(canonical, forwardPrefix) {
			h.Forward[strings.TrimPrefix(canonical, forwardPrefix)] = values[0]
			continue
		}
		if canonical == "Done-Not-Before" || canonical == "Done-Delay" {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(canonical, "Done-"))
		h.Command[key] = values[0]
	}
	return h
}
