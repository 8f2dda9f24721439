// Package domain contains the core business entities and logic: the
// message state machine, the append-only log entry shape, and the
// stats projection, independent of any storage backend.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is a message's position in the delivery state machine.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusQueued   Status = "QUEUED"
	StatusDeliver  Status = "DELIVER"
	StatusSent     Status = "SENT"
	StatusRetry    Status = "RETRY"
	StatusDLQ      Status = "DLQ"
	StatusArchived Status = "ARCHIVED"
)

// ValidStatus reports whether s is one of the seven recognized
// statuses, case-insensitively.
func ValidStatus(s string) (Status, bool) {
	upper := strings.ToUpper(s)
	switch Status(upper) {
	case StatusCreated, StatusQueued, StatusDeliver, StatusSent, StatusRetry, StatusDLQ, StatusArchived:
		return Status(upper), true
	default:
		return "", false
	}
}

const (
	MaxRetries      = 3
	RetryDelay      = 1 * time.Minute
	DeliveryTimeout = 8 * time.Second
	DNSTimeout      = 4 * time.Second
)

// Headers is the payload's nested header record: client-forwarded
// headers and system command headers, kept apart so the delivery
// worker never has to re-derive which is which.
type Headers struct {
	Forward map[string]string `json:"forward,omitempty"`
	Command map[string]string `json:"command,omitempty"`
}

// Payload is the message body a client submitted.
type Payload struct {
	Headers Headers         `json:"headers"`
	URL     string          `json:"url"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DeliveryError is one failed-attempt record. Status is absent for
// transport failures (timeout, DNS, connection refused); present for
// any HTTP response other than 200/201.
type DeliveryError struct {
	URL       string    `json:"url"`
	Status    *int      `json:"status,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the primary entity: a scheduled unit of delivery work.
type Message struct {
	ID          string          `json:"id"`
	Payload     Payload         `json:"payload"`
	PublishAt   time.Time       `json:"publish_at"`
	Status      Status          `json:"status"`
	Retried     int             `json:"retried"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	LastErrors  []DeliveryError `json:"last_errors"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Patch is a partial update to a Message: nil fields are left
// untouched by the store's update path (see store.MessageStore.Update).
type Patch struct {
	Status      *Status
	Retried     *int
	RetryAt     *time.Time
	DeliveredAt *time.Time
	LastErrors  []DeliveryError
}

// CanRetry reports whether another retry is permitted under
// MaxRetries.
func (m *Message) CanRetry() bool {
	return m.Retried < MaxRetries
}

// DueToday reports whether m.PublishAt falls on the same UTC calendar
// day as now, used by both the CREATED->QUEUED transition and the
// Daily Activator sweep.
func (m *Message) DueToday(now time.Time) bool {
	py, pm, pd := m.PublishAt.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return py == ny && pm == nm && pd == nd
}

// FailureCallbackURL extracts the failure-callback command header, if
// the client supplied one.
func (m *Message) FailureCallbackURL() (string, bool) {
	url, ok := m.Payload.Headers.Command["failure-callback"]
	return url, ok && url != ""
}
