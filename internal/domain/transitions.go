package domain

import "time"

// Transition is the result of evaluating a message against the state
// machine: the new status to write, and whatever delayed follow-up
// event the caller should enqueue (EventNone if none).
type Transition struct {
	Status     Status
	DelayEvent EventKind
	Delay      time.Duration
}

// EventKind enumerates the system event types carried on the durable
// queue.
type EventKind string

const (
	EventNone             EventKind = ""
	EventMessageReceived  EventKind = "MESSAGE_RECEIVED"
	EventMessageQueued    EventKind = "MESSAGE_QUEUED"
	EventMessageRetry     EventKind = "MESSAGE_RETRY"
	EventStoreCreate      EventKind = "STORE_CREATE_EVENT"
	EventStoreUpdate      EventKind = "STORE_UPDATE_EVENT"
	EventStoreDelete      EventKind = "STORE_DELETE_EVENT"
)

// EvaluateCreated implements the CREATED branch of the state machine:
// a message is visited (via a STORE_CREATE_EVENT replay or the Daily
// Activator) and must move to DELIVER if due now, QUEUED if due later
// today, or stay CREATED otherwise.
func EvaluateCreated(m *Message, now time.Time) Transition {
	if !m.PublishAt.After(now) {
		return Transition{Status: StatusDeliver}
	}
	if m.DueToday(now) {
		return Transition{
			Status:     StatusQueued,
			DelayEvent: EventMessageQueued,
			Delay:      nonNegative(m.PublishAt.Sub(now)),
		}
	}
	return Transition{Status: StatusCreated}
}

// EvaluateRetryFailure implements DELIVER -> RETRY | DLQ on a failed
// delivery attempt.
func EvaluateRetryFailure(m *Message, now time.Time) Transition {
	if !m.CanRetry() {
		return Transition{Status: StatusDLQ}
	}
	return Transition{
		Status:     StatusRetry,
		DelayEvent: EventMessageRetry,
		Delay:      RetryDelay,
	}
}

// SystemEvent is the transient record the durable queue carries.
// Which of Before/After is set varies by Type: STORE_DELETE_EVENT
// carries Before; STORE_CREATE_EVENT carries After;
// STORE_UPDATE_EVENT carries both; MESSAGE_RECEIVED/MESSAGE_QUEUED/
// MESSAGE_RETRY carry the message itself in After.
type SystemEvent struct {
	ID        string    `json:"id"`
	Type      EventKind `json:"type"`
	Object    string    `json:"object"`
	Before    *Message  `json:"before,omitempty"`
	After     *Message  `json:"after,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Subject returns the message the State Manager should dispatch on:
// Before for a delete, After for a create/update.
func (e *SystemEvent) Subject() *Message {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
