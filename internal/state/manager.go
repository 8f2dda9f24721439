// Package state implements the State Manager (C5): the sole
// consumer of the durable queue, advancing messages through the state
// machine and enqueueing follow-up events.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipemaragno/doneq/internal/clock"
	"github.com/felipemaragno/doneq/internal/delivery"
	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/logstore"
	"github.com/felipemaragno/doneq/internal/queue"
	"github.com/felipemaragno/doneq/internal/stats"
	"github.com/felipemaragno/doneq/internal/store"
)

// Manager is the State Manager.
type Manager struct {
	store      store.MessageStore
	logs       logstore.LogStore
	logsOn     bool
	statsSvc   stats.Service
	durable    queue.Queue
	worker     *delivery.Worker
	clock      clock.Clock
	logger     *slog.Logger
}

type Option func(*Manager)

func WithLogging(logs logstore.LogStore, enabled bool) Option {
	return func(m *Manager) { m.logs = logs; m.logsOn = enabled }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func New(ms store.MessageStore, statsSvc stats.Service, durable queue.Queue, worker *delivery.Worker, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    ms,
		statsSvc: statsSvc,
		durable:  durable,
		worker:   worker,
		clock:    clock.RealClock{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run blocks consuming the durable queue until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	return m.durable.Consume(ctx, m.Handle)
}

// Submit is the ingress entrypoint: wraps a not-yet-created message
// in a MESSAGE_RECEIVED event and enqueues it, immediately visible.
func (m *Manager) Submit(ctx context.Context, msg *domain.Message) error {
	event := &domain.SystemEvent{
		ID:        domain.NewSystemEventID(m.clock.Now()),
		Type:      domain.EventMessageReceived,
		Object:    "messages",
		After:     msg,
		CreatedAt: m.clock.Now(),
	}
	return m.durable.Enqueue(ctx, event, 0)
}

// Handle dispatches one system event, per the derivation and
// ordering rules.
func (m *Manager) Handle(ctx context.Context, event *domain.SystemEvent) error {
	switch event.Type {
	case domain.EventMessageReceived:
		return m.handleReceived(ctx, event.After)
	case domain.EventMessageQueued, domain.EventMessageRetry:
		return m.handleDelayedFire(ctx, event.Subject().ID)
	case domain.EventStoreDelete:
		return nil // message is gone; nothing left to dispatch on
	default:
		return m.dispatchByStatus(ctx, event.Subject())
	}
}

func (m *Manager) handleReceived(ctx context.Context, msg *domain.Message) error {
	created, storeEvent, err := m.store.Create(ctx, msg, nil)
	if err != nil {
		return err
	}
	if err := m.afterWrite(ctx, storeEvent); err != nil {
		return err
	}
	if err := m.statsSvc.Increment(ctx, created.Status, created.CreatedAt); err != nil {
		m.logger.Error("stats increment failed", "message_id", created.ID, "error", err)
	}
	if created.Status == domain.StatusCreated {
		if err := m.statsSvc.IncrementTotal(ctx); err != nil {
			m.logger.Error("stats total increment failed", "message_id", created.ID, "error", err)
		}
	}
	// storeEvent re-enters the machine at zero delay; no separate
	// enqueue needed here beyond what afterWrite already did.
	return nil
}

func (m *Manager) handleDelayedFire(ctx context.Context, messageID string) error {
	prior, err := m.store.FetchOne(ctx, messageID)
	if err != nil {
		return err
	}
	deliver := domain.StatusDeliver
	_, storeEvent, err := m.store.Update(ctx, messageID, domain.Patch{Status: &deliver})
	if err != nil {
		return err
	}
	if err := m.afterWrite(ctx, storeEvent); err != nil {
		return err
	}
	return m.moveStats(ctx, prior.Status, deliver, m.clock.Now())
}

// moveStats decrements the old status bucket and increments the new
// one, the Stats Service's half of every status-changing write (the
// Message Store itself no longer touches Stats, see afterWrite).
func (m *Manager) moveStats(ctx context.Context, from, to domain.Status, at time.Time) error {
	if from == to {
		return nil
	}
	if err := m.statsSvc.Decrement(ctx, from, at); err != nil {
		m.logger.Error("stats decrement failed", "status", from, "error", err)
	}
	return m.statsSvc.Increment(ctx, to, at)
}

// Advance re-evaluates msg against its current status branch of the
// state machine. The Daily Activator calls this directly for CREATED
// messages it finds due, the same path a STORE_CREATE_EVENT replay
// would take.
func (m *Manager) Advance(ctx context.Context, msg *domain.Message) error {
	return m.dispatchByStatus(ctx, msg)
}

func (m *Manager) dispatchByStatus(ctx context.Context, msg *domain.Message) error {
	if msg == nil {
		return nil
	}
	switch msg.Status {
	case domain.StatusCreated:
		return m.dispatchCreated(ctx, msg)
	case domain.StatusDeliver:
		return m.dispatchDeliver(ctx, msg)
	case domain.StatusDLQ:
		return m.dispatchDLQ(ctx, msg)
	default:
		// QUEUED, RETRY, SENT, ARCHIVED: no action on a plain visit;
		// QUEUED/RETRY only advance via their dedicated delayed event.
		return nil
	}
}

func (m *Manager) dispatchCreated(ctx context.Context, msg *domain.Message) error {
	now := m.clock.Now()
	transition := domain.EvaluateCreated(msg, now)
	if transition.Status == domain.StatusCreated {
		return nil // remains CREATED; picked up by a later Daily Activator sweep
	}
	status := transition.Status
	_, storeEvent, err := m.store.Update(ctx, msg.ID, domain.Patch{Status: &status})
	if err != nil {
		return err
	}
	if err := m.afterWrite(ctx, storeEvent); err != nil {
		return err
	}
	if err := m.moveStats(ctx, msg.Status, status, now); err != nil {
		m.logger.Error("stats update failed", "message_id", msg.ID, "error", err)
	}
	if transition.DelayEvent != domain.EventNone {
		delayed := &domain.SystemEvent{
			ID:        domain.NewSystemEventID(now),
			Type:      transition.DelayEvent,
			Object:    "messages",
			After:     storeEvent.After,
			CreatedAt: now,
		}
		if err := m.durable.Enqueue(ctx, delayed, transition.Delay); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) dispatchDeliver(ctx context.Context, msg *domain.Message) error {
	derr, err := m.worker.Deliver(ctx, msg)
	if err != nil {
		// Rate-limited or circuit open: not a delivery failure, just
		// deferred. Re-enqueue a near-future DELIVER visit.
		m.logger.Warn("delivery deferred", "message_id", msg.ID, "error", err)
		return m.durable.Enqueue(ctx, &domain.SystemEvent{
			ID:        domain.NewSystemEventID(m.clock.Now()),
			Type:      domain.EventMessageRetry,
			Object:    "messages",
			After:     msg,
			CreatedAt: m.clock.Now(),
		}, time.Second)
	}

	now := m.clock.Now()
	if derr == nil {
		status := domain.StatusSent
		_, storeEvent, uerr := m.store.Update(ctx, msg.ID, domain.Patch{
			Status:      &status,
			DeliveredAt: &now,
		})
		if uerr != nil {
			return uerr
		}
		if err := m.afterWrite(ctx, storeEvent); err != nil {
			return err
		}
		return m.moveStats(ctx, msg.Status, status, now)
	}

	lastErrors := append(append([]domain.DeliveryError(nil), msg.LastErrors...), *derr)
	transition := domain.EvaluateRetryFailure(msg, now)
	status := transition.Status
	retried := msg.Retried
	if status == domain.StatusRetry {
		retried++
	}
	var retryAt *time.Time
	if status == domain.StatusRetry {
		t := now.Add(domain.RetryDelay)
		retryAt = &t
	}
	_, storeEvent, uerr := m.store.Update(ctx, msg.ID, domain.Patch{
		Status:     &status,
		Retried:    &retried,
		RetryAt:    retryAt,
		LastErrors: lastErrors,
	})
	if uerr != nil {
		return uerr
	}
	if err := m.afterWrite(ctx, storeEvent); err != nil {
		return err
	}
	if err := m.moveStats(ctx, msg.Status, status, now); err != nil {
		m.logger.Error("stats update failed", "message_id", msg.ID, "error", err)
	}

	if transition.DelayEvent == domain.EventMessageRetry {
		return m.durable.Enqueue(ctx, &domain.SystemEvent{
			ID:        domain.NewSystemEventID(now),
			Type:      domain.EventMessageRetry,
			Object:    "messages",
			After:     storeEvent.After,
			CreatedAt: now,
		}, transition.Delay)
	}
	return nil
}

func (m *Manager) dispatchDLQ(ctx context.Context, msg *domain.Message) error {
	callbackURL, ok := msg.FailureCallbackURL()
	if !ok {
		return nil
	}
	if err := m.worker.DeliverFailureCallback(ctx, msg, callbackURL); err != nil {
		m.logger.Warn("failure-callback delivery failed", "message_id", msg.ID, "url", callbackURL, "error", err)
	}
	return nil
}

// afterWrite enqueues the store event the write just produced
// (STORE_CREATE_EVENT/STORE_UPDATE_EVENT re-entry) and, when logging
// is enabled, writes the corresponding audit log entry.
func (m *Manager) afterWrite(ctx context.Context, event *domain.SystemEvent) error {
	if m.logsOn && m.logs != nil {
		entry := &domain.LogEntry{
			ID:         domain.NewLogID(m.clock.Now()),
			Type:       logKindFor(event.Type),
			Object:     event.Object,
			MessageID:  event.Subject().ID,
			BeforeData: event.Before,
			AfterData:  event.After,
			CreatedAt:  event.CreatedAt,
		}
		if err := m.logs.Create(ctx, entry); err != nil {
			m.logger.Error("audit log write failed", "message_id", entry.MessageID, "error", err)
		}
	}
	return m.durable.Enqueue(ctx, event, 0)
}

func logKindFor(t domain.EventKind) domain.LogKind {
	switch t {
	case domain.EventStoreCreate:
		return domain.LogCreate
	case domain.EventStoreDelete:
		return domain.LogDelete
	default:
		return domain.LogUpdate
	}
}
