// Package activator implements the Daily Activator (C7): a
// cron-scheduled sweep that nudges messages still sitting in CREATED
// whose publish date has arrived, the way the reference system's
// worker pool runs its periodic retry poller on a ticker, but driven
// by a cron schedule instead of a fixed interval since the sweep only
// needs to run once a day.
package activator

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipemaragno/doneq/internal/clock"
	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/store"
)

// Activator scans for CREATED messages due today and advances them.
type Activator struct {
	store    store.MessageStore
	advance  func(ctx context.Context, msg *domain.Message) error
	clock    clock.Clock
	logger   *slog.Logger
	schedule string

	cron *cron.Cron
}

// AdvanceFunc is called once per message found due; callers wire this
// to the State Manager so the message re-enters the same dispatch
// path a STORE_CREATE_EVENT replay would use.
type AdvanceFunc func(ctx context.Context, msg *domain.Message) error

func New(ms store.MessageStore, advance AdvanceFunc, schedule string, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		store:    ms,
		advance:  advance,
		clock:    clock.RealClock{},
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweep on the configured cron schedule and
// begins running it in the background. Call Stop to shut down.
func (a *Activator) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(a.schedule, func() {
		if err := a.Sweep(ctx); err != nil {
			a.logger.Error("daily activator sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	a.cron = c
	c.Start()
	return nil
}

func (a *Activator) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// Sweep scans messages in CREATED whose publish date is today and
// hands each to advance, which re-evaluates the CREATED branch of the
// state machine (it may move to DELIVER, to QUEUED with an
// intra-day delay, or stay CREATED if the clock and stored date
// disagree on "today").
func (a *Activator) Sweep(ctx context.Context) error {
	now := a.clock.Now()
	messages, err := a.store.FetchByStatus(ctx, domain.StatusCreated)
	if err != nil {
		return err
	}

	var dueCount int
	for _, msg := range messages {
		if !msg.DueToday(now) {
			continue
		}
		dueCount++
		if err := a.advance(ctx, msg); err != nil {
			a.logger.Error("activator failed to advance message", "message_id", msg.ID, "error", err)
		}
	}
	a.logger.Info("daily activator sweep complete", "scanned", len(messages), "due", dueCount)
	return nil
}
