// Package delivery implements the Delivery Worker (C6):
// given a message in DELIVER, perform the outbound HTTP POST and
// classify the outcome, adapted from the reference system's
// worker.Pool delivery path (header construction, timeout handling,
// resilience wrapping) but against a single target URL per message
// instead of a fan-out subscription list.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/felipemaragno/doneq/internal/domain"
	"github.com/felipemaragno/doneq/internal/resilience"
)

const userAgent = "Done Light"

// errDeliveryFailed is reported to the circuit breaker for a failed
// delivery so it counts toward tripping; Deliver never returns it.
var errDeliveryFailed = errors.New("delivery failed")

// HTTPClient is the subset of *http.Client the worker needs, so tests
// can substitute a stub.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker performs the HTTP POST for a message in DELIVER. Rate
// limiting and circuit breaking are keyed per-destination, by
// outbound host, so a single failing or noisy destination cannot
// affect deliveries to any other.
type Worker struct {
	client  HTTPClient
	limiter *resilience.RateLimiterManager
	breaker *resilience.CircuitBreakerManager
}

// Option configures a Worker.
type Option func(*Worker)

func WithRateLimiter(m *resilience.RateLimiterManager) Option {
	return func(w *Worker) { w.limiter = m }
}

func WithCircuitBreaker(m *resilience.CircuitBreakerManager) Option {
	return func(w *Worker) { w.breaker = m }
}

func New(client HTTPClient, opts ...Option) *Worker {
	if client == nil {
		client = &http.Client{Timeout: domain.DeliveryTimeout}
	}
	w := &Worker{client: client}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Deliver builds and sends the outbound POST for msg and classifies
// the result. It never returns an error for a failed delivery — a
// failed delivery is reported via the returned *domain.DeliveryError,
// matching the state machine's treatment of delivery failures as data,
// not exceptions. A non-nil error return means delivery could not
// even be attempted (rate-limited or circuit open).
func (w *Worker) Deliver(ctx context.Context, msg *domain.Message) (*domain.DeliveryError, error) {
	host := destinationHost(msg.Payload.URL)

	if w.limiter != nil && !w.limiter.Allow(host) {
		return nil, fmt.Errorf("rate limited")
	}

	now := time.Now().UTC()
	send := func() (*domain.DeliveryError, error) {
		return w.send(ctx, msg, now)
	}

	if w.breaker != nil {
		result, err := w.breaker.Execute(host, func() (interface{}, error) {
			derr, sendErr := send()
			if sendErr != nil {
				return nil, sendErr
			}
			if derr != nil {
				return derr, errDeliveryFailed
			}
			return nil, nil
		})
		if err == errDeliveryFailed {
			return result.(*domain.DeliveryError), nil
		}
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, fmt.Errorf("circuit open: %w", err)
			}
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		return result.(*domain.DeliveryError), nil
	}

	return send()
}

// destinationHost extracts the host used to key per-destination rate
// limiters and circuit breakers. Falls back to the raw URL when it
// cannot be parsed, which still isolates it from every other
// destination.
func destinationHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func (w *Worker) send(ctx context.Context, msg *domain.Message, now time.Time) (*domain.DeliveryError, error) {
	ctx, cancel := context.WithTimeout(ctx, domain.DeliveryTimeout)
	defer cancel()

	var body io.Reader
	if len(msg.Payload.Data) > 0 {
		body = bytes.NewReader(msg.Payload.Data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Payload.URL, body)
	if err != nil {
		return &domain.DeliveryError{
			URL:       msg.Payload.URL,
			Message:   err.Error(),
			CreatedAt: now,
		}, nil
	}

	for name, value := range msg.Payload.Headers.Forward {
		req.Header.Set(name, value)
	}
	req.Header.Set("Done-Message-Id", msg.ID)
	req.Header.Set("Done-Status", string(domain.StatusDeliver))
	req.Header.Set("Done-Retried", strconv.Itoa(msg.Retried))
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return &domain.DeliveryError{
			URL:       msg.Payload.URL,
			Message:   err.Error(),
			CreatedAt: now,
		}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil, nil
	}

	status := resp.StatusCode
	return &domain.DeliveryError{
		URL:       msg.Payload.URL,
		Status:    &status,
		Message:   "invalid response status",
		CreatedAt: now,
	}, nil
}

// DeliverFailureCallback performs the single, best-effort POST to a
// DLQ message's failure-callback URL. Errors are for the caller to
// log only; they never change message state.
func (w *Worker) DeliverFailureCallback(ctx context.Context, msg *domain.Message, callbackURL string) error {
	ctx, cancel := context.WithTimeout(ctx, domain.DeliveryTimeout)
	defer cancel()

	var body io.Reader
	if len(msg.Payload.Data) > 0 {
		body = bytes.NewReader(msg.Payload.Data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, body)
	if err != nil {
		return err
	}
	for name, value := range msg.Payload.Headers.Forward {
		req.Header.Set(name, value)
	}
	req.Header.Set("Done-Message-Id", msg.ID)
	req.Header.Set("Done-Status", string(domain.StatusDLQ))
	req.Header.Set("Done-Retried", strconv.Itoa(msg.Retried))
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
