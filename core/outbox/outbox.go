// Package outbox implements the tick scheduler: at-least-once webhook
// delivery with exponential backoff and dead-lettering, plus the x402
// insolvency/reversal sweeps that drain their own outbox message types.
// Delivery and backoff are shaped after
// services/escrow-gateway/webhook.go's WebhookWorker.handleDelivery/
// retryLater/backoffDuration, generalized from a dequeue-loop worker to a
// tick-driven scan over store.Store's durable outbox rows.
package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"settld/core/canon"
	"settld/core/store"
)

// ErrSchedulerPaused is returned by every tick method while the scheduler
// is paused via Pause.
var ErrSchedulerPaused = errors.New("outbox: scheduler paused")

// Endpoint is the delivery target + signing secret for one tenant/message
// type. EndpointResolver looks one up per tick iteration so endpoint
// rotation takes effect without restarting the scheduler.
type Endpoint struct {
	URL    string
	Secret string
}

// EndpointResolver resolves the delivery endpoint for a tenant's outbox
// messages of msgType.
type EndpointResolver func(ctx context.Context, tenantID, msgType string) (Endpoint, error)

// Deliverer performs the actual HTTP delivery, injected so tests can stub
// it without a real network call.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) (*DeliveryResponse, error)
}

// DeliveryRequest is one outbound webhook attempt.
type DeliveryRequest struct {
	URL       string
	Body      []byte
	Timestamp string
	Signature string
}

// DeliveryResponse carries the classification the scheduler needs: status
// code, or a transport-level failure.
type DeliveryResponse struct {
	StatusCode int
	Err        error
}

// HTTPDeliverer is the production Deliverer, a thin wrapper over
// http.Client mirroring WebhookWorker's use of a shared client with a
// fixed timeout.
type HTTPDeliverer struct {
	Client *http.Client
}

// NewHTTPDeliverer constructs a deliverer with a 10s timeout, matching the
// teacher's WebhookWorker client.
func NewHTTPDeliverer() *HTTPDeliverer {
	return &HTTPDeliverer{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, req DeliveryRequest) (*DeliveryResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Proxy-Timestamp", req.Timestamp)
	httpReq.Header.Set("X-Proxy-Signature", req.Signature)

	resp, err := d.Client.Do(httpReq)
	if err != nil {
		return &DeliveryResponse{Err: err}, nil
	}
	defer resp.Body.Close()
	return &DeliveryResponse{StatusCode: resp.StatusCode}, nil
}

// Metrics is the narrow observability surface the scheduler needs.
type Metrics interface {
	RecordDelivery(msgType string, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(string, string) {}

// Scheduler drives tickDeliveries/tickX402InsolvencySweep/
// tickX402WinddownReversals. One Scheduler per process; cron-style
// invocation lives in cmd/settld-tick.
type Scheduler struct {
	store       store.Store
	deliverer   Deliverer
	resolver    EndpointResolver
	maxAttempts int
	now         func() time.Time
	metrics     Metrics
	tracer      trace.Tracer

	mu     sync.Mutex
	paused bool
}

// SchedulerOption customizes Scheduler construction.
type SchedulerOption func(*Scheduler)

func WithDeliverer(d Deliverer) SchedulerOption   { return func(s *Scheduler) { s.deliverer = d } }
func WithMaxAttempts(n int) SchedulerOption       { return func(s *Scheduler) { s.maxAttempts = n } }
func WithSchedulerMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

const defaultMaxAttempts = 8

// NewScheduler constructs a tick scheduler over st, resolving delivery
// endpoints via resolve.
func NewScheduler(st store.Store, resolve EndpointResolver, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store: st, resolver: resolve, deliverer: NewHTTPDeliverer(), maxAttempts: defaultMaxAttempts,
		now: time.Now, metrics: noopMetrics{}, tracer: otel.Tracer("settld/outbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TickResult summarizes one tickDeliveries invocation.
type TickResult struct {
	Delivered int
	Failed    int
	DeadLettered int
	Retried   int
}

// TickDeliveries drains up to maxMessages due messages of msgType (empty
// matches any type) for tenantID, delivering each via HTTP POST with an
// HMAC-SHA256 signature over timestamp||"\n"||body.
func (s *Scheduler) TickDeliveries(ctx context.Context, tenantID, msgType string, maxMessages int) (*TickResult, error) {
	if s.Paused() {
		return nil, ErrSchedulerPaused
	}
	ctx, span := s.tracer.Start(ctx, "outbox.tick_deliveries")
	defer span.End()

	now := s.now().UTC().Format(time.RFC3339Nano)
	due, err := s.store.ListDueOutboxMessages(ctx, tenantID, msgType, now, maxMessages)
	if err != nil {
		return nil, err
	}
	result := &TickResult{}
	for _, msg := range due {
		if err := s.deliverOne(ctx, tenantID, msg, now, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Scheduler) deliverOne(ctx context.Context, tenantID string, msg store.OutboxMessage, now string, result *TickResult) error {
	endpoint, err := s.resolver(ctx, tenantID, msg.Type)
	if err != nil {
		return err
	}
	body, err := canon.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	sig := signDeliveryBody(endpoint.Secret, timestamp, body)

	resp, err := s.deliverer.Deliver(ctx, DeliveryRequest{URL: endpoint.URL, Body: body, Timestamp: timestamp, Signature: sig})
	if err != nil {
		return err
	}

	updated := msg
	switch {
	case resp.Err != nil, resp.StatusCode >= 500, resp.StatusCode == 0:
		return s.retryOrDeadLetter(ctx, tenantID, updated, now, result)
	case resp.StatusCode >= 400:
		updated.Dead = true
		result.DeadLettered++
		s.metrics.RecordDelivery(msg.Type, "permanent_4xx")
		return s.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.OutboxUpdateOp{Message: updated}}})
	default:
		updated.DeliveredAt = now
		result.Delivered++
		s.metrics.RecordDelivery(msg.Type, "delivered")
		return s.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.OutboxUpdateOp{Message: updated}}})
	}
}

func (s *Scheduler) retryOrDeadLetter(ctx context.Context, tenantID string, msg store.OutboxMessage, now string, result *TickResult) error {
	msg.Attempts++
	if msg.Attempts >= s.maxAttempts {
		msg.Dead = true
		result.DeadLettered++
		s.metrics.RecordDelivery(msg.Type, "dead")
		return s.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.OutboxUpdateOp{Message: msg}}})
	}
	msg.NextAttemptAt = s.now().Add(backoffDuration(msg.Attempts)).UTC().Format(time.RFC3339Nano)
	result.Retried++
	s.metrics.RecordDelivery(msg.Type, "retry")
	return s.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.OutboxUpdateOp{Message: msg}}})
}

// backoffDuration is the same doubling-with-cap schedule as
// services/escrow-gateway/webhook.go's WebhookWorker.backoffDuration: 1s,
// 2s, 4s, ... with each delay capped at 5 minutes. The caller stops
// retrying after maxAttempts.
func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// Pause halts every tick method until Resume is called, letting operators
// stop outbox delivery and sweeps during incident response without
// restarting the process.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume clears a prior Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Paused reports whether the scheduler is currently paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func signDeliveryBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
