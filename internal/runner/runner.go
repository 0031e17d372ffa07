// Package runner owns the IoT Hub connection of one device: it queues
// readings, keeps the connection alive with exponential back-off and
// delivers telemetry while routing cloud-to-device traffic to handlers.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"lorahub/internal/device"
	"lorahub/internal/iothub"
	"lorahub/internal/model"
	"lorahub/internal/receiver"
	"lorahub/internal/sink"
	"lorahub/internal/telemetry"
)

const (
	// QueueCapacity bounds the outgoing queue; producers get back-pressure beyond it.
	QueueCapacity = 100

	DefaultInitialRetryInterval = 2 * time.Second
	DefaultMaxRetryInterval     = 2 * time.Hour

	sendTimeout = 30 * time.Second
	sinkTimeout = 5 * time.Second
)

var (
	ErrQueueFull  = errors.New("outgoing queue is full")
	ErrStopped    = errors.New("runner stopped")
	ErrRetryLimit = errors.New("could not reconnect within the retry limit")
)

// Handlers are the optional receive-side callbacks of a runner.
type Handlers struct {
	// OnC2D receives cloud-to-device messages. The payload is the decoded
	// JSON body, or the body as a string when it is not JSON.
	OnC2D func(ctx context.Context, deviceID string, payload any)
	// Methods answers direct method invocations.
	Methods *receiver.MethodRegistry
}

// Status is a point-in-time view of a runner.
type Status struct {
	DeviceID      string `json:"device_id"`
	Connected     bool   `json:"connected"`
	Stopped       bool   `json:"stopped"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Attempt       int    `json:"connection_attempt"`
	Sent          int64  `json:"sent"`
	Failed        int64  `json:"failed"`
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithDeadLetter(s sink.DeadLetter) Option {
	return func(r *Runner) { r.deadLetter = s }
}

func WithHistory(s sink.History) Option {
	return func(r *Runner) { r.history = s }
}

// WithRetryIntervals overrides the back-off bounds.
func WithRetryIntervals(initial, max time.Duration) Option {
	return func(r *Runner) { r.initialInterval, r.maxInterval = initial, max }
}

// Runner drives a single device. It is the only user of its Conn.
type Runner struct {
	dev  device.Device
	conn iothub.Conn

	log        *slog.Logger
	metrics    *Metrics
	deadLetter sink.DeadLetter
	history    sink.History
	tracer     trace.Tracer

	initialInterval time.Duration
	maxInterval     time.Duration

	queue chan model.Reading

	mu        sync.Mutex
	connected bool
	changed   chan struct{} // closed and replaced on every state change
	backOff   *backoff.ExponentialBackOff
	attempt   int

	stopCh   chan struct{}
	stopOnce sync.Once

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a runner for dev over conn. The runner starts disconnected.
func New(dev device.Device, conn iothub.Conn, opts ...Option) *Runner {
	r := &Runner{
		dev:             dev,
		conn:            conn,
		log:             slog.Default(),
		tracer:          otel.Tracer("lorahub/runner"),
		initialInterval: DefaultInitialRetryInterval,
		maxInterval:     DefaultMaxRetryInterval,
		queue:           make(chan model.Reading, QueueCapacity),
		changed:         make(chan struct{}),
		attempt:         1,
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = nopMetrics()
	}
	r.log = r.log.With("component", "runner", "device_id", dev.ID)
	r.backOff = &backoff.ExponentialBackOff{
		InitialInterval:     r.initialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.maxInterval,
	}
	r.backOff.Reset()
	return r
}

func (r *Runner) DeviceID() string { return r.dev.ID }

func (r *Runner) Device() device.Device { return r.dev }

// Enqueue adds a reading, waiting for room until ctx is done or the runner stops.
func (r *Runner) Enqueue(ctx context.Context, raw model.Reading) error {
	select {
	case r.queue <- raw.Clone():
		r.metrics.queueDepth.WithLabelValues(r.dev.ID).Set(float64(len(r.queue)))
		return nil
	case <-r.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a reading without blocking.
func (r *Runner) TryEnqueue(raw model.Reading) error {
	select {
	case r.queue <- raw.Clone():
		r.metrics.queueDepth.WithLabelValues(r.dev.ID).Set(float64(len(r.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop asks the runner to shut down. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		DeviceID:      r.dev.ID,
		Connected:     r.connected,
		Stopped:       r.stopped(),
		QueueDepth:    len(r.queue),
		QueueCapacity: cap(r.queue),
		Attempt:       r.attempt,
		Sent:          r.sent.Load(),
		Failed:        r.failed.Load(),
	}
}

// Run connects and serves until ctx is cancelled, Stop is called or the
// reconnect loop gives up. Handlers are detached and the connection is
// closed before Run returns.
func (r *Runner) Run(ctx context.Context, h Handlers) error {
	r.conn.SetConnectionStateHandler(r.onConnectionState)

	if h.OnC2D != nil {
		r.conn.SetMessageHandler(func(m iothub.Message) {
			r.log.Info("C2D message received", "event", "c2d_received", "bytes", len(m.Body))
			h.OnC2D(ctx, r.dev.ID, DecodeC2D(m.Body))
		})
	}
	if h.Methods != nil {
		dispatch := h.Methods.Dispatcher(r.conn, r.dev.ID)
		r.conn.SetMethodHandler(func(req iothub.MethodRequest) {
			dispatch(ctx, req)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.reconnectLoop(gctx) })
	g.Go(func() error { return r.sendLoop(gctx) })
	err := g.Wait()

	r.Stop()
	r.conn.SetMessageHandler(nil)
	r.conn.SetMethodHandler(nil)
	if cerr := r.conn.Close(); cerr != nil {
		r.log.Warn("close failed", "error", cerr)
	}
	r.log.Info("runner stopped", "event", "runner_stopped", "queue_depth", len(r.queue))
	return err
}

// DecodeC2D returns the JSON value of body, or body as a string when it is not valid JSON.
func DecodeC2D(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

func (r *Runner) onConnectionState(connected bool) {
	r.mu.Lock()
	if connected {
		r.backOff.Reset()
		r.attempt = 1
	}
	changed := r.connected != connected
	r.setConnectedLocked(connected)
	r.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		r.log.Info("connected to IoT Hub", "event", "connected")
	} else {
		r.log.Info("disconnected from IoT Hub", "event", "disconnected")
	}
}

func (r *Runner) setConnectedLocked(connected bool) {
	if r.connected == connected {
		return
	}
	r.connected = connected
	close(r.changed)
	r.changed = make(chan struct{})
	v := 0.0
	if connected {
		v = 1
	}
	r.metrics.connected.WithLabelValues(r.dev.ID).Set(v)
}

func (r *Runner) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// waitState blocks until the connection state equals want.
func (r *Runner) waitState(ctx context.Context, want bool) error {
	for {
		r.mu.Lock()
		if r.connected == want {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-r.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) reconnectLoop(ctx context.Context) error {
	for {
		if err := r.waitState(ctx, false); err != nil {
			return nil
		}

		for !r.conn.Connected() {
			if r.stopped() || ctx.Err() != nil {
				return nil
			}

			r.mu.Lock()
			attempt := r.attempt
			r.mu.Unlock()

			r.log.Info("connection attempt", "event", "connect_attempt", "attempt", attempt)
			r.metrics.reconnects.WithLabelValues(r.dev.ID).Inc()

			err := r.conn.Connect(ctx)
			if err == nil {
				r.log.Info("successfully connected", "event", "connect_success", "attempt", attempt)
				break
			}
			if ctx.Err() != nil {
				return nil
			}

			r.mu.Lock()
			next := r.backOff.NextBackOff()
			r.mu.Unlock()

			if next >= r.maxInterval {
				r.log.Error("max retry interval exceeded, stopping",
					"event", "connect_failed", "status", "error",
					"max_retry_interval_s", r.maxInterval.Seconds(), "error_message", err.Error())
				r.Stop()
				return fmt.Errorf("%s: %w: %v", r.dev.ID, ErrRetryLimit, err)
			}

			r.log.Warn("connection attempt failed",
				"event", "connect_failed", "attempt", attempt,
				"retry_in_s", next.Seconds(), "error_message", err.Error())

			r.mu.Lock()
			r.attempt++
			r.mu.Unlock()

			t := time.NewTimer(next)
			select {
			case <-t.C:
			case <-r.stopCh:
				t.Stop()
				return nil
			case <-ctx.Done():
				t.Stop()
				return nil
			}
		}

		// The state handler normally reports this; take the client's word
		// for it so the loop does not spin before the callback lands.
		r.mu.Lock()
		if r.conn.Connected() {
			r.backOff.Reset()
			r.attempt = 1
			r.setConnectedLocked(true)
		}
		r.mu.Unlock()
	}
}

func (r *Runner) sendLoop(ctx context.Context) error {
	for {
		if !r.isConnected() {
			r.log.Info("waiting for connection before sending", "event", "send_wait")
			if err := r.waitState(ctx, true); err != nil {
				return nil
			}
		}

		var raw model.Reading
		select {
		case raw = <-r.queue:
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
		r.metrics.queueDepth.WithLabelValues(r.dev.ID).Set(float64(len(r.queue)))

		if r.stopped() || ctx.Err() != nil {
			r.requeue(raw, ErrStopped)
			return nil
		}

		r.send(ctx, raw)
	}
}

func (r *Runner) send(ctx context.Context, raw model.Reading) {
	ctx, span := r.tracer.Start(ctx, "runner.send", trace.WithAttributes(
		attribute.String("device.id", r.dev.ID),
		attribute.Int("device.valves", r.dev.NValves),
	))
	defer span.End()

	payload, err := r.dev.BuildPayload(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid reading")
		r.failed.Add(1)
		r.metrics.failures.WithLabelValues(r.dev.ID, "invalid_reading").Inc()
		r.log.Warn("invalid reading dropped", "event", "send_failed", "error_message", err.Error())
		r.archive(ctx, raw, err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = r.conn.Send(sctx, iothub.Message{Body: payload})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		r.failed.Add(1)
		r.metrics.failures.WithLabelValues(r.dev.ID, "transport").Inc()
		r.log.Warn("send failed, re-enqueuing message", "event", "send_failed", "error_message", err.Error())
		r.requeue(raw, err)
		return
	}

	span.SetAttributes(attribute.Int("payload.bytes", len(payload)))
	r.sent.Add(1)
	r.metrics.sent.WithLabelValues(r.dev.ID).Inc()
	r.log.Info("telemetry sent", "event", "telemetry_sent", "valves", r.dev.NValves, "bytes", len(payload))

	if r.history != nil {
		r.record(ctx, payload)
	}
}

// record writes the delivered payload, not the raw reading, to history.
func (r *Runner) record(ctx context.Context, payload []byte) {
	delivered, err := telemetry.ParseReading(payload)
	if err != nil {
		r.log.Warn("history write failed", "event", "history_failed", "error_message", err.Error())
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := r.history.Record(hctx, r.dev.ID, delivered, time.Now().UTC()); err != nil {
		r.log.Warn("history write failed", "event", "history_failed", "error_message", err.Error())
	}
}

// requeue puts raw back without blocking. A full queue hands it to the
// dead-letter sink instead.
func (r *Runner) requeue(raw model.Reading, cause error) {
	select {
	case r.queue <- raw:
		r.metrics.queueDepth.WithLabelValues(r.dev.ID).Set(float64(len(r.queue)))
	default:
		r.log.Error("queue full, reading not re-enqueued", "event", "requeue_failed", "status", "error")
		r.archive(context.Background(), raw, fmt.Errorf("%w: %v", ErrQueueFull, cause))
	}
}

func (r *Runner) archive(ctx context.Context, raw model.Reading, reason error) {
	r.metrics.deadLetter.WithLabelValues(r.dev.ID).Inc()
	if r.deadLetter == nil {
		r.log.Warn("no dead-letter sink configured, reading discarded", "event", "dead_letter")
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if err := r.deadLetter.Archive(actx, r.dev.ID, raw, reason); err != nil {
		r.log.Error("dead-letter archive failed", "event", "dead_letter", "status", "error", "error_message", err.Error())
		return
	}
	r.log.Info("reading archived", "event", "dead_letter", "reason", reason.Error())
}
