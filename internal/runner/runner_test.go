package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorahub/internal/device"
	"lorahub/internal/iothub"
	connMocks "lorahub/internal/iothub/mocks"
	"lorahub/internal/logger"
	"lorahub/internal/model"
	"lorahub/internal/receiver"
	"lorahub/internal/telemetry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingDeadLetter struct {
	mu      sync.Mutex
	reasons []error
}

func (d *recordingDeadLetter) Archive(_ context.Context, _ string, _ model.Reading, reason error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *recordingDeadLetter) Reasons() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.reasons...)
}

type recordingHistory struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (h *recordingHistory) Record(_ context.Context, _ string, raw model.Reading, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, raw)
	return nil
}

func (h *recordingHistory) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readings)
}

func (h *recordingHistory) Readings() []model.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Reading(nil), h.readings...)
}

func testDevice() device.Device {
	return device.Device{ID: "unit-1", NValves: 2}
}

// start runs r in the background and returns a function that stops it and
// yields Run's error.
func start(t *testing.T, r *Runner, h Handlers) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), h) }()
	return func() error {
		r.Stop()
		select {
		case err := <-done:
			return err
		case <-time.After(waitFor):
			t.Fatal("runner did not stop")
			return nil
		}
	}
}

func TestRunner_SendsQueuedReadings(t *testing.T) {
	conn := &connMocks.FakeConn{}
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	hist := &recordingHistory{}

	r := New(testDevice(), conn, WithLogger(logger.Discard()), WithMetrics(m), WithHistory(hist))
	require.NoError(t, r.Enqueue(context.Background(), telemetry.SampleReading(2)))
	require.NoError(t, r.TryEnqueue(telemetry.SampleReading(3)))

	stop := start(t, r, Handlers{})

	assert.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return hist.Count() == 2 }, waitFor, tick)

	st := r.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, int64(2), st.Sent)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, QueueCapacity, st.QueueCapacity)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sent.WithLabelValues("unit-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected.WithLabelValues("unit-1")))

	require.NoError(t, stop())
	assert.True(t, conn.Closed())
	assert.True(t, r.Status().Stopped)
}

func TestRunner_HistoryRecordsDeliveredPayload(t *testing.T) {
	conn := &connMocks.FakeConn{}
	hist := &recordingHistory{}
	r := New(testDevice(), conn, WithLogger(logger.Discard()), WithHistory(hist))

	raw := telemetry.SampleReading(3)
	raw["Firmware"] = "1.4.2"
	require.NoError(t, r.TryEnqueue(raw))

	stop := start(t, r, Handlers{})
	require.Eventually(t, func() bool { return hist.Count() == 1 }, waitFor, tick)
	require.NoError(t, stop())

	sent := conn.Sent()
	require.Len(t, sent, 1)
	delivered, err := telemetry.ParseReading(sent[0].Body)
	require.NoError(t, err)

	recorded := hist.Readings()[0]
	assert.Equal(t, delivered, recorded)
	assert.Contains(t, recorded, telemetry.ValveKey(2))
	assert.NotContains(t, recorded, telemetry.ValveKey(3))
	assert.NotContains(t, recorded, "Firmware")
}

func TestRunner_GivesUpAtMaxInterval(t *testing.T) {
	conn := &connMocks.FakeConn{AlwaysFailErr: errors.New("unauthorized")}
	r := New(testDevice(), conn,
		WithLogger(logger.Discard()),
		WithRetryIntervals(time.Millisecond, 8*time.Millisecond),
	)

	err := r.Run(context.Background(), Handlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryLimit)
	assert.Contains(t, err.Error(), "unauthorized")
	// Waits of 1, 2 and 4ms; the fourth failure would wait 8ms, which is the cap.
	assert.Equal(t, 4, conn.ConnectCalls())
	assert.Equal(t, 4, r.Status().Attempt)
	assert.True(t, conn.Closed())
}

func TestRunner_BackOffResetsOnConnect(t *testing.T) {
	conn := &connMocks.FakeConn{ConnectErrs: []error{errors.New("a"), errors.New("b")}}
	r := New(testDevice(), conn,
		WithLogger(logger.Discard()),
		WithRetryIntervals(time.Millisecond, time.Second),
	)
	stop := start(t, r, Handlers{})

	assert.Eventually(t, func() bool { return r.Status().Connected }, waitFor, tick)
	assert.Equal(t, 3, conn.ConnectCalls())
	assert.Equal(t, 1, r.Status().Attempt)

	conn.Drop()
	assert.Eventually(t, func() bool { return conn.ConnectCalls() == 4 }, waitFor, tick)
	assert.Eventually(t, func() bool { return r.Status().Connected }, waitFor, tick)

	require.NoError(t, stop())
}

func TestRunner_SendFailureReenqueues(t *testing.T) {
	conn := &connMocks.FakeConn{SendErrs: []error{errors.New("timeout")}}
	r := New(testDevice(), conn, WithLogger(logger.Discard()))
	require.NoError(t, r.TryEnqueue(telemetry.SampleReading(2)))

	stop := start(t, r, Handlers{})

	assert.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, tick)
	st := r.Status()
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(1), st.Failed)

	require.NoError(t, stop())
}

func TestRunner_InvalidReadingGoesToDeadLetter(t *testing.T) {
	conn := &connMocks.FakeConn{}
	dl := &recordingDeadLetter{}
	r := New(testDevice(), conn, WithLogger(logger.Discard()), WithDeadLetter(dl))
	require.NoError(t, r.TryEnqueue(model.Reading{"Bomba": true}))
	require.NoError(t, r.TryEnqueue(telemetry.SampleReading(2)))

	stop := start(t, r, Handlers{})

	assert.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, waitFor, tick)
	require.Len(t, dl.Reasons(), 1)
	assert.ErrorIs(t, dl.Reasons()[0], telemetry.ErrMissingKey)
	assert.Equal(t, int64(1), r.Status().Failed)

	require.NoError(t, stop())
}

func TestRunner_QueueBounds(t *testing.T) {
	r := New(testDevice(), &connMocks.FakeConn{}, WithLogger(logger.Discard()))
	for i := 0; i < QueueCapacity; i++ {
		require.NoError(t, r.TryEnqueue(model.Reading{"i": i}))
	}
	assert.ErrorIs(t, r.TryEnqueue(model.Reading{}), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Enqueue(ctx, model.Reading{}), context.DeadlineExceeded)

	r.Stop()
	assert.ErrorIs(t, r.Enqueue(context.Background(), model.Reading{}), ErrStopped)
	assert.Equal(t, QueueCapacity, r.Status().QueueDepth)
}

func TestRunner_RequeueOverflowArchives(t *testing.T) {
	dl := &recordingDeadLetter{}
	r := New(testDevice(), &connMocks.FakeConn{}, WithLogger(logger.Discard()), WithDeadLetter(dl))
	for i := 0; i < QueueCapacity; i++ {
		require.NoError(t, r.TryEnqueue(model.Reading{}))
	}

	r.requeue(model.Reading{"late": true}, errors.New("link down"))
	require.Len(t, dl.Reasons(), 1)
	assert.ErrorIs(t, dl.Reasons()[0], ErrQueueFull)
	assert.Contains(t, dl.Reasons()[0].Error(), "link down")
}

func TestRunner_EnqueueCopiesReading(t *testing.T) {
	r := New(testDevice(), &connMocks.FakeConn{}, WithLogger(logger.Discard()))
	raw := model.Reading{"a": 1}
	require.NoError(t, r.TryEnqueue(raw))
	raw["a"] = 2

	got := <-r.queue
	assert.Equal(t, 1, got["a"])
}

func TestRunner_C2DAndMethods(t *testing.T) {
	conn := &connMocks.FakeConn{}
	r := New(testDevice(), conn, WithLogger(logger.Discard()))

	var (
		mu       sync.Mutex
		received []any
	)
	reg := receiver.NewMethodRegistry(logger.Discard())
	reg.Add("ping", func(context.Context, iothub.MethodRequest) (int, any, error) {
		return 200, map[string]any{"result": true}, nil
	})

	stop := start(t, r, Handlers{
		OnC2D: func(_ context.Context, deviceID string, payload any) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "unit-1", deviceID)
			received = append(received, payload)
		},
		Methods: reg,
	})
	assert.Eventually(t, func() bool { return r.Status().Connected }, waitFor, tick)

	require.True(t, conn.DeliverMessage(iothub.Message{Body: []byte(`{"method":"run_hmi","user":"op"}`)}))
	require.True(t, conn.DeliverMessage(iothub.Message{Body: []byte(`plain text`)}))
	require.True(t, conn.InvokeMethod(iothub.MethodRequest{Name: "ping", RequestID: "1"}))

	mu.Lock()
	assert.Equal(t, []any{map[string]any{"method": "run_hmi", "user": "op"}, "plain text"}, received)
	mu.Unlock()

	resp := conn.Responses()
	require.Len(t, resp, 1)
	assert.Equal(t, 200, resp[0].Status)
	assert.Equal(t, "1", resp[0].RequestID)

	require.NoError(t, stop())
	assert.False(t, conn.DeliverMessage(iothub.Message{Body: []byte(`{}`)}), "handlers are detached on exit")
	assert.False(t, conn.InvokeMethod(iothub.MethodRequest{Name: "ping"}))
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	r := New(testDevice(), &connMocks.FakeConn{}, WithLogger(logger.Discard()))
	r.Stop()
	r.Stop()
	assert.NoError(t, r.Run(context.Background(), Handlers{}))
}

func TestRunner_ContextCancel(t *testing.T) {
	r := New(testDevice(), &connMocks.FakeConn{}, WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, Handlers{}) }()

	assert.Eventually(t, func() bool { return r.Status().Connected }, waitFor, tick)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("runner did not stop on cancel")
	}
}

func TestDecodeC2D(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{"object", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"list", `[1,"x"]`, []any{float64(1), "x"}},
		{"string", `"hello"`, "hello"},
		{"not json", `run now`, "run now"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeC2D([]byte(tt.body)))
		})
	}
}
