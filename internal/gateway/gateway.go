// Package gateway wires devices, runners and the HMI command path into one
// process and supervises them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"lorahub/internal/hmi"
	"lorahub/internal/iothub"
	"lorahub/internal/receiver"
	"lorahub/internal/runner"
)

// Producer feeds readings into runners until ctx is done.
type Producer interface {
	Run(ctx context.Context) error
}

type namedProducer struct {
	name string
	p    Producer
}

type Option func(*Gateway)

// WithReceive toggles the C2D and direct method handlers (DEVICE_RECEIVE_DATA).
func WithReceive(on bool) Option {
	return func(g *Gateway) { g.receive = on }
}

// WithProducer adds a reading source that runs alongside the runners.
func WithProducer(name string, p Producer) Option {
	return func(g *Gateway) { g.producers = append(g.producers, namedProducer{name, p}) }
}

// WithCloser registers a function run after every runner stopped.
func WithCloser(fn func() error) Option {
	return func(g *Gateway) { g.closers = append(g.closers, fn) }
}

// Gateway runs one runner per device.
type Gateway struct {
	runners   []*runner.Runner
	byID      map[string]*runner.Runner
	hmi       *hmi.Dispatcher
	log       *slog.Logger
	receive   bool
	producers []namedProducer
	closers   []func() error
}

func New(runners []*runner.Runner, dispatcher *hmi.Dispatcher, log *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		runners: runners,
		byID:    make(map[string]*runner.Runner, len(runners)),
		hmi:     dispatcher,
		log:     log.With("component", "gateway"),
		receive: true,
	}
	for _, r := range runners {
		g.byID[r.DeviceID()] = r
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Runners() []*runner.Runner { return g.runners }

func (g *Gateway) Runner(deviceID string) (*runner.Runner, bool) {
	r, ok := g.byID[deviceID]
	return r, ok
}

// Statuses returns the status of every runner in configuration order.
func (g *Gateway) Statuses() []runner.Status {
	out := make([]runner.Status, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.Status())
	}
	return out
}

// Handlers returns the receive handlers shared by every runner. With
// receiving disabled the runners work in send-only mode.
func (g *Gateway) Handlers() runner.Handlers {
	if !g.receive || g.hmi == nil {
		return runner.Handlers{}
	}
	return runner.Handlers{
		OnC2D: func(ctx context.Context, _ string, payload any) {
			g.hmi.Dispatch(ctx, payload)
		},
		Methods: g.methodRegistry(),
	}
}

// methodRegistry exposes one direct method per HMI handler.
func (g *Gateway) methodRegistry() *receiver.MethodRegistry {
	reg := receiver.NewMethodRegistry(g.log)
	for _, name := range g.hmi.Methods() {
		method := name
		reg.Add(method, func(ctx context.Context, req iothub.MethodRequest) (int, any, error) {
			payload, err := methodPayload(req.Payload)
			if err != nil {
				return 0, nil, fmt.Errorf("%s: %w", method, err)
			}
			if err := g.hmi.Handle(ctx, method, payload); err != nil {
				return 0, nil, err
			}
			return 200, map[string]any{"result": true}, nil
		})
	}
	return reg
}

// methodPayload decodes a direct-method body. An empty body or JSON null is
// an empty object; anything else must be a JSON object.
func methodPayload(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch p := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	default:
		return nil, fmt.Errorf("payload must be a JSON object, got %T", v)
	}
}

type result struct {
	deviceID string
	err      error
}

// Run starts every runner and producer. It returns when ctx is cancelled
// or the first runner exits; all runners are then stopped and awaited.
// The first runner error is returned.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := g.Handlers()
	if h.OnC2D != nil {
		g.log.Info("DEVICE_RECEIVE_DATA is enabled, registering C2D and direct method handlers", "event", "receive_enabled")
	} else {
		g.log.Info("DEVICE_RECEIVE_DATA is disabled, running in send-only mode", "event", "receive_disabled")
	}

	results := make(chan result, len(g.runners))
	var wg sync.WaitGroup
	for _, r := range g.runners {
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			results <- result{r.DeviceID(), r.Run(ctx, h)}
		}(r)
	}

	var pwg sync.WaitGroup
	for _, np := range g.producers {
		pwg.Add(1)
		go func(np namedProducer) {
			defer pwg.Done()
			if err := np.p.Run(ctx); err != nil {
				g.log.Error("producer failed", "event", "producer_failed", "producer", np.name, "error_message", err.Error())
			}
		}(np)
	}

	var first error
	if len(g.runners) > 0 {
		select {
		case res := <-results:
			if res.err != nil {
				g.log.Error("runner failed", "event", "runner_failed", "device_id", res.deviceID, "error_message", res.err.Error())
				first = res.err
			}
		case <-ctx.Done():
		}
	} else {
		g.log.Warn("no devices configured", "event", "no_devices")
		<-ctx.Done()
	}

	cancel()
	for _, r := range g.runners {
		r.Stop()
	}
	wg.Wait()
	pwg.Wait()
	close(results)
	for res := range results {
		if res.err != nil {
			g.log.Error("runner failed", "event", "runner_failed", "device_id", res.deviceID, "error_message", res.err.Error())
			if first == nil {
				first = res.err
			}
		}
	}

	for _, fn := range g.closers {
		if err := fn(); err != nil {
			g.log.Warn("close failed", "event", "shutdown", "error_message", err.Error())
		}
	}
	g.log.Info("gateway stopped", "event", "shutdown")
	return first
}
