// Package hmi handles operator commands sent from the HMI through the cloud.
package hmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"lorahub/internal/service"
)

const (
	MethodRun   = "run_hmi"
	MethodStop  = "stop_hmi"
	MethodReset = "reset_hmi"
)

var ErrUnknownMethod = errors.New("unknown hmi method")

// Handler processes one command payload.
type Handler func(ctx context.Context, payload map[string]any) error

// Dispatcher routes commands to the registered handlers.
type Dispatcher struct {
	log      *slog.Logger
	handlers map[string]Handler
}

// NewDispatcher returns a dispatcher with the run, stop and reset handlers,
// each of which records the command through svc.
func NewDispatcher(svc service.HMIEventService, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:      log.With("component", "hmi"),
		handlers: make(map[string]Handler),
	}
	for _, m := range []string{MethodRun, MethodStop, MethodReset} {
		d.handlers[m] = logEvent(svc, m)
	}
	return d
}

func logEvent(svc service.HMIEventService, method string) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		_, err := svc.Log(ctx, method, payload)
		return err
	}
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch handles a decoded cloud-to-device message. Messages that are not
// objects, or lack a method or user, are logged and ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, msg any) {
	payload, ok := msg.(map[string]any)
	if !ok {
		d.log.Warn("non-object payload ignored", "event", "hmi_dispatch", "payload", fmt.Sprintf("%v", msg))
		return
	}

	method, ok := payload["method"].(string)
	if !ok || method == "" {
		d.log.Warn("no 'method' key in payload", "event", "hmi_dispatch", "payload", payload)
		return
	}
	if _, ok := payload["user"]; !ok {
		d.log.Warn("no 'user' key in payload", "event", "hmi_dispatch", "method", method)
		return
	}

	h, ok := d.handlers[method]
	if !ok {
		d.log.Warn("Unknown HMI method", "event", "hmi_dispatch", "method", method)
		return
	}

	d.log.Info("dispatching HMI method", "event", "hmi_dispatch", "method", method)
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "method" {
			body[k] = v
		}
	}
	if err := h(ctx, body); err != nil {
		d.log.Error("HMI handler failed", "event", "hmi_dispatch", "status", "error", "method", method, "error_message", err.Error())
	}
}

// Handle runs the handler for method directly. Used by direct methods.
func (d *Dispatcher) Handle(ctx context.Context, method string, payload map[string]any) error {
	h, ok := d.handlers[method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return h(ctx, payload)
}
