// Package receiver dispatches direct method invocations to registered
// handlers. It does not own a hub connection; handlers are plugged into
// the connection managed by runner.Runner.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"lorahub/internal/iothub"
)

// MethodHandler handles one direct method and returns the status code and
// the response payload.
type MethodHandler func(ctx context.Context, req iothub.MethodRequest) (int, any, error)

// Responder sends method responses back to the hub.
type Responder interface {
	Respond(ctx context.Context, resp iothub.MethodResponse) error
}

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]MethodHandler
	log      *slog.Logger
}

// NewMethodRegistry returns an empty registry.
func NewMethodRegistry(log *slog.Logger) *MethodRegistry {
	return &MethodRegistry{handlers: map[string]MethodHandler{}, log: log}
}

// Add registers h for name, replacing any previous handler.
func (r *MethodRegistry) Add(name string, h MethodHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	r.log.Debug("registered direct method handler", "component", "receiver", "method", name)
}

// Handlers returns a copy of the registered handlers.
func (r *MethodRegistry) Handlers() map[string]MethodHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MethodHandler, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Dispatcher returns a callback that runs the matching handler and sends
// exactly one response for every request.
//
// Unknown methods answer 400; a failing or panicking handler answers 500.
func (r *MethodRegistry) Dispatcher(resp Responder, deviceID string) func(context.Context, iothub.MethodRequest) {
	return func(ctx context.Context, req iothub.MethodRequest) {
		r.mu.RLock()
		h, ok := r.handlers[req.Name]
		r.mu.RUnlock()

		var status int
		var payload any
		if ok {
			r.log.Info("invoking direct method", "component", "receiver", "device_id", deviceID, "method", req.Name)
			status, payload = r.invoke(ctx, h, req, deviceID)
		} else {
			r.log.Warn("unknown direct method", "component", "receiver", "device_id", deviceID, "method", req.Name)
			status, payload = 400, map[string]any{
				"result": false,
				"data":   "unknown method: " + req.Name,
			}
		}

		if err := resp.Respond(ctx, iothub.MethodResponse{RequestID: req.RequestID, Status: status, Payload: payload}); err != nil {
			r.log.Error("method response failed", "component", "receiver", "device_id", deviceID, "method", req.Name, "error", err)
			return
		}
		r.log.Info("responded to direct method", "component", "receiver", "device_id", deviceID, "method", req.Name, "status", status)
	}
}

func (r *MethodRegistry) invoke(ctx context.Context, h MethodHandler, req iothub.MethodRequest, deviceID string) (status int, payload any) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("direct method handler panicked", "component", "receiver", "device_id", deviceID, "method", req.Name, "panic", p)
			status, payload = 500, map[string]any{"result": false, "error": fmt.Sprint(p)}
		}
	}()

	status, payload, err := h(ctx, req)
	if err != nil {
		r.log.Error("direct method handler failed", "component", "receiver", "device_id", deviceID, "method", req.Name, "error", err)
		return 500, map[string]any{"result": false, "error": err.Error()}
	}
	return status, payload
}
