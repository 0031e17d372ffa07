package mocks

import (
	"context"
	"sync"

	"lorahub/internal/iothub"
)

// FakeConn is an in-memory iothub.Conn. Connect and Send consume the
// queued errors in order and succeed once the queue is empty.
type FakeConn struct {
	mu sync.Mutex

	ConnectErrs   []error
	AlwaysFailErr error
	SendErrs      []error

	connected    bool
	connectCalls int
	closed       bool
	sent         []iothub.Message
	responses    []iothub.MethodResponse

	onState  func(bool)
	onMsg    func(iothub.Message)
	onMethod func(iothub.MethodRequest)
}

var _ iothub.Conn = (*FakeConn)(nil)

func (f *FakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	if f.AlwaysFailErr != nil {
		f.mu.Unlock()
		return f.AlwaysFailErr
	}
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.connected = true
	h := f.onState
	f.mu.Unlock()

	if h != nil {
		h(true)
	}
	return nil
}

func (f *FakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeConn) Send(ctx context.Context, msg iothub.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *FakeConn) Respond(ctx context.Context, resp iothub.MethodResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *FakeConn) SetConnectionStateHandler(h func(bool)) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *FakeConn) SetMessageHandler(h func(iothub.Message)) {
	f.mu.Lock()
	f.onMsg = h
	f.mu.Unlock()
}

func (f *FakeConn) SetMethodHandler(h func(iothub.MethodRequest)) {
	f.mu.Lock()
	f.onMethod = h
	f.mu.Unlock()
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(false)
	}
	return nil
}

// Drop simulates a lost connection.
func (f *FakeConn) Drop() {
	f.mu.Lock()
	f.connected = false
	h := f.onState
	f.mu.Unlock()
	if h != nil {
		h(false)
	}
}

// DeliverMessage invokes the registered C2D handler. It reports false when none is set.
func (f *FakeConn) DeliverMessage(m iothub.Message) bool {
	f.mu.Lock()
	h := f.onMsg
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(m)
	return true
}

// InvokeMethod invokes the registered method handler. It reports false when none is set.
func (f *FakeConn) InvokeMethod(req iothub.MethodRequest) bool {
	f.mu.Lock()
	h := f.onMethod
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(req)
	return true
}

func (f *FakeConn) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *FakeConn) Sent() []iothub.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]iothub.Message(nil), f.sent...)
}

func (f *FakeConn) Responses() []iothub.MethodResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]iothub.MethodResponse(nil), f.responses...)
}

func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
