// Package bustest provides an in-memory bus.Handle for tests.
package bustest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/morezero/kiwibus/pkg/bus"
)

// Call records one transport invocation. Body holds the JSON encoding of the
// payload taken at the moment of the call.
type Call struct {
	Op      string
	Address string
	Body    json.RawMessage
	Reply   bus.ReplyFunc
}

// Responder answers a Send synchronously. Returning a nil reply and nil error
// leaves the request pending.
type Responder func(address string, body json.RawMessage) (json.RawMessage, error)

// Handle is a scriptable bus.Handle. State transitions are driven by the test
// through SetState.
type Handle struct {
	*bus.Notifier

	opts bus.Options

	mu       sync.Mutex
	calls    []Call
	handlers map[string]map[string]*bus.Handler
	closed   int

	// Respond, when set, answers every Send that asks for a reply.
	Respond Responder
	// SendErr, when set, is returned by Send, Publish and RegisterHandler.
	SendErr error
}

var _ bus.Handle = (*Handle)(nil)

// New returns a fake handle in the given state.
func New(id string, initial bus.State) *Handle {
	opts := bus.NewOptions(bus.WithID(id), bus.WithURL("fake://"+id))
	return &Handle{
		Notifier: bus.NewNotifier(initial),
		opts:     opts,
		handlers: make(map[string]map[string]*bus.Handler),
	}
}

// WithOptions replaces the handle options (ID is preserved).
func (h *Handle) WithOptions(o bus.Options) *Handle {
	o.ID = h.opts.ID
	h.opts = o
	return h
}

func (h *Handle) ID() string { return h.opts.ID }

func (h *Handle) Options() bus.Options { return h.opts }

func (h *Handle) ReadyState() bus.State { return h.Notifier.State() }

func (h *Handle) Send(_ context.Context, address string, body interface{}, reply bus.ReplyFunc) error {
	if h.SendErr != nil {
		return h.SendErr
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	h.record(Call{Op: "send", Address: address, Body: data, Reply: reply})

	if reply != nil && h.Respond != nil {
		out, rerr := h.Respond(address, data)
		if out != nil || rerr != nil {
			reply(out, rerr)
		}
	}
	return nil
}

func (h *Handle) Publish(address string, body interface{}) error {
	if h.SendErr != nil {
		return h.SendErr
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	h.record(Call{Op: "publish", Address: address, Body: data})
	return nil
}

func (h *Handle) RegisterHandler(address string, handler *bus.Handler) error {
	if h.SendErr != nil {
		return h.SendErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers[address] == nil {
		h.handlers[address] = make(map[string]*bus.Handler)
	}
	h.handlers[address][handler.ID] = handler
	h.calls = append(h.calls, Call{Op: "register", Address: address})
	return nil
}

func (h *Handle) UnregisterHandler(address string, handler *bus.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers[address], handler.ID)
	h.calls = append(h.calls, Call{Op: "unregister", Address: address})
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	h.Notifier.SetState(bus.StateClosed)
	return nil
}

// Deliver invokes every handler registered on address with body.
func (h *Handle) Deliver(address string, body json.RawMessage) int {
	h.mu.Lock()
	var targets []*bus.Handler
	for _, handler := range h.handlers[address] {
		targets = append(targets, handler)
	}
	h.mu.Unlock()

	for _, handler := range targets {
		handler.Func(address, body)
	}
	return len(targets)
}

// Calls returns a copy of the recorded calls.
func (h *Handle) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsOf returns the recorded calls of one operation.
func (h *Handle) CallsOf(op string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Handlers returns the number of handlers registered on address.
func (h *Handle) Handlers(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers[address])
}

// Closed returns how many times Close was called.
func (h *Handle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) record(c Call) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

// Token extracts the accessToken field of a recorded message body.
func Token(body json.RawMessage) string {
	var m bus.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	return m.AccessToken
}
