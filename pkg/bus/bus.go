// Package bus defines the bus handle contract shared by the dispatcher and the
// transports, plus the message and reply envelopes exchanged over the bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

// DefaultID is the bus id used when none is configured.
const DefaultID = "kiwibus"

var (
	// ErrNotOpen is returned by transports asked to transmit while not OPEN.
	ErrNotOpen = errors.New("bus: connection is not open")
	// ErrClosed is returned by transports after Close.
	ErrClosed = errors.New("bus: handle closed")
	// ErrReplyTimeout is passed to a ReplyFunc when no reply arrived in time.
	ErrReplyTimeout = errors.New("bus: reply timeout")
)

// ReplyFunc receives the raw reply body of a request, or the transport error
// that prevented one.
type ReplyFunc func(data json.RawMessage, err error)

// HandlerFunc receives the raw body of a message delivered to a registered address.
type HandlerFunc func(address string, body json.RawMessage)

// Handler is a durable subscription callback. Transports key registrations
// by ID, so the same Handler must be passed to UnregisterHandler.
type Handler struct {
	ID   string
	Func HandlerFunc
}

// Handle is a live connection to a bus. Handles are owned by the caller that
// created them; the dispatcher only consumes them.
type Handle interface {
	// ID returns the configured bus id.
	ID() string
	// Options returns the merged handle configuration.
	Options() Options
	// ReadyState returns the current connection state.
	ReadyState() State
	// Send transmits body to address. When reply is non-nil the transport
	// correlates the response and invokes reply exactly once.
	Send(ctx context.Context, address string, body interface{}, reply ReplyFunc) error
	// Publish broadcasts body to every handler registered on address.
	Publish(address string, body interface{}) error
	// RegisterHandler subscribes h to address.
	RegisterHandler(address string, h *Handler) error
	// UnregisterHandler removes a registration made with RegisterHandler.
	UnregisterHandler(address string, h *Handler) error
	// OnOpen calls fn once, the next time the handle is OPEN (immediately if
	// it already is). The returned cancel func drops a pending subscriber.
	OnOpen(fn func()) (cancel func())
	// Close shuts the connection down.
	Close() error
}
