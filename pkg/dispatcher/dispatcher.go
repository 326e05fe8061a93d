// Package dispatcher sends messages over bus handles: it waits for the bus to
// open, stamps the access token, correlates replies, and transparently
// refreshes an expired token once before retrying.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/registry"
	"github.com/morezero/kiwibus/pkg/token"
	"github.com/morezero/kiwibus/pkg/trace"
)

const logPrefix = "dispatcher:dispatcher"

// DefaultMirrorTimeout bounds one trace sink write.
const DefaultMirrorTimeout = 250 * time.Millisecond

var (
	// ErrNilBus is returned when an operation is given no bus handle.
	ErrNilBus = errors.New("dispatcher: bus handle is nil")
	// ErrNilMessage is returned when Send or Publish is given no message.
	ErrNilMessage = errors.New("dispatcher: message is nil")
	// ErrUnknownBus is returned by Bus when no handle is registered under the id.
	ErrUnknownBus = errors.New("dispatcher: unknown bus id")
	// ErrNoRegistry is returned by Bus when the dispatcher has no registry.
	ErrNoRegistry = errors.New("dispatcher: no registry configured")
)

// ReplyHandler receives the reply of a Send. It is called at most once.
type ReplyHandler func(reply *bus.Reply)

// ReauthFunc is called when an expired token could not be refreshed. The
// original request is dropped; the hook is expected to restart authentication.
type ReauthFunc func(reason error)

// Params holds parameters for New.
type Params struct {
	// Tokens stamps outgoing messages and refreshes expired tokens.
	Tokens token.Source
	// Registry resolves bus ids and carries the debug flag. Optional.
	Registry *registry.Registry
	// Clock drives open-wait timers. Defaults to the wall clock.
	Clock clock.Clock
	// Reauth runs when a token refresh fails. Defaults to logging the failure.
	Reauth ReauthFunc
	// Sink receives mirrored traffic while the registry's debug flag is set.
	Sink trace.Sink
	// Metrics records dispatcher counters. Optional.
	Metrics *Metrics
	// MaxAuthRetries caps refresh-and-retry rounds per request. Defaults to 1.
	MaxAuthRetries int
	// MirrorTimeout bounds each Sink write. Defaults to DefaultMirrorTimeout.
	MirrorTimeout time.Duration
}

// Dispatcher is the bus request/reply layer. Safe for concurrent use.
type Dispatcher struct {
	tokens         token.Source
	registry       *registry.Registry
	clock          clock.Clock
	reauth         ReauthFunc
	sink           trace.Sink
	metrics        *Metrics
	maxAuthRetries int
	mirrorTimeout  time.Duration
}

// New creates a Dispatcher.
func New(params Params) *Dispatcher {
	d := &Dispatcher{
		tokens:         params.Tokens,
		registry:       params.Registry,
		clock:          params.Clock,
		reauth:         params.Reauth,
		sink:           params.Sink,
		metrics:        params.Metrics,
		maxAuthRetries: params.MaxAuthRetries,
		mirrorTimeout:  params.MirrorTimeout,
	}
	if d.tokens == nil {
		d.tokens = token.NewProvider(token.Options{})
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.reauth == nil {
		d.reauth = func(reason error) {
			slog.Error(fmt.Sprintf("%s - Re-authentication required: %v", logPrefix, reason))
		}
	}
	if d.sink == nil {
		d.sink = &trace.NoOpSink{}
	}
	if d.maxAuthRetries <= 0 {
		d.maxAuthRetries = 1
	}
	if d.mirrorTimeout <= 0 {
		d.mirrorTimeout = DefaultMirrorTimeout
	}
	return d
}

// Tokens returns the token source used to stamp messages.
func (d *Dispatcher) Tokens() token.Source {
	return d.tokens
}

// Registry returns the bus registry, or nil.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Bus looks a handle up by id in the registry.
func (d *Dispatcher) Bus(id string) (bus.Handle, error) {
	if d.registry == nil {
		return nil, ErrNoRegistry
	}
	h := d.registry.Get(id)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBus, id)
	}
	return h, nil
}

// Close closes the handle.
func (d *Dispatcher) Close(h bus.Handle) error {
	if h == nil {
		return ErrNilBus
	}
	return h.Close()
}

// ReadyState returns the handle's connection state. A nil handle reports CLOSED.
func (d *Dispatcher) ReadyState(h bus.Handle) bus.State {
	if h == nil {
		return bus.StateClosed
	}
	return h.ReadyState()
}

// GenerateUUID returns a random v4 UUID for handler registrations.
func GenerateUUID() string {
	return uuid.New().String()
}

// NewHandler wraps fn in a Handler with a fresh id.
func NewHandler(fn bus.HandlerFunc) *bus.Handler {
	return &bus.Handler{ID: GenerateUUID(), Func: fn}
}

// mirror records an entry on the trace sink while debug mode is enabled. The
// write runs inline, so it is cut off after the mirror timeout and the entry
// is dropped.
func (d *Dispatcher) mirror(h bus.Handle, kind, address, action string, code int, message string) {
	if d.registry == nil || !d.registry.IsDebug() {
		return
	}
	entry := &trace.Entry{
		BusID:     h.ID(),
		Kind:      kind,
		Address:   address,
		Action:    action,
		Code:      code,
		Message:   message,
		Timestamp: d.clock.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.mirrorTimeout)
	defer cancel()
	if err := d.sink.Record(ctx, entry); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to mirror %s on %s: %v", logPrefix, kind, address, err))
	}
}

// stamp sets the current access token on msg.
func (d *Dispatcher) stamp(msg *bus.Message) {
	msg.AccessToken = d.tokens.Get()
}
