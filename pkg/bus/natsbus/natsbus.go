// Package natsbus implements bus.Handle over a NATS connection.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/commsutil"
)

const logPrefix = "natsbus:handle"

// Handle is a bus.Handle backed by a NATS connection. Addresses map onto
// subjects through commsutil.ToSubject.
type Handle struct {
	opts     bus.Options
	notifier *bus.Notifier

	mu     sync.Mutex
	nc     *comms.Conn
	subs   map[string]map[string]*comms.Subscription
	closed bool
}

var _ bus.Handle = (*Handle)(nil)

// New validates opts and creates a handle. With AutoConnect the connection
// is dialed before New returns.
func New(opts bus.Options) (*Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid options: %w", logPrefix, err)
	}
	h := &Handle{
		opts:     opts,
		notifier: bus.NewNotifier(bus.StateClosed),
		subs:     make(map[string]map[string]*comms.Subscription),
	}
	if opts.AutoConnect {
		if err := h.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Connect dials the server. When the first attempt fails and Reconnect is
// set the handle stays CONNECTING and keeps retrying in the background.
func (h *Handle) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return bus.ErrClosed
	}
	if h.nc != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.notifier.SetState(bus.StateConnecting)
	nc, err := commsutil.ConnectWithOptions(h.opts.URL, commsutil.ConnectOptions{
		Name:                 h.opts.ID,
		Reconnect:            h.opts.Reconnect,
		ReconnectWait:        h.opts.ReconnectTimeout,
		RetryOnFailedConnect: h.opts.Reconnect,
		OnConnect:            h.sync,
		OnDisconnect:         h.sync,
		NoReconnect:          !h.opts.Reconnect,
		OnClosed:             h.dropped,
	})
	if err != nil {
		h.notifier.SetState(bus.StateClosed)
		return err
	}

	h.mu.Lock()
	h.nc = nc
	h.mu.Unlock()
	h.sync(nc)
	return nil
}

// dropped runs once the connection is closed for good. A handle that was not
// closed by its owner forgets the connection so Connect can dial again.
func (h *Handle) dropped(nc *comms.Conn) {
	h.mu.Lock()
	if h.nc == nc {
		h.nc = nil
		if !h.closed {
			h.subs = make(map[string]map[string]*comms.Subscription)
		}
	}
	h.mu.Unlock()
	h.notifier.SetState(bus.StateClosed)
}

// sync aligns the notifier with the connection status. CLOSED is left to
// dropped, which also releases the connection.
func (h *Handle) sync(nc *comms.Conn) {
	if s := StateOf(nc.Status()); s != bus.StateClosed {
		h.notifier.SetState(s)
	}
}

// StateOf maps a NATS connection status onto a bus ready state.
func StateOf(s comms.Status) bus.State {
	switch s {
	case comms.CONNECTED:
		return bus.StateOpen
	case comms.CONNECTING, comms.RECONNECTING:
		return bus.StateConnecting
	case comms.DRAINING_SUBS, comms.DRAINING_PUBS:
		return bus.StateClosing
	default:
		return bus.StateClosed
	}
}

func (h *Handle) ID() string { return h.opts.ID }

func (h *Handle) Options() bus.Options { return h.opts }

func (h *Handle) ReadyState() bus.State { return h.notifier.State() }

func (h *Handle) OnOpen(fn func()) func() { return h.notifier.OnOpen(fn) }

func (h *Handle) conn() (*comms.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, bus.ErrClosed
	}
	if h.nc == nil {
		return nil, bus.ErrNotOpen
	}
	return h.nc, nil
}

// Send publishes body to address. With a reply func the request runs on its
// own goroutine and reply is called with the response or the failure.
func (h *Handle) Send(ctx context.Context, address string, body interface{}, reply bus.ReplyFunc) error {
	nc, err := h.conn()
	if err != nil {
		return err
	}
	data, err := commsutil.EncodePayload(body)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message for %s: %w", logPrefix, address, err)
	}
	subject := commsutil.ToSubject(address)

	if reply == nil {
		if err := nc.Publish(subject, data); err != nil {
			return fmt.Errorf("%s - failed to send to %s: %w", logPrefix, address, err)
		}
		return nil
	}

	go func() {
		msg, err := nc.RequestWithContext(ctx, subject, data)
		if err != nil {
			if errors.Is(err, comms.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				err = bus.ErrReplyTimeout
			}
			reply(nil, err)
			return
		}
		reply(msg.Data, nil)
	}()
	return nil
}

// Publish broadcasts body to every subscriber of address.
func (h *Handle) Publish(address string, body interface{}) error {
	nc, err := h.conn()
	if err != nil {
		return err
	}
	data, err := commsutil.EncodePayload(body)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message for %s: %w", logPrefix, address, err)
	}
	if err := nc.Publish(commsutil.ToSubject(address), data); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, address, err)
	}
	return nil
}

// RegisterHandler subscribes handler to address. Registering the same
// handler id twice replaces the earlier subscription.
func (h *Handle) RegisterHandler(address string, handler *bus.Handler) error {
	nc, err := h.conn()
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(commsutil.ToSubject(address), func(m *comms.Msg) {
		handler.Func(address, m.Data)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, address, err)
	}

	h.mu.Lock()
	if h.subs[address] == nil {
		h.subs[address] = make(map[string]*comms.Subscription)
	}
	prev := h.subs[address][handler.ID]
	h.subs[address][handler.ID] = sub
	h.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	slog.Debug(fmt.Sprintf("%s - Registered handler %s on %s", logPrefix, handler.ID, address))
	return nil
}

// UnregisterHandler drops the subscription made for handler. Unknown
// handlers are ignored.
func (h *Handle) UnregisterHandler(address string, handler *bus.Handler) error {
	h.mu.Lock()
	sub := h.subs[address][handler.ID]
	delete(h.subs[address], handler.ID)
	if len(h.subs[address]) == 0 {
		delete(h.subs, address)
	}
	h.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
		return fmt.Errorf("%s - failed to unsubscribe from %s: %w", logPrefix, address, err)
	}
	return nil
}

// Handlers returns the number of live subscriptions on address.
func (h *Handle) Handlers(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[address])
}

// Close unsubscribes every handler when AutoUnregister is set and closes the
// connection. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	nc := h.nc
	subs := h.subs
	h.subs = make(map[string]map[string]*comms.Subscription)
	h.mu.Unlock()

	h.notifier.SetState(bus.StateClosing)
	if h.opts.AutoUnregister {
		for address, byID := range subs {
			for id, sub := range byID {
				if err := sub.Unsubscribe(); err != nil {
					slog.Warn(fmt.Sprintf("%s - failed to unregister %s on %s: %v", logPrefix, id, address, err))
				}
			}
		}
	}
	if nc != nil {
		nc.Close()
	}
	h.notifier.SetState(bus.StateClosed)
	slog.Info(fmt.Sprintf("%s - Bus %s closed", logPrefix, h.opts.ID))
	return nil
}
