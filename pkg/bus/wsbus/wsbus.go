// Package wsbus implements bus.Handle over a WebSocket event-bus bridge.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/commsutil"
)

const logPrefix = "wsbus:handle"

const (
	// Time allowed to write a frame to the bridge.
	writeWait = 10 * time.Second

	// DefaultPingInterval is the period of bridge ping frames.
	DefaultPingInterval = 5 * time.Second
)

// Params holds parameters for New.
type Params struct {
	// Clock drives the ping and reconnect timers. Defaults to the wall clock.
	Clock clock.Clock
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request.
	Header http.Header
	// PingInterval overrides DefaultPingInterval.
	PingInterval time.Duration
}

// Handle is a bus.Handle over one bridge socket. It redials after the
// socket drops when Reconnect is set.
type Handle struct {
	opts     bus.Options
	notifier *bus.Notifier
	clock    clock.Clock
	dialer   *websocket.Dialer
	header   http.Header
	ping     time.Duration

	writeLock sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	pinger   *clock.Timer
	redial   *clock.Timer
	pending  map[string]*pendingReply
	handlers map[string]map[string]*bus.Handler
	closed   bool
}

var _ bus.Handle = (*Handle)(nil)

// New validates opts and creates a handle. With AutoConnect the socket is
// dialed before New returns.
func New(opts bus.Options, params Params) (*Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid options: %w", logPrefix, err)
	}
	h := &Handle{
		opts:     opts,
		notifier: bus.NewNotifier(bus.StateClosed),
		clock:    params.Clock,
		dialer:   params.Dialer,
		header:   params.Header,
		ping:     params.PingInterval,
		pending:  make(map[string]*pendingReply),
		handlers: make(map[string]map[string]*bus.Handler),
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.dialer == nil {
		h.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if h.ping <= 0 {
		h.ping = DefaultPingInterval
	}
	if opts.AutoConnect {
		if err := h.Connect(context.Background()); err != nil && !opts.Reconnect {
			return nil, err
		}
	}
	return h, nil
}

// Connect dials the bridge. On failure with Reconnect set a redial is
// scheduled after ReconnectTimeout and the error is still returned.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return bus.ErrClosed
	}
	if h.conn != nil {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.notifier.SetState(bus.StateConnecting)
	slog.Info(fmt.Sprintf("%s - Connecting to bridge at %s as %s", logPrefix, h.opts.URL, h.opts.ID))

	conn, resp, err := h.dialer.DialContext(ctx, h.opts.URL, h.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http status code = %d)", err, resp.StatusCode)
		}
		h.notifier.SetState(bus.StateClosed)
		h.scheduleRedial()
		return fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, h.opts.URL, err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return bus.ErrClosed
	}
	h.conn = conn
	h.pinger = h.clock.AfterFunc(h.ping, h.sendPing)
	addresses := make([]string, 0, len(h.handlers))
	for address := range h.handlers {
		addresses = append(addresses, address)
	}
	h.mu.Unlock()

	// Handlers registered before a reconnect are registered again.
	for _, address := range addresses {
		if err := h.write(conn, &Frame{Type: FrameRegister, Address: address}); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to re-register %s: %v", logPrefix, address, err))
		}
	}

	go h.readLoop(conn)
	slog.Info(fmt.Sprintf("%s - Connected to bridge at %s", logPrefix, h.opts.URL))
	h.notifier.SetState(bus.StateOpen)
	return nil
}

func (h *Handle) scheduleRedial() {
	if !h.opts.Reconnect {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.redial != nil {
		return
	}
	h.redial = h.clock.AfterFunc(h.opts.ReconnectTimeout, func() {
		h.mu.Lock()
		h.redial = nil
		h.mu.Unlock()
		if err := h.Connect(context.Background()); err != nil {
			slog.Warn(fmt.Sprintf("%s - Reconnect failed: %v", logPrefix, err))
		}
	})
}

func (h *Handle) ID() string { return h.opts.ID }

func (h *Handle) Options() bus.Options { return h.opts }

func (h *Handle) ReadyState() bus.State { return h.notifier.State() }

func (h *Handle) OnOpen(fn func()) func() { return h.notifier.OnOpen(fn) }

func (h *Handle) current() (*websocket.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, bus.ErrClosed
	}
	if h.conn == nil {
		return nil, bus.ErrNotOpen
	}
	return h.conn, nil
}

func (h *Handle) write(conn *websocket.Conn, f *Frame) error {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// Send transmits body to address. With a reply func a reply address is
// allocated and reply fires once with the response, a bridge error, or
// bus.ErrReplyTimeout when ctx ends first.
func (h *Handle) Send(ctx context.Context, address string, body interface{}, reply bus.ReplyFunc) error {
	conn, err := h.current()
	if err != nil {
		return err
	}
	raw, err := commsutil.RawPayload(body)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message for %s: %w", logPrefix, address, err)
	}
	f := &Frame{Type: FrameSend, Address: address, Body: raw}

	if reply != nil {
		f.ReplyAddress = uuid.New().String()
		p := &pendingReply{fn: reply, done: make(chan struct{})}
		h.mu.Lock()
		h.pending[f.ReplyAddress] = p
		h.mu.Unlock()

		go func() {
			select {
			case <-p.done:
			case <-ctx.Done():
				if p := h.takePending(f.ReplyAddress); p != nil {
					p.fn(nil, bus.ErrReplyTimeout)
				}
			}
		}()
	}

	if err := h.write(conn, f); err != nil {
		if f.ReplyAddress != "" {
			h.takePending(f.ReplyAddress)
		}
		return fmt.Errorf("%s - failed to send to %s: %w", logPrefix, address, err)
	}
	return nil
}

// pendingReply is an outstanding request. done is closed once it is taken.
type pendingReply struct {
	fn   bus.ReplyFunc
	done chan struct{}
}

// takePending removes and returns the request waiting on replyAddress, or nil
// when it was already answered.
func (h *Handle) takePending(replyAddress string) *pendingReply {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.pending[replyAddress]
	if p == nil {
		return nil
	}
	delete(h.pending, replyAddress)
	close(p.done)
	return p
}

// Publish broadcasts body to every handler registered on address.
func (h *Handle) Publish(address string, body interface{}) error {
	conn, err := h.current()
	if err != nil {
		return err
	}
	raw, err := commsutil.RawPayload(body)
	if err != nil {
		return fmt.Errorf("%s - failed to encode message for %s: %w", logPrefix, address, err)
	}
	if err := h.write(conn, &Frame{Type: FramePublish, Address: address, Body: raw}); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, address, err)
	}
	return nil
}

// RegisterHandler adds handler on address. The bridge is told about an
// address only when its first handler arrives.
func (h *Handle) RegisterHandler(address string, handler *bus.Handler) error {
	conn, err := h.current()
	if err != nil {
		return err
	}
	h.mu.Lock()
	first := len(h.handlers[address]) == 0
	if h.handlers[address] == nil {
		h.handlers[address] = make(map[string]*bus.Handler)
	}
	h.handlers[address][handler.ID] = handler
	h.mu.Unlock()

	if !first {
		return nil
	}
	if err := h.write(conn, &Frame{Type: FrameRegister, Address: address}); err != nil {
		return fmt.Errorf("%s - failed to register %s: %w", logPrefix, address, err)
	}
	return nil
}

// UnregisterHandler removes handler from address and tells the bridge once
// the last handler is gone.
func (h *Handle) UnregisterHandler(address string, handler *bus.Handler) error {
	h.mu.Lock()
	byID, ok := h.handlers[address]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(byID, handler.ID)
	last := len(byID) == 0
	if last {
		delete(h.handlers, address)
	}
	conn := h.conn
	h.mu.Unlock()

	if !last || conn == nil {
		return nil
	}
	if err := h.write(conn, &Frame{Type: FrameUnregister, Address: address}); err != nil {
		return fmt.Errorf("%s - failed to unregister %s: %w", logPrefix, address, err)
	}
	return nil
}

// Handlers returns the number of handlers registered on address.
func (h *Handle) Handlers(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers[address])
}

func (h *Handle) sendPing() {
	conn, err := h.current()
	if err != nil {
		return
	}
	h.mu.Lock()
	if h.conn == conn && h.pinger != nil {
		h.pinger.Reset(h.ping)
	}
	h.mu.Unlock()

	if err := h.write(conn, &Frame{Type: FramePing}); err != nil {
		slog.Warn(fmt.Sprintf("%s - ping failed: %v", logPrefix, err))
		conn.Close()
	}
}

func (h *Handle) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.dropped(conn, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - skipping frame: %v", logPrefix, err))
			continue
		}
		h.dispatch(f)
	}
}

// dispatch routes one inbound frame. Reply funcs run on their own goroutine.
// Handler deliveries stay on the read loop, in arrival order.
func (h *Handle) dispatch(f *Frame) {
	switch f.Type {
	case FrameMessage:
		if p := h.takePending(f.Address); p != nil {
			go p.fn(f.Body, nil)
			return
		}
		h.mu.Lock()
		targets := make([]*bus.Handler, 0, len(h.handlers[f.Address]))
		for _, handler := range h.handlers[f.Address] {
			targets = append(targets, handler)
		}
		h.mu.Unlock()
		for _, handler := range targets {
			handler.Func(f.Address, f.Body)
		}
	case FrameErr:
		if p := h.takePending(f.Address); p != nil {
			go p.fn(nil, f.err())
			return
		}
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, f.err()))
	default:
		slog.Debug(fmt.Sprintf("%s - ignoring %q frame", logPrefix, f.Type))
	}
}

// dropped tears down a lost socket, fails its pending replies and schedules
// a redial.
func (h *Handle) dropped(conn *websocket.Conn, cause error) {
	h.mu.Lock()
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	if h.pinger != nil {
		h.pinger.Stop()
		h.pinger = nil
	}
	pending := h.pending
	h.pending = make(map[string]*pendingReply)
	for _, p := range pending {
		close(p.done)
	}
	closed := h.closed
	h.mu.Unlock()

	conn.Close()
	if !closed {
		slog.Warn(fmt.Sprintf("%s - Bridge connection lost: %v", logPrefix, cause))
	}
	h.notifier.SetState(bus.StateClosed)
	if !closed {
		h.scheduleRedial()
	}
	for _, p := range pending {
		p.fn(nil, fmt.Errorf("%s - connection lost: %w", logPrefix, bus.ErrNotOpen))
	}
}

// Close stops reconnecting, unregisters handlers when AutoUnregister is set
// and closes the socket. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.redial != nil {
		h.redial.Stop()
		h.redial = nil
	}
	conn := h.conn
	var addresses []string
	for address := range h.handlers {
		addresses = append(addresses, address)
	}
	if h.opts.AutoUnregister {
		h.handlers = make(map[string]map[string]*bus.Handler)
	}
	h.mu.Unlock()

	if conn == nil {
		h.notifier.SetState(bus.StateClosed)
		return nil
	}

	h.notifier.SetState(bus.StateClosing)
	if h.opts.AutoUnregister {
		for _, address := range addresses {
			if err := h.write(conn, &Frame{Type: FrameUnregister, Address: address}); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to unregister %s: %v", logPrefix, address, err))
			}
		}
	}

	h.writeLock.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "ok"), time.Now().Add(writeWait))
	h.writeLock.Unlock()

	// The read loop observes the close and fails pending replies.
	h.dropped(conn, err)
	slog.Info(fmt.Sprintf("%s - Bus %s closed", logPrefix, h.opts.ID))
	return nil
}

// decodeFrame parses a raw bridge frame.
func decodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s - invalid frame: %w", logPrefix, err)
	}
	return &f, nil
}
