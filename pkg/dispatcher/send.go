package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/trace"
)

const sendLogPrefix = "dispatcher:send"

// Send transmits msg to address on h.
//
// Without a handler the message is sent fire-and-forget once the bus is open.
// With a handler, Send waits up to the handle's RequestTimeout for the bus to
// open; if it does not, handler receives a 408 reply and nothing is
// transmitted. If the bus is already open the transport is called before Send
// returns. A 419 reply triggers one token refresh and a retry; the handler
// never sees that 419. All failures after Send returns are delivered through
// the handler.
func (d *Dispatcher) Send(h bus.Handle, address string, msg *bus.Message, handler ReplyHandler) error {
	if h == nil {
		return ErrNilBus
	}
	if msg == nil {
		return ErrNilMessage
	}
	slog.Debug(fmt.Sprintf("%s - bus=%s address=%s action=%s", sendLogPrefix, h.ID(), address, msg.Action))

	if handler == nil {
		return d.whenOpen(h, address, func() error {
			d.stamp(msg)
			d.mirror(h, trace.KindSend, address, msg.Action, 0, "")
			return h.Send(context.Background(), address, msg, nil)
		})
	}

	d.send(h, address, msg, handler, 0)
	return nil
}

// Request sends msg and waits for its reply or for ctx to end.
func (d *Dispatcher) Request(ctx context.Context, h bus.Handle, address string, msg *bus.Message) (*bus.Reply, error) {
	replies := make(chan *bus.Reply, 1)
	if err := d.Send(h, address, msg, func(r *bus.Reply) { replies <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s - waiting for reply from %s: %w", sendLogPrefix, address, ctx.Err())
	}
}

// send runs one attempt of a replied request.
func (d *Dispatcher) send(h bus.Handle, address string, msg *bus.Message, handler ReplyHandler, attempt int) {
	opts := h.Options()
	d.waitOpen(h, opts.RequestTimeout,
		func() { d.transmit(h, address, msg, handler, attempt) },
		func() {
			slog.Warn(fmt.Sprintf("%s - bus %s did not open within %s, dropping %s to %s",
				sendLogPrefix, h.ID(), opts.RequestTimeout, msg.Action, address))
			d.metrics.openWaitTimeout(h.ID())
			d.deliver(h, address, handler, bus.NewTimeoutReply())
		},
	)
}

// waitOpen runs success once h is OPEN, or failure once timeout elapses,
// whichever comes first. Exactly one of the two runs. When h is already OPEN
// success runs inline and no timer is created.
func (d *Dispatcher) waitOpen(h bus.Handle, timeout time.Duration, success, failure func()) {
	if h.ReadyState() == bus.StateOpen {
		success()
		return
	}

	var (
		once   sync.Once
		mu     sync.Mutex
		cancel func()
	)
	timer := d.clock.AfterFunc(timeout, func() {
		once.Do(func() {
			mu.Lock()
			c := cancel
			mu.Unlock()
			if c != nil {
				c()
			}
			failure()
		})
	})
	c := h.OnOpen(func() {
		once.Do(func() {
			timer.Stop()
			success()
		})
	})
	mu.Lock()
	cancel = c
	mu.Unlock()
}

// whenOpen runs fn once h is OPEN, without a timeout. The error of an inline
// run is returned; errors of deferred runs are logged.
func (d *Dispatcher) whenOpen(h bus.Handle, address string, fn func() error) error {
	if h.ReadyState() == bus.StateOpen {
		return fn()
	}
	h.OnOpen(func() {
		if err := fn(); err != nil {
			slog.Warn(fmt.Sprintf("%s - deferred operation on %s/%s failed: %v", sendLogPrefix, h.ID(), address, err))
		}
	})
	return nil
}

// transmit stamps msg and hands it to the transport with an intercepting reply func.
func (d *Dispatcher) transmit(h bus.Handle, address string, msg *bus.Message, handler ReplyHandler, attempt int) {
	d.stamp(msg)
	d.mirror(h, trace.KindSend, address, msg.Action, 0, "")

	ctx, cancel := context.WithTimeout(context.Background(), h.Options().ReplyTimeout)
	var once sync.Once
	err := h.Send(ctx, address, msg, func(data json.RawMessage, err error) {
		once.Do(func() {
			cancel()
			d.intercept(h, address, msg, handler, attempt, toReply(data, err))
		})
	})
	if err != nil {
		cancel()
		slog.Warn(fmt.Sprintf("%s - transport send to %s/%s failed: %v", sendLogPrefix, h.ID(), address, err))
		d.deliver(h, address, handler, bus.NewErrorReply(bus.CodeServiceUnavailable, err))
	}
}

// intercept handles an expired-token reply; everything else goes to the handler.
func (d *Dispatcher) intercept(h bus.Handle, address string, msg *bus.Message, handler ReplyHandler, attempt int, reply *bus.Reply) {
	if reply.Code != bus.CodeAuthenticationTimeout {
		d.deliver(h, address, handler, reply)
		return
	}
	if attempt >= d.maxAuthRetries {
		slog.Warn(fmt.Sprintf("%s - %s rejected the refreshed token for %s", sendLogPrefix, address, msg.Action))
		d.deliver(h, address, handler, reply)
		return
	}

	slog.Info(fmt.Sprintf("%s - Access token expired on %s/%s, refreshing", sendLogPrefix, h.ID(), address))
	d.mirror(h, trace.KindReply, address, msg.Action, reply.Code, reply.Message)

	resp, err := d.tokens.Refresh(context.Background())
	if err == nil && (resp == nil || resp.Data.AccessToken == "") {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		d.metrics.refresh("failed")
		d.metrics.reauthTriggered()
		d.reauth(fmt.Errorf("%s - token refresh failed: %w", sendLogPrefix, err))
		return
	}

	d.metrics.refresh("ok")
	d.tokens.Set(resp.Data.AccessToken)
	d.send(h, address, msg, handler, attempt+1)
}

// deliver mirrors and hands a final reply to the caller.
func (d *Dispatcher) deliver(h bus.Handle, address string, handler ReplyHandler, reply *bus.Reply) {
	d.metrics.request(h.ID(), reply.Code)
	d.mirror(h, trace.KindReply, address, "", reply.Code, reply.Message)
	handler(reply)
}

// toReply converts a raw transport reply into a Reply.
func toReply(data json.RawMessage, err error) *bus.Reply {
	if err != nil {
		if errors.Is(err, bus.ErrReplyTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return bus.NewTimeoutReply()
		}
		return bus.NewErrorReply(bus.CodeServiceUnavailable, err)
	}
	var r bus.Reply
	if uerr := json.Unmarshal(data, &r); uerr != nil {
		return bus.NewErrorReply(bus.CodeInternalServerError, fmt.Errorf("undecodable reply: %w", uerr))
	}
	return &r
}
