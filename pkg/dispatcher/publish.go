package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/trace"
)

const publishLogPrefix = "dispatcher:publish"

// Publish stamps msg and broadcasts it to address once h is open. There is
// no reply and no retry.
func (d *Dispatcher) Publish(h bus.Handle, address string, msg *bus.Message) error {
	if h == nil {
		return ErrNilBus
	}
	if msg == nil {
		return ErrNilMessage
	}
	slog.Debug(fmt.Sprintf("%s - bus=%s address=%s action=%s", publishLogPrefix, h.ID(), address, msg.Action))

	return d.whenOpen(h, address, func() error {
		d.stamp(msg)
		d.mirror(h, trace.KindPublish, address, msg.Action, 0, "")
		d.metrics.publish(h.ID())
		return h.Publish(address, msg)
	})
}

// RegisterHandler subscribes handler to address once h is open.
func (d *Dispatcher) RegisterHandler(h bus.Handle, address string, handler *bus.Handler) error {
	if h == nil {
		return ErrNilBus
	}
	if handler == nil || handler.Func == nil {
		return fmt.Errorf("%s - handler for %s is nil", publishLogPrefix, address)
	}
	wrapped := &bus.Handler{
		ID: handler.ID,
		Func: func(addr string, body json.RawMessage) {
			d.mirror(h, trace.KindEvent, addr, "", 0, "")
			handler.Func(addr, body)
		},
	}
	return d.whenOpen(h, address, func() error {
		d.mirror(h, trace.KindRegister, address, "", 0, "")
		return h.RegisterHandler(address, wrapped)
	})
}

// UnregisterHandler removes handler from address once h is open.
func (d *Dispatcher) UnregisterHandler(h bus.Handle, address string, handler *bus.Handler) error {
	if h == nil {
		return ErrNilBus
	}
	if handler == nil {
		return fmt.Errorf("%s - handler for %s is nil", publishLogPrefix, address)
	}
	return d.whenOpen(h, address, func() error {
		d.mirror(h, trace.KindUnregister, address, "", 0, "")
		return h.UnregisterHandler(address, handler)
	})
}
