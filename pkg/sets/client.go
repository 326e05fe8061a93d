// Package sets provides query builders for the backend's entity services
// (devices, users, applications) on top of the dispatcher.
package sets

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/dispatcher"
)

const logPrefix = "sets:client"

// Error is a non-200 reply from an entity service.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sets: service replied %d", e.Code)
	}
	return fmt.Sprintf("sets: service replied %d: %s", e.Code, e.Message)
}

// Client binds a dispatcher to one bus handle.
type Client struct {
	dispatcher *dispatcher.Dispatcher
	bus        bus.Handle
}

// NewClient creates a Client.
func NewClient(d *dispatcher.Dispatcher, h bus.Handle) *Client {
	return &Client{dispatcher: d, bus: h}
}

// call sends one request and decodes a 200 result into out (when non-nil).
func (c *Client) call(ctx context.Context, address, action string, params map[string]interface{}, body interface{}, out interface{}) error {
	slog.Debug(fmt.Sprintf("%s - %s/%s", logPrefix, address, action))

	reply, err := c.dispatcher.Request(ctx, c.bus, address, &bus.Message{
		Action: action,
		Params: params,
		Body:   body,
	})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &Error{Code: reply.Code, Message: reply.Message}
	}
	if out == nil || len(reply.Result) == 0 {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return fmt.Errorf("%s - failed to decode %s result: %w", logPrefix, action, err)
	}
	return nil
}
