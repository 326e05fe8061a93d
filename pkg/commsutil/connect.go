// Package commsutil provides COMMS connection helpers, the bus payload codec
// and the well-known bus addresses.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOptions tunes Connect. The zero value connects once with the
// client's default reconnect policy.
type ConnectOptions struct {
	// Name is the client connection name.
	Name string
	// Reconnect enables unlimited reconnect attempts.
	Reconnect bool
	// NoReconnect closes the connection on the first drop. It wins over Reconnect.
	NoReconnect bool
	// ReconnectWait is the pause between reconnect attempts (default 2s).
	ReconnectWait time.Duration
	// RetryOnFailedConnect keeps dialing in the background when the first
	// connect fails instead of returning an error.
	RetryOnFailedConnect bool
	// OnConnect is called after the first successful connect and every reconnect.
	OnConnect func(nc *comms.Conn)
	// OnDisconnect is called when the connection drops.
	OnDisconnect func(nc *comms.Conn)
	// OnClosed is called once the connection is closed for good.
	OnClosed func(nc *comms.Conn)
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string) (*comms.Conn, error) {
	return ConnectWithOptions(url, ConnectOptions{Name: name})
}

// ConnectWithOptions creates a COMMS connection with lifecycle callbacks.
func ConnectWithOptions(url string, o ConnectOptions) (*comms.Conn, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, url, o.Name))

	wait := o.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	maxReconnects := 60
	if o.Reconnect {
		maxReconnects = -1
	}
	reconnect := comms.MaxReconnects(maxReconnects)
	if o.NoReconnect {
		reconnect = comms.NoReconnect()
	}

	nc, err := comms.Connect(url,
		comms.Name(o.Name),
		comms.Timeout(10*time.Second),
		comms.ReconnectWait(wait),
		reconnect,
		comms.RetryOnFailedConnect(o.RetryOnFailedConnect),
		comms.ConnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
			if o.OnConnect != nil {
				o.OnConnect(nc)
			}
		}),
		comms.DisconnectErrHandler(func(nc *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			if o.OnDisconnect != nil {
				o.OnDisconnect(nc)
			}
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			if o.OnConnect != nil {
				o.OnConnect(nc)
			}
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
			if o.OnClosed != nil {
				o.OnClosed(nc)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	return nc, nil
}
