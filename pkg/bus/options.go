package bus

import (
	"fmt"
	"time"
)

const optionsLogPrefix = "bus:options"

// Options configures a bus handle.
type Options struct {
	// ID names the handle in the registry.
	ID string
	// URL is the transport endpoint (nats://... or ws://...).
	URL string
	// Reconnect enables the automatic reconnect loop after the connection closes.
	Reconnect bool
	// ReconnectTimeout is the wait between a close and the next connect attempt.
	ReconnectTimeout time.Duration
	// AutoConnect dials during construction instead of on an explicit Connect.
	AutoConnect bool
	// AutoUnregister removes every registered handler when the handle is closed.
	AutoUnregister bool
	// RequestTimeout bounds how long a replied send waits for the bus to open.
	RequestTimeout time.Duration
	// ReplyTimeout bounds the round trip once a request has been transmitted.
	ReplyTimeout time.Duration
}

// Option overrides a single field of Options.
type Option func(*Options)

// DefaultOptions returns the handle defaults.
func DefaultOptions() Options {
	return Options{
		ID:               DefaultID,
		Reconnect:        true,
		ReconnectTimeout: 5 * time.Second,
		AutoConnect:      false,
		AutoUnregister:   true,
		RequestTimeout:   10 * time.Second,
		ReplyTimeout:     30 * time.Second,
	}
}

// NewOptions applies overrides on top of DefaultOptions.
func NewOptions(overrides ...Option) Options {
	o := DefaultOptions()
	for _, apply := range overrides {
		if apply != nil {
			apply(&o)
		}
	}
	return o
}

// Validate reports configuration mistakes.
func (o Options) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%s - bus id is required", optionsLogPrefix)
	}
	if o.URL == "" {
		return fmt.Errorf("%s - bus %s: url is required", optionsLogPrefix, o.ID)
	}
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("%s - bus %s: request timeout must be positive", optionsLogPrefix, o.ID)
	}
	if o.ReplyTimeout <= 0 {
		return fmt.Errorf("%s - bus %s: reply timeout must be positive", optionsLogPrefix, o.ID)
	}
	if o.Reconnect && o.ReconnectTimeout <= 0 {
		return fmt.Errorf("%s - bus %s: reconnect timeout must be positive", optionsLogPrefix, o.ID)
	}
	return nil
}

// WithID sets the handle id used as the registry key.
func WithID(id string) Option { return func(o *Options) { o.ID = id } }

// WithURL sets the bus endpoint.
func WithURL(url string) Option { return func(o *Options) { o.URL = url } }

// WithReconnect toggles redialing after a dropped connection.
func WithReconnect(enabled bool) Option { return func(o *Options) { o.Reconnect = enabled } }

// WithReconnectTimeout sets the delay between redial attempts.
func WithReconnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReconnectTimeout = d }
}

// WithAutoConnect dials during construction.
func WithAutoConnect(enabled bool) Option { return func(o *Options) { o.AutoConnect = enabled } }

// WithAutoUnregister drops every handler on Close.
func WithAutoUnregister(enabled bool) Option {
	return func(o *Options) { o.AutoUnregister = enabled }
}

// WithRequestTimeout bounds the wait for the bus to open.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

// WithReplyTimeout bounds the request round trip.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Options) { o.ReplyTimeout = d }
}
