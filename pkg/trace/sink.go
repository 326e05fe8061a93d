package trace

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
)

const logPrefix = "trace:sink"

// Sink receives mirrored bus traffic while debug mode is enabled.
type Sink interface {
	Record(ctx context.Context, entry *Entry) error
}

// NoOpSink is a Sink that does nothing.
type NoOpSink struct{}

// Record is a no-op.
func (s *NoOpSink) Record(_ context.Context, _ *Entry) error {
	return nil
}

// CallbackSink is a Sink that calls a callback function (for testing).
type CallbackSink struct {
	callback func(ctx context.Context, entry *Entry) error
}

// NewCallbackSink creates a new CallbackSink.
func NewCallbackSink(cb func(ctx context.Context, entry *Entry) error) *CallbackSink {
	return &CallbackSink{callback: cb}
}

// Record calls the callback.
func (s *CallbackSink) Record(ctx context.Context, entry *Entry) error {
	return s.callback(ctx, entry)
}

// LogSink writes entries to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record logs the entry.
func (s *LogSink) Record(ctx context.Context, entry *Entry) error {
	s.logger.DebugContext(ctx, fmt.Sprintf("%s - %s %s", logPrefix, entry.Kind, entry.Address),
		slog.String("bus", entry.BusID),
		slog.String("action", entry.Action),
		slog.Int("code", entry.Code),
		slog.String("message", entry.Message),
	)
	return nil
}

// Store persists trace entries.
type Store interface {
	InsertTrace(ctx context.Context, entry *Entry) error
}

// StoreSink writes entries to a Store.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

// Record persists the entry.
func (s *StoreSink) Record(ctx context.Context, entry *Entry) error {
	if err := s.store.InsertTrace(ctx, entry); err != nil {
		return fmt.Errorf("%s - failed to store %s entry for %s: %w", logPrefix, entry.Kind, entry.Address, err)
	}
	return nil
}

// MultiSink fans an entry out to several sinks.
type MultiSink []Sink

// Record writes the entry to every sink and combines their errors.
func (m MultiSink) Record(ctx context.Context, entry *Entry) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, entry))
	}
	return err
}
