package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/bus/bustest"
	"github.com/morezero/kiwibus/pkg/registry"
	"github.com/morezero/kiwibus/pkg/token"
	"github.com/morezero/kiwibus/pkg/trace"
)

const dispatcherTestPrefix = "dispatcher:dispatcher_test"

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestGenerateUUID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateUUID()
		if !uuidV4.MatchString(id) {
			t.Fatalf("%s - %q is not a v4 UUID", dispatcherTestPrefix, id)
		}
		if seen[id] {
			t.Fatalf("%s - duplicate UUID %q", dispatcherTestPrefix, id)
		}
		seen[id] = true
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(Params{})
	if d.Tokens() == nil {
		t.Errorf("%s - expected default token source", dispatcherTestPrefix)
	}
	if d.Registry() != nil {
		t.Errorf("%s - expected nil registry", dispatcherTestPrefix)
	}
	if d.maxAuthRetries != 1 {
		t.Errorf("%s - maxAuthRetries = %d, want 1", dispatcherTestPrefix, d.maxAuthRetries)
	}
}

func TestBus_Lookup(t *testing.T) {
	d := New(Params{})
	if _, err := d.Bus("kiwibus"); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("%s - err = %v, want ErrNoRegistry", dispatcherTestPrefix, err)
	}

	reg := registry.New()
	h := bustest.New("kiwibus", bus.StateOpen)
	reg.Add(h)
	d = New(Params{Registry: reg})

	got, err := d.Bus("kiwibus")
	if err != nil || got != h {
		t.Errorf("%s - Bus(kiwibus) = %v, %v", dispatcherTestPrefix, got, err)
	}
	if _, err := d.Bus("other"); !errors.Is(err, ErrUnknownBus) {
		t.Errorf("%s - err = %v, want ErrUnknownBus", dispatcherTestPrefix, err)
	}
}

func TestReadyStateAndClose(t *testing.T) {
	d := New(Params{})
	if d.ReadyState(nil) != bus.StateClosed {
		t.Errorf("%s - nil bus must report CLOSED", dispatcherTestPrefix)
	}
	if err := d.Close(nil); !errors.Is(err, ErrNilBus) {
		t.Errorf("%s - err = %v, want ErrNilBus", dispatcherTestPrefix, err)
	}

	h := bustest.New("kiwibus", bus.StateConnecting)
	if d.ReadyState(h) != bus.StateConnecting {
		t.Errorf("%s - ReadyState = %v, want CONNECTING", dispatcherTestPrefix, d.ReadyState(h))
	}
	if err := d.Close(h); err != nil {
		t.Fatalf("%s - unexpected error: %v", dispatcherTestPrefix, err)
	}
	if h.Closed() != 1 || d.ReadyState(h) != bus.StateClosed {
		t.Errorf("%s - Close not delegated", dispatcherTestPrefix)
	}
}

func TestDebugMirror(t *testing.T) {
	reg := registry.New()
	var mu sync.Mutex
	var entries []*trace.Entry
	sink := trace.NewCallbackSink(func(_ context.Context, e *trace.Entry) error {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
		return nil
	})
	d := New(Params{Registry: reg, Sink: sink, Tokens: &fakeTokens{}, Clock: newCountingClock()})

	h := bustest.New("kiwibus", bus.StateOpen)
	h.Respond = func(string, json.RawMessage) (json.RawMessage, error) {
		return replyJSON(200, ""), nil
	}

	// Debug off: nothing mirrored.
	rec := newReplyRecorder()
	d.Send(h, "devicehub2", &bus.Message{Action: "getDevices"}, rec.handle)
	rec.wait(t)
	if len(entries) != 0 {
		t.Fatalf("%s - mirrored %d entries with debug off", dispatcherTestPrefix, len(entries))
	}

	reg.EnableDebug()
	d.Send(h, "devicehub2", &bus.Message{Action: "getDevices"}, rec.handle)
	rec.wait(t)
	d.Publish(h, "alerts", &bus.Message{Action: "alarm"})
	handler := NewHandler(func(string, json.RawMessage) {})
	d.RegisterHandler(h, "live", handler)
	h.Deliver("live", json.RawMessage(`{}`))

	mu.Lock()
	defer mu.Unlock()
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
		if e.BusID != "kiwibus" {
			t.Errorf("%s - entry bus = %q", dispatcherTestPrefix, e.BusID)
		}
	}
	want := []string{trace.KindSend, trace.KindReply, trace.KindPublish, trace.KindRegister, trace.KindEvent}
	if len(kinds) != len(want) {
		t.Fatalf("%s - kinds = %v, want %v", dispatcherTestPrefix, kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("%s - kinds = %v, want %v", dispatcherTestPrefix, kinds, want)
			break
		}
	}
	if entries[1].Code != 200 {
		t.Errorf("%s - reply entry code = %d, want 200", dispatcherTestPrefix, entries[1].Code)
	}
}

func TestMetrics(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Fatalf("%s - NewMetrics(nil) must return nil", dispatcherTestPrefix)
	}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clk := newCountingClock()
	tokens := &fakeTokens{token: "old", refresh: func() (*token.RefreshResponse, error) {
		return nil, errors.New("down")
	}}
	reauth := make(chan struct{}, 1)
	d := New(Params{Tokens: tokens, Clock: clk, Metrics: m, Reauth: func(error) { reauth <- struct{}{} }})

	open := bustest.New("kiwibus", bus.StateOpen)
	open.Respond = func(string, json.RawMessage) (json.RawMessage, error) {
		return replyJSON(200, ""), nil
	}
	rec := newReplyRecorder()
	d.Send(open, "a", &bus.Message{Action: "x"}, rec.handle)
	rec.wait(t)
	d.Publish(open, "b", &bus.Message{Action: "y"})

	closed := bustest.New("offline", bus.StateClosed)
	d.Send(closed, "a", &bus.Message{Action: "x"}, rec.handle)
	clk.Add(closed.Options().RequestTimeout)
	rec.wait(t)

	expired := bustest.New("expired", bus.StateOpen)
	expired.Respond = func(string, json.RawMessage) (json.RawMessage, error) {
		return replyJSON(419, ""), nil
	}
	d.Send(expired, "a", &bus.Message{Action: "x"}, rec.handle)
	select {
	case <-reauth:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - reauth not called", dispatcherTestPrefix)
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("kiwibus", "200")); got != 1 {
		t.Errorf("%s - requests{200} = %v, want 1", dispatcherTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("offline", "408")); got != 1 {
		t.Errorf("%s - requests{408} = %v, want 1", dispatcherTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.openWaitTimeouts.WithLabelValues("offline")); got != 1 {
		t.Errorf("%s - open wait timeouts = %v, want 1", dispatcherTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.publishes.WithLabelValues("kiwibus")); got != 1 {
		t.Errorf("%s - publishes = %v, want 1", dispatcherTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues("failed")); got != 1 {
		t.Errorf("%s - failed refreshes = %v, want 1", dispatcherTestPrefix, got)
	}
	if got := testutil.ToFloat64(m.reauths); got != 1 {
		t.Errorf("%s - reauths = %v, want 1", dispatcherTestPrefix, got)
	}
}

func TestDebugMirror_SlowSinkIsCutOff(t *testing.T) {
	reg := registry.New()
	reg.EnableDebug()
	var mu sync.Mutex
	var cutoffs []error
	sink := trace.NewCallbackSink(func(ctx context.Context, _ *trace.Entry) error {
		<-ctx.Done()
		mu.Lock()
		cutoffs = append(cutoffs, ctx.Err())
		mu.Unlock()
		return ctx.Err()
	})
	d := New(Params{Registry: reg, Sink: sink, Tokens: &fakeTokens{}, Clock: newCountingClock(), MirrorTimeout: 20 * time.Millisecond})
	h := bustest.New("kiwibus", bus.StateOpen)

	done := make(chan error, 1)
	go func() { done <- d.Publish(h, "alerts", &bus.Message{Action: "alarm"}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s - Publish failed: %v", dispatcherTestPrefix, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - Publish stalled on a slow trace sink", dispatcherTestPrefix)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cutoffs) != 1 || !errors.Is(cutoffs[0], context.DeadlineExceeded) {
		t.Errorf("%s - sink cutoffs = %v, want one deadline", dispatcherTestPrefix, cutoffs)
	}
}

func TestNew_DefaultMirrorTimeout(t *testing.T) {
	d := New(Params{})
	if d.mirrorTimeout != DefaultMirrorTimeout {
		t.Errorf("%s - mirrorTimeout = %v, want %v", dispatcherTestPrefix, d.mirrorTimeout, DefaultMirrorTimeout)
	}
}
