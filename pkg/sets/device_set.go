package sets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/commsutil"
	"github.com/morezero/kiwibus/pkg/dispatcher"
)

const deviceSetLogPrefix = "sets:device_set"

// Live event types.
const (
	EventCreate = "CREATE"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// DeviceEvent is a change pushed to a live device set.
type DeviceEvent struct {
	Type  string  `json:"type"`
	Value *Device `json:"value"`
}

// DeviceSetResult is one page of devices.
type DeviceSetResult = Result[*Device]

// DeviceSet queries the device hub.
type DeviceSet struct {
	client *Client
	query
	compact bool
	tags    *TagSet
	live    bool
	onEvent func(DeviceEvent)

	mu      sync.Mutex
	result  *DeviceSetResult
	handler *bus.Handler
	address string
}

// Devices starts a device query.
func (c *Client) Devices() *DeviceSet {
	return &DeviceSet{client: c}
}

// Filter restricts the set, e.g. {"deviceClass": "meter"}.
func (s *DeviceSet) Filter(filter map[string]interface{}) *DeviceSet {
	s.setFilter(filter)
	return s
}

// Projection selects the returned fields.
func (s *DeviceSet) Projection(projection map[string]interface{}) *DeviceSet {
	s.mergeProjection(projection)
	return s
}

// Sort appends a sort key.
func (s *DeviceSet) Sort(field, direction string) *DeviceSet {
	s.addSort(field, direction)
	return s
}

// Paginate selects one page.
func (s *DeviceSet) Paginate(offset, limit int) *DeviceSet {
	s.paginate(offset, limit)
	return s
}

// Compact asks for the compact response form.
func (s *DeviceSet) Compact(compact bool) *DeviceSet {
	s.compact = compact
	return s
}

// Tags projects the tag values of ts.
func (s *DeviceSet) Tags(ts *TagSet) *DeviceSet {
	s.tags = ts
	if p := ts.Projection(); p != nil {
		s.mergeProjection(p)
	}
	return s
}

// Live keeps the result current through change events after Query.
func (s *DeviceSet) Live(live bool) *DeviceSet {
	s.live = live
	return s
}

// OnEvent is called after every live event has been applied.
func (s *DeviceSet) OnEvent(fn func(DeviceEvent)) *DeviceSet {
	s.onEvent = fn
	return s
}

func (s *DeviceSet) params() map[string]interface{} {
	p := s.query.params()
	if s.compact {
		p["compact"] = true
	}
	if s.tags != nil {
		if rates := s.tags.SampleRates(); len(rates) > 0 {
			p["sampleRates"] = rates
		}
	}
	return p
}

// Query runs the request. For live sets a private handler is registered
// first and its address is passed to the device hub.
func (s *DeviceSet) Query(ctx context.Context) (*DeviceSetResult, error) {
	params := s.params()

	if s.live {
		address, err := s.listen()
		if err != nil {
			return nil, err
		}
		params["live"] = true
		params["liveAddress"] = address
	}

	res, err := run[*Device](ctx, s.client, commsutil.AddressDeviceHub, ActionGetDevices, params)
	if err != nil {
		return nil, err
	}
	for _, d := range res.Items {
		d.client = s.client
	}

	s.mu.Lock()
	s.result = res
	snap := s.snapshot()
	s.mu.Unlock()
	return snap, nil
}

func (s *DeviceSet) listen() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return s.address, nil
	}

	handler := dispatcher.NewHandler(func(_ string, body json.RawMessage) {
		var ev DeviceEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable device event: %v", deviceSetLogPrefix, err))
			return
		}
		s.ApplyEvent(ev)
	})
	address := commsutil.BuildClientAddress(commsutil.AddressDeviceHub, handler.ID)
	if err := s.client.dispatcher.RegisterHandler(s.client.bus, address, handler); err != nil {
		return "", fmt.Errorf("%s - failed to register live handler: %w", deviceSetLogPrefix, err)
	}
	s.handler = handler
	s.address = address
	return address, nil
}

// Result returns a copy of the last query result, kept current for live
// sets. Later events never change a returned copy.
func (s *DeviceSet) Result() *DeviceSetResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// snapshot deep-copies the cached page. Caller holds s.mu.
func (s *DeviceSet) snapshot() *DeviceSetResult {
	if s.result == nil {
		return nil
	}
	snap := *s.result
	snap.Items = make([]*Device, len(s.result.Items))
	for i, d := range s.result.Items {
		snap.Items[i] = d.clone()
	}
	return &snap
}

// ApplyEvent merges a change into the cached result: CREATE appends,
// UPDATE merges into the device with the same guid, DELETE removes it.
func (s *DeviceSet) ApplyEvent(ev DeviceEvent) {
	if ev.Value == nil || ev.Value.GUID == "" {
		return
	}
	s.mu.Lock()
	if s.result == nil {
		s.result = &DeviceSetResult{}
	}
	idx := -1
	for i, d := range s.result.Items {
		if d.GUID == ev.Value.GUID {
			idx = i
			break
		}
	}

	switch ev.Type {
	case EventCreate:
		if idx < 0 {
			ev.Value.client = s.client
			s.result.Items = append(s.result.Items, ev.Value.clone())
			s.result.Total++
		}
	case EventUpdate:
		if idx >= 0 {
			s.result.Items[idx].merge(ev.Value)
		}
	case EventDelete:
		if idx >= 0 {
			s.result.Items = append(s.result.Items[:idx], s.result.Items[idx+1:]...)
			if s.result.Total > 0 {
				s.result.Total--
			}
		}
	default:
		s.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - ignoring device event %q", deviceSetLogPrefix, ev.Type))
		return
	}
	fn := s.onEvent
	s.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// Close unregisters the live handler. It is safe to call on non-live sets.
func (s *DeviceSet) Close() error {
	s.mu.Lock()
	handler, address := s.handler, s.address
	s.handler, s.address = nil, ""
	s.mu.Unlock()

	if handler == nil {
		return nil
	}
	return s.client.dispatcher.UnregisterHandler(s.client.bus, address, handler)
}
