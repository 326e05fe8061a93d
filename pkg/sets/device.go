package sets

import (
	"context"
	"errors"
	"fmt"

	"github.com/morezero/kiwibus/pkg/commsutil"
)

// Device service actions.
const (
	ActionGetDevices   = "getDevices"
	ActionCreateDevice = "createDevice"
	ActionUpdateDevice = "updateDevice"
	ActionDeleteDevice = "deleteDevice"
)

// TagValue is the current value of one device tag.
type TagValue struct {
	Value     interface{} `json:"value"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Device is one entry of the device hub. Devices returned by a query or
// created through Client.Device are bound to that client.
type Device struct {
	GUID        string                 `json:"guid"`
	DeviceClass string                 `json:"deviceClass,omitempty"`
	Parent      string                 `json:"parent,omitempty"`
	TagValues   map[string]TagValue    `json:"tagValues,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`

	client *Client
}

// ErrUnboundDevice is returned by Device operations on a device without a client.
var ErrUnboundDevice = errors.New("sets: device is not bound to a client")

// Device binds d to c so that Create, Update and Delete can be called on it.
func (c *Client) Device(d *Device) *Device {
	d.client = c
	return d
}

// Create stores the device and refreshes it with the stored copy.
func (d *Device) Create(ctx context.Context) error {
	if d.client == nil {
		return ErrUnboundDevice
	}
	var created Device
	if err := d.client.call(ctx, commsutil.AddressDeviceHub, ActionCreateDevice, nil, d, &created); err != nil {
		return err
	}
	d.merge(&created)
	return nil
}

// Update replaces the stored device with d.
func (d *Device) Update(ctx context.Context) error {
	if d.client == nil {
		return ErrUnboundDevice
	}
	if d.GUID == "" {
		return fmt.Errorf("%s - update requires a device guid", logPrefix)
	}
	var updated Device
	params := map[string]interface{}{"guid": d.GUID}
	if err := d.client.call(ctx, commsutil.AddressDeviceHub, ActionUpdateDevice, params, d, &updated); err != nil {
		return err
	}
	d.merge(&updated)
	return nil
}

// Delete removes the device.
func (d *Device) Delete(ctx context.Context) error {
	if d.client == nil {
		return ErrUnboundDevice
	}
	if d.GUID == "" {
		return fmt.Errorf("%s - delete requires a device guid", logPrefix)
	}
	return d.client.call(ctx, commsutil.AddressDeviceHub, ActionDeleteDevice, map[string]interface{}{"guid": d.GUID}, nil, nil)
}

// merge copies the non-empty fields of other into d.
// clone copies d along with its maps.
func (d *Device) clone() *Device {
	c := *d
	if d.TagValues != nil {
		c.TagValues = make(map[string]TagValue, len(d.TagValues))
		for k, v := range d.TagValues {
			c.TagValues[k] = v
		}
	}
	if d.Properties != nil {
		c.Properties = make(map[string]interface{}, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

func (d *Device) merge(other *Device) {
	if other.GUID != "" {
		d.GUID = other.GUID
	}
	if other.DeviceClass != "" {
		d.DeviceClass = other.DeviceClass
	}
	if other.Parent != "" {
		d.Parent = other.Parent
	}
	if other.TagValues != nil {
		if d.TagValues == nil {
			d.TagValues = make(map[string]TagValue, len(other.TagValues))
		}
		for k, v := range other.TagValues {
			d.TagValues[k] = v
		}
	}
	if other.Properties != nil {
		if d.Properties == nil {
			d.Properties = make(map[string]interface{}, len(other.Properties))
		}
		for k, v := range other.Properties {
			d.Properties[k] = v
		}
	}
}
