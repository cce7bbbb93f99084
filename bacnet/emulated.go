package bacnet

import (
	"fmt"
	"sync"
	"time"
)

// EmulatedTransport looks like a real BACnet transport but serves values from
// memory. It is used for local development and tests: per-object values,
// response latency and silent (non-responding) devices are all configurable.
type EmulatedTransport struct {
	mu sync.Mutex

	values  map[emulatedKey]interface{}
	silent  map[uint32]bool // devices that never answer
	latency time.Duration
	closed  bool

	// silentWait bounds how long a "silent" device blocks a request; in the
	// real world the caller's timeout fires long before this.
	silentWait time.Duration
}

type emulatedKey struct {
	device uint32
	req    PropertyRequest
}

func NewEmulatedTransport() *EmulatedTransport {
	return &EmulatedTransport{
		values:     make(map[emulatedKey]interface{}),
		silent:     make(map[uint32]bool),
		silentWait: time.Minute,
	}
}

// SetValue sets the value served for one property of one device.
func (t *EmulatedTransport) SetValue(device uint32, req PropertyRequest, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[emulatedKey{device: device, req: req}] = value
}

// SetSilent marks a device as non-responding: requests to it block until the
// caller's timeout fires.
func (t *EmulatedTransport) SetSilent(device uint32, silent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent[device] = silent
}

// SetLatency adds a fixed delay to every response.
func (t *EmulatedTransport) SetLatency(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = latency
}

func (t *EmulatedTransport) ReadProperty(addr Address, req PropertyRequest) (interface{}, error) {
	if err := t.delay(addr.Device); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.values[emulatedKey{device: addr.Device, req: req}]
	if !ok {
		return nil, fmt.Errorf("device %d has no object %d/%d property %d", addr.Device, req.ObjectType, req.ObjectInstance, req.Property)
	}
	return value, nil
}

func (t *EmulatedTransport) ReadPropertyMultiple(addr Address, reqs []PropertyRequest) ([]interface{}, error) {
	if err := t.delay(addr.Device); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	values := make([]interface{}, len(reqs))
	for i, req := range reqs {
		value, ok := t.values[emulatedKey{device: addr.Device, req: req}]
		if !ok {
			return nil, fmt.Errorf("device %d has no object %d/%d property %d", addr.Device, req.ObjectType, req.ObjectInstance, req.Property)
		}
		values[i] = value
	}
	return values, nil
}

func (t *EmulatedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// delay simulates the device's response behaviour for one request.
func (t *EmulatedTransport) delay(device uint32) error {
	t.mu.Lock()
	closed := t.closed
	silent := t.silent[device]
	latency := t.latency
	wait := t.silentWait
	t.mu.Unlock()

	if closed {
		return fmt.Errorf("transport is closed")
	}
	if silent {
		time.Sleep(wait)
		return fmt.Errorf("device %d did not respond", device)
	}
	if latency > 0 {
		time.Sleep(latency)
	}
	return nil
}
