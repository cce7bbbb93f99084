// Package cache holds the in-memory snapshots of meter and register
// configuration used during a collection cycle. Both caches are single-writer
// by design: only the currently-running cycle touches them, which the agent
// guarantees by never running two cycles at once.
package cache

import (
	"fmt"

	"github.com/cepro/meteragent/meter"
)

// MeterLoader loads meter configuration from storage.
type MeterLoader interface {
	Meters(activeOnly bool) ([]meter.Meter, error)
}

// MeterCache is a snapshot of the active meters. It is loaded lazily and
// cleared at the end of every collection cycle so that configuration changes
// are picked up on the next cycle.
type MeterCache struct {
	loader MeterLoader
	meters []meter.Meter
	loaded bool
}

func NewMeterCache(loader MeterLoader) *MeterCache {
	return &MeterCache{loader: loader}
}

// Get returns the cached meters, reloading from storage if the cache is
// empty or has been cleared.
func (c *MeterCache) Get() ([]meter.Meter, error) {
	if c.loaded && len(c.meters) > 0 {
		return c.meters, nil
	}

	meters, err := c.loader.Meters(true)
	if err != nil {
		return nil, fmt.Errorf("load meters: %w", err)
	}
	c.meters = meters
	c.loaded = true

	return c.meters, nil
}

// Clear discards the snapshot, forcing a reload on the next Get.
func (c *MeterCache) Clear() {
	c.meters = nil
	c.loaded = false
}

// RegisterLoader loads device register configuration from storage.
type RegisterLoader interface {
	DeviceRegisters(device uint32) ([]meter.Register, error)
}

// RegisterCache memoises the register list per device. Register configuration
// is effectively immutable, so entries are kept until Invalidate is called.
type RegisterCache struct {
	loader    RegisterLoader
	registers map[uint32][]meter.Register
}

func NewRegisterCache(loader RegisterLoader) *RegisterCache {
	return &RegisterCache{
		loader:    loader,
		registers: make(map[uint32][]meter.Register),
	}
}

// Get returns the registers configured for the given device instance.
func (c *RegisterCache) Get(device uint32) ([]meter.Register, error) {
	if registers, ok := c.registers[device]; ok {
		return registers, nil
	}

	registers, err := c.loader.DeviceRegisters(device)
	if err != nil {
		return nil, fmt.Errorf("load registers for device %d: %w", device, err)
	}
	c.registers[device] = registers

	return registers, nil
}

// Invalidate discards all memoised register lists.
func (c *RegisterCache) Invalidate() {
	c.registers = make(map[uint32][]meter.Register)
}
