package meter

import (
	"github.com/google/uuid"
)

// Protocol identifies the wire protocol a meter speaks.
type Protocol string

const (
	ProtocolBACnet Protocol = "bacnet"
	ProtocolModbus Protocol = "modbus"
)

// Meter describes one physical energy meter on the network. Meters are owned
// by the meter cache for the duration of a collection cycle and reloaded from
// storage afterwards so configuration changes are picked up.
type Meter struct {
	ID       uuid.UUID
	Name     string
	Host     string
	Port     int
	Protocol Protocol
	Device   uint32 // the protocol-level device instance number
	Active   bool
}

// Register describes one named data point on a device. Registers are
// immutable configuration, looked up per device each cycle.
type Register struct {
	Device         uint32 // owning device instance
	Field          string // logical field name, e.g. "power_total_active"
	Unit           string // e.g. "kW"
	ObjectType     string // BACnet object type name, e.g. "analog-input"
	ObjectInstance uint32 // BACnet object instance
	Address        uint16 // Modbus holding register address
}
