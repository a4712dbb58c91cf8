// Package ble defines the transport abstraction for talking to a firelink
// Gateway over Bluetooth Low Energy, plus the real adapter backed by
// tinygo.org/x/bluetooth. The provisioning engine only sees these interfaces,
// so tests (and the serial service-port binding) can substitute the transport.
package ble

import "context"

// Firelink provisioning service UUIDs. The Gateway firmware exposes one
// service with three characteristics: control (phone→device commands),
// data (phone→device bulk payloads such as credentials) and status
// (device→phone notifications).
const (
	ServiceUUID     = "f1e11000-8a4d-4c6e-9b2f-7d03c5a41e10"
	ControlCharUUID = "f1e11001-8a4d-4c6e-9b2f-7d03c5a41e10"
	DataCharUUID    = "f1e11002-8a4d-4c6e-9b2f-7d03c5a41e10"
	StatusCharUUID  = "f1e11003-8a4d-4c6e-9b2f-7d03c5a41e10"
)

// Advertisement is one advertisement event observed during a scan.
// ID is the platform-assigned stable identifier used for Connect.
type Advertisement struct {
	ID   string
	Name string
	RSSI int
}

// Characteristic is a writable/subscribable GATT characteristic.
type Characteristic interface {
	// Write sends raw bytes to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications. Only the status
	// characteristic supports notifications on the Gateway firmware.
	Subscribe(callback func(data []byte)) error
}

// Connection is an active link to a single peripheral.
type Connection interface {
	// Characteristic resolves one of the firelink characteristics by UUID.
	Characteristic(uuid string) (Characteristic, error)
	// MTU reports the effective negotiated transfer size in bytes.
	// Returns a conservative default if the stack cannot report it.
	MTU() int
	// Disconnect terminates the link.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops,
	// whether requested or not.
	OnDisconnect(callback func())
}

// Adapter abstracts the host transport.
type Adapter interface {
	// Enable powers on the adapter. On desktop hosts this doubles as the
	// capability/permission gate: a host that denies Bluetooth access
	// fails here, which callers treat as a recoverable condition.
	Enable() error
	// Scan delivers advertisement events to onAdv until ctx is done.
	// Duplicate events for the same peripheral may be delivered; filtering
	// is the caller's concern.
	Scan(ctx context.Context, onAdv func(Advertisement)) error
	// Connect establishes a connection to the peripheral with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}
