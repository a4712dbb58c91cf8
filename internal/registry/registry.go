// Package registry persists the set of Gateways this host has provisioned.
// Credentials are never stored; only the joined SSID is recorded.
package registry

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested gateway does not exist.
var ErrNotFound = errors.New("not found")

// Gateway is one provisioned Gateway record.
type Gateway struct {
	ID            string    `json:"id"`             // advertised name, e.g. "GW-204134"
	PeripheralID  string    `json:"peripheral_id"`  // BLE identifier used during provisioning
	SSID          string    `json:"ssid"`           // network it was configured to join
	ProvisionedAt time.Time `json:"provisioned_at"`
	LastSeen      time.Time `json:"last_seen"`
	Notes         string    `json:"notes,omitempty"`
}

// Store defines the persistence interface.
type Store interface {
	SaveGateway(gw *Gateway) error
	GetGateway(id string) (*Gateway, error)
	DeleteGateway(id string) error
	ListGateways() ([]*Gateway, error)

	// UpdateGateway atomically reads, modifies, and saves a gateway in a
	// single transaction. Returns ErrNotFound if the gateway does not exist.
	UpdateGateway(id string, fn func(gw *Gateway) error) error

	Close() error
}
