package provision

import (
	"log/slog"
	"sync"
)

// Event is one provisioning notification. The concrete types below are
// the only implementations; Kind is the wire discriminator used by the
// WebSocket feed.
type Event interface {
	Kind() string
}

// PeripheralFound reports a newly discovered Gateway candidate.
type PeripheralFound struct {
	Peripheral Peripheral `json:"peripheral"`
}

func (PeripheralFound) Kind() string { return "peripheral_discovered" }

// StepChanged reports a state machine transition.
type StepChanged struct {
	Step string `json:"step"`
}

func (StepChanged) Kind() string { return "step_changed" }

// WifiListUpdated carries the Gateway's latest access point scan, already
// sorted by descending signal strength.
type WifiListUpdated struct {
	Networks []WifiNetwork `json:"networks"`
}

func (WifiListUpdated) Kind() string { return "wifi_list" }

// ConfigRejected reports that the Gateway refused the pushed credentials.
// Reason carries the firmware's wording verbatim when it gave one.
type ConfigRejected struct {
	Reason string `json:"reason"`
}

func (ConfigRejected) Kind() string { return "config_rejected" }

// Provisioned reports a completed pairing. Gateway is the advertised
// name; it can be empty when the peripheral was connected by bare id.
type Provisioned struct {
	PeripheralID string `json:"peripheral_id"`
	Gateway      string `json:"gateway"`
	SSID         string `json:"ssid"`
}

func (Provisioned) Kind() string { return "provisioned" }

// ConnectionLost reports a mid-session link drop. By the time it is
// observed the session has already been reset to the BLE scan step.
type ConnectionLost struct {
	Reason string `json:"reason"`
}

func (ConnectionLost) Kind() string { return "connection_lost" }

// RawFrame carries a status payload the engine could not interpret.
type RawFrame struct {
	Frame Frame `json:"frame"`
}

func (RawFrame) Kind() string { return "raw_frame" }

// Subscriber receives every engine event in emission order.
type Subscriber func(Event)

// Notifier fans engine events out to subscribers. Subscribers are called
// synchronously; a panicking subscriber is recovered so one bad consumer
// cannot take down the session.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]Subscriber
	nextID uint64
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		subs:   make(map[uint64]Subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for all engine events and returns its
// unsubscribe function.
func (n *Notifier) Subscribe(fn Subscriber) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *Notifier) publish(ev Event) {
	n.mu.RLock()
	subs := make([]Subscriber, 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("event subscriber panic", "kind", ev.Kind(), "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
