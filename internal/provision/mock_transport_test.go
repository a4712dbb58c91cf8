package provision

import (
	"context"
	"fmt"
	"sync"

	"firelink/internal/ble"
)

// mockCharacteristic records writes and allows simulating notifications.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *mockCharacteristic) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// notify delivers a status notification to the subscriber.
func (c *mockCharacteristic) notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// mockConnection simulates a BLE connection with the three firelink
// characteristics.
type mockConnection struct {
	control *mockCharacteristic
	data    *mockCharacteristic
	status  *mockCharacteristic

	mu           sync.Mutex
	disconnectCb func()
	disconnects  int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		control: &mockCharacteristic{},
		data:    &mockCharacteristic{},
		status:  &mockCharacteristic{},
	}
}

func (c *mockConnection) Characteristic(uuid string) (ble.Characteristic, error) {
	switch uuid {
	case ble.ControlCharUUID:
		return c.control, nil
	case ble.DataCharUUID:
		return c.data, nil
	case ble.StatusCharUUID:
		return c.status, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic %q", uuid)
	}
}

func (c *mockConnection) MTU() int { return 247 }

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// dropLink simulates the peripheral disconnecting on its own.
func (c *mockConnection) dropLink() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the host transport. Scan replays the configured
// advertisement sequence and then waits out the scan window.
type mockAdapter struct {
	mu         sync.Mutex
	advs       []ble.Advertisement
	enableErr  error
	connectErr error
	connection *mockConnection // most recent connection for assertions
}

func newMockAdapter(advs ...ble.Advertisement) *mockAdapter {
	return &mockAdapter{advs: advs}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

func (a *mockAdapter) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error {
	a.mu.Lock()
	advs := append([]ble.Advertisement(nil), a.advs...)
	a.mu.Unlock()
	for _, adv := range advs {
		onAdv(adv)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.connection = conn
	return conn, nil
}

func (a *mockAdapter) lastConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}
