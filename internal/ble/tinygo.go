//go:build !no_ble

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// defaultMTU is assumed when the stack cannot report the negotiated value.
const defaultMTU = 23

// HostAdapter implements Adapter on top of tinygo.org/x/bluetooth.
type HostAdapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map, keyed by peripheral address string.
	mu          sync.Mutex
	connections map[string]*hostConnection
}

// NewHostAdapter creates an adapter over the platform's default BLE stack.
func NewHostAdapter(logger *slog.Logger) *HostAdapter {
	return &HostAdapter{
		adapter:     bluetooth.DefaultAdapter,
		logger:      logger.With("component", "ble"),
		connections: make(map[string]*hostConnection),
	}
}

func (a *HostAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("enable adapter: %w", err)
			return
		}
		// The stack fires this for both connects and disconnects; only
		// disconnects are routed to the owning connection.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := device.Address.String()
			a.mu.Lock()
			conn, ok := a.connections[id]
			delete(a.connections, id)
			a.mu.Unlock()
			if ok {
				conn.fireDisconnect()
			}
		})
	})
	return a.enableErr
}

// Scan delivers advertisements until ctx is done. The underlying stack scan
// is blocking; a watcher goroutine stops it on cancellation.
func (a *HostAdapter) Scan(ctx context.Context, onAdv func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				a.logger.Debug("stop scan", "err", err)
			}
		case <-done:
		}
	}()
	defer close(done)

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		onAdv(Advertisement{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func (a *HostAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// The stack's Connect blocks with its own internal timeout; wrap it so
	// our ctx deadline is also honored. A late success after cancellation
	// is disconnected immediately rather than leaked.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connect %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("connect %s: %w", id, result.err)
		}
		conn := &hostConnection{device: result.device, logger: a.logger}
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*HostAdapter)(nil)

type hostConnection struct {
	device bluetooth.Device
	logger *slog.Logger

	mu           sync.Mutex
	service      *bluetooth.DeviceService
	disconnectCb func()
	mtu          int
}

func (c *hostConnection) Characteristic(uuid string) (Characteristic, error) {
	charUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic uuid: %w", err)
	}

	svc, err := c.firelinkService()
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", uuid)
	}

	char := chars[0]
	if mtu, err := char.GetMTU(); err == nil {
		c.mu.Lock()
		c.mtu = int(mtu)
		c.mu.Unlock()
	}
	return &hostCharacteristic{char: char}, nil
}

func (c *hostConnection) firelinkService() (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.service != nil {
		return c.service, nil
	}
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", ServiceUUID)
	}
	c.service = &svcs[0]
	return c.service, nil
}

func (c *hostConnection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mtu == 0 {
		return defaultMTU
	}
	return c.mtu
}

func (c *hostConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hostConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *hostConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hostCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *hostCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hostCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse the notification buffer; hand callers a copy.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
