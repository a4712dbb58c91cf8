// Package seriallink implements the provisioning transport over a Gateway's
// UART service port. Factory and bench provisioning uses the same JSON
// application protocol as BLE; frames are carried as a one-byte channel tag
// (control/data/status) followed by a 2-byte big-endian length and payload.
package seriallink

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"go.bug.st/serial"

	"firelink/internal/ble"
)

// Channel tags shared with the Gateway firmware's service port.
const (
	chanControl byte = 0x01
	chanData    byte = 0x02
	chanStatus  byte = 0x03
)

// maxFrame bounds inbound payloads; anything larger means framing is lost.
const maxFrame = 4096

// Adapter implements ble.Adapter over a serial port. "Scanning" reports the
// configured port as a single pseudo-peripheral so the provisioning engine
// drives serial and BLE provisioning identically.
type Adapter struct {
	portName string
	baud     int
	logger   *slog.Logger
}

// New creates a serial adapter for the given port.
func New(portName string, baud int, logger *slog.Logger) *Adapter {
	return &Adapter{
		portName: portName,
		baud:     baud,
		logger:   logger.With("component", "seriallink"),
	}
}

func (a *Adapter) Enable() error { return nil }

// Scan reports the configured service port as one discovered peripheral and
// then waits out the scan window.
func (a *Adapter) Scan(ctx context.Context, onAdv func(ble.Advertisement)) error {
	onAdv(ble.Advertisement{
		ID:   a.portName,
		Name: "GW-" + filepath.Base(a.portName),
		RSSI: 0,
	})
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(_ context.Context, id string) (ble.Connection, error) {
	if id != a.portName {
		return nil, fmt.Errorf("unknown serial peripheral %q", id)
	}
	mode := &serial.Mode{
		BaudRate: a.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(a.portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	conn := &portConnection{
		port:   port,
		reader: bufio.NewReader(port),
		logger: a.logger,
	}
	go conn.readLoop()
	return conn, nil
}

var _ ble.Adapter = (*Adapter)(nil)

type portConnection struct {
	port   serial.Port
	reader *bufio.Reader
	logger *slog.Logger

	mu           sync.Mutex
	statusCb     func([]byte)
	disconnectCb func()
	closed       bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *portConnection) Characteristic(uuid string) (ble.Characteristic, error) {
	var ch byte
	switch uuid {
	case ble.ControlCharUUID:
		ch = chanControl
	case ble.DataCharUUID:
		ch = chanData
	case ble.StatusCharUUID:
		ch = chanStatus
	default:
		return nil, fmt.Errorf("characteristic %s not found", uuid)
	}
	return &portCharacteristic{conn: c, channel: ch}, nil
}

// MTU reports the service-port payload limit; serial framing has no GATT
// negotiation.
func (c *portConnection) MTU() int { return maxFrame }

func (c *portConnection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.port.Close()
	})
	return err
}

func (c *portConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

// readLoop reassembles tagged frames and dispatches status payloads. Any
// read error ends the connection; requested closes are distinguished by
// the closed flag.
func (c *portConnection) readLoop() {
	for {
		header := make([]byte, 3)
		if _, err := io.ReadFull(c.reader, header); err != nil {
			c.finish(err)
			return
		}
		n := int(binary.BigEndian.Uint16(header[1:3]))
		if n > maxFrame {
			c.finish(fmt.Errorf("frame of %d bytes exceeds limit", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			c.finish(err)
			return
		}

		if header[0] != chanStatus {
			c.logger.Debug("ignoring frame on non-status channel", "channel", header[0])
			continue
		}
		c.mu.Lock()
		cb := c.statusCb
		c.mu.Unlock()
		if cb != nil {
			cb(payload)
		}
	}
}

func (c *portConnection) finish(err error) {
	c.mu.Lock()
	closed := c.closed
	cb := c.disconnectCb
	c.mu.Unlock()
	if !closed {
		c.logger.Warn("serial link lost", "err", err)
	}
	if cb != nil {
		cb()
	}
}

type portCharacteristic struct {
	conn    *portConnection
	channel byte
}

func (pc *portCharacteristic) Write(data []byte) error {
	if len(data) > maxFrame {
		return fmt.Errorf("payload of %d bytes exceeds limit", len(data))
	}
	frame := make([]byte, 3+len(data))
	frame[0] = pc.channel
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(data)))
	copy(frame[3:], data)

	pc.conn.writeMu.Lock()
	defer pc.conn.writeMu.Unlock()
	if _, err := pc.conn.port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (pc *portCharacteristic) Subscribe(cb func([]byte)) error {
	if pc.channel != chanStatus {
		return fmt.Errorf("channel 0x%02x does not notify", pc.channel)
	}
	pc.conn.mu.Lock()
	pc.conn.statusCb = cb
	pc.conn.mu.Unlock()
	return nil
}
