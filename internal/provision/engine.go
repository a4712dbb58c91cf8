// Package provision drives a factory-new firelink Gateway from "discoverable
// over Bluetooth" to "connected to a customer WiFi network". It owns the
// pairing state machine and the status-channel protocol; the transport is
// abstracted behind the ble package interfaces.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"firelink/internal/ble"
)

// Timing defaults. The settle delay is a firmware accommodation (the
// negotiated transfer size and status subscription need a moment to
// stabilize before the Gateway accepts commands), not a protocol
// requirement; tests set it to zero.
const (
	DefaultScanWindow     = 8 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultWifiScanSettle = 1 * time.Second

	// MinPassphraseLen is a UX guard only; the firmware's own validation
	// (via wifi_result) is authoritative.
	MinPassphraseLen = 8

	// DefaultRejectReason is shown when a wifi_result failure carries no reason.
	DefaultRejectReason = "gateway rejected the configuration"
)

var (
	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("provisioning engine disposed")
	// ErrBusy is returned when a scan is already running.
	ErrBusy = errors.New("scan already in progress")
	// ErrSuperseded is returned when an in-flight operation resolved after
	// the session it belonged to was torn down or replaced.
	ErrSuperseded = errors.New("pairing session superseded")
	// ErrPassphraseTooShort rejects credentials before any transmission.
	ErrPassphraseTooShort = fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLen)
	// ErrNotReady is returned when an operation does not match the current step.
	ErrNotReady = errors.New("operation not valid in current pairing step")
)

// Config holds engine tuning. Zero values take the package defaults.
type Config struct {
	ScanWindow        time.Duration
	ConnectTimeout    time.Duration
	WifiScanSettle    time.Duration
	WifiResultTimeout time.Duration // 0 disables the configure deadline
}

func (c Config) withDefaults() Config {
	if c.ScanWindow <= 0 {
		c.ScanWindow = DefaultScanWindow
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	// Zero means "use the default"; a negative value disables the delay
	// entirely (test harnesses).
	if c.WifiScanSettle == 0 {
		c.WifiScanSettle = DefaultWifiScanSettle
	} else if c.WifiScanSettle < 0 {
		c.WifiScanSettle = 0
	}
	return c
}

// Engine is the BLE provisioning engine. At most one pairing session is
// active at a time; all transport callbacks are tagged with a session
// generation so results arriving after a reset or Dispose are no-ops.
type Engine struct {
	adapter ble.Adapter
	events  *Notifier
	logger  *slog.Logger
	cfg     Config

	mu             sync.Mutex
	gen            uint64
	step           Step
	connState      ConnState
	conn           ble.Connection
	controlChar    ble.Characteristic
	dataChar       ble.Characteristic
	peripheralID   string
	peripheralName string
	discovered     []Peripheral
	seen           map[string]struct{}
	networks       []WifiNetwork
	chosenSSID     string
	scanning       bool
	disposed       bool
	resultTimer    *time.Timer
	settleTimer    *time.Timer
}

// NewEngine creates a provisioning engine over the given transport.
func NewEngine(adapter ble.Adapter, cfg Config, logger *slog.Logger) *Engine {
	log := logger.With("component", "provision")
	return &Engine{
		adapter: adapter,
		events:  newNotifier(log),
		logger:  log,
		cfg:     cfg.withDefaults(),
		seen:    make(map[string]struct{}),
	}
}

// Events returns the engine's event notifier.
func (e *Engine) Events() *Notifier {
	return e.events
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Session{
		Step:         e.step,
		StepName:     e.step.String(),
		ConnState:    e.connState.String(),
		PeripheralID: e.peripheralID,
		Peripheral:   e.peripheralName,
		Discovered:   append([]Peripheral(nil), e.discovered...),
		Networks:     append([]WifiNetwork(nil), e.networks...),
	}
	return s
}

// Scan runs one time-boxed advertisement scan and returns the peripherals
// discovered. Zero results is not an error; callers show an empty state.
// Unnamed (or placeholder-named) peripherals are filtered out: only the
// Gateway firmware is expected to advertise a name. Any existing
// connection is torn down first.
func (e *Engine) Scan(ctx context.Context) ([]Peripheral, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}
	if e.scanning {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.gen++
	evs := e.resetToScanLocked()
	oldConn := e.takeConnLocked()
	e.scanning = true
	e.mu.Unlock()
	e.emit(evs)
	e.closeQuietly(oldConn)

	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
	}()

	// Capability/permission gate. Denial is recoverable, not fatal.
	if err := e.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bluetooth unavailable: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, e.cfg.ScanWindow)
	defer cancel()

	if err := e.adapter.Scan(scanCtx, e.handleAdvertisement); err != nil {
		return nil, fmt.Errorf("ble scan: %w", err)
	}

	e.mu.Lock()
	found := append([]Peripheral(nil), e.discovered...)
	e.mu.Unlock()
	e.logger.Info("scan finished", "found", len(found))
	return found, nil
}

func (e *Engine) handleAdvertisement(adv ble.Advertisement) {
	if isPlaceholderName(adv.Name) {
		return
	}
	p := Peripheral{ID: adv.ID, Name: adv.Name, RSSI: adv.RSSI}

	e.mu.Lock()
	if e.disposed || !e.scanning {
		e.mu.Unlock()
		return
	}
	// First advertisement wins; later duplicates do not update attributes.
	if _, dup := e.seen[adv.ID]; dup {
		e.mu.Unlock()
		return
	}
	e.seen[adv.ID] = struct{}{}
	e.discovered = append(e.discovered, p)
	e.mu.Unlock()

	e.logger.Debug("peripheral discovered", "id", adv.ID, "name", adv.Name, "rssi", adv.RSSI)
	e.emit([]Event{PeripheralFound{Peripheral: p}})
}

// isPlaceholderName reports whether an advertised name should be treated
// as absent. Anonymous devices are never Gateways.
func isPlaceholderName(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "unknown", "n/a", "(no name)":
		return true
	}
	return false
}

// Connect opens a connection to a previously discovered peripheral,
// resolves the provisioning characteristics, subscribes to status
// notifications and, after a settle delay, requests the Gateway's WiFi
// scan. A failed attempt leaves the session fully disconnected with no
// dangling subscriptions. Connecting while another peripheral is connected
// disconnects the old link first.
func (e *Engine) Connect(ctx context.Context, peripheralID string) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	name := ""
	for _, p := range e.discovered {
		if p.ID == peripheralID {
			name = p.Name
			break
		}
	}
	oldConn := e.takeConnLocked()
	e.gen++
	gen := e.gen
	e.peripheralID = peripheralID
	e.peripheralName = name
	e.connState = Connecting
	evs := e.setStepLocked(StepConnectingBle)
	e.mu.Unlock()
	e.emit(evs)
	e.closeQuietly(oldConn)

	connCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	conn, err := e.adapter.Connect(connCtx, peripheralID)
	if err != nil {
		e.failConnect(gen, nil)
		return fmt.Errorf("connect gateway: %w", err)
	}

	control, data, err := e.initSession(gen, conn)
	if err != nil {
		e.failConnect(gen, conn)
		return err
	}

	e.mu.Lock()
	if e.disposed || e.gen != gen {
		e.mu.Unlock()
		e.closeQuietly(conn)
		return ErrSuperseded
	}
	e.conn = conn
	e.controlChar = control
	e.dataChar = data
	e.connState = Connected
	evs = e.setStepLocked(StepScanWifi)
	e.settleTimer = time.AfterFunc(e.cfg.WifiScanSettle, func() {
		e.requestWifiScan(gen)
	})
	e.mu.Unlock()
	e.emit(evs)
	e.logger.Info("gateway connected", "id", peripheralID, "name", name, "mtu", conn.MTU())
	return nil
}

// initSession resolves characteristics and subscribes to status
// notifications on a fresh connection.
func (e *Engine) initSession(gen uint64, conn ble.Connection) (control, data ble.Characteristic, err error) {
	control, err = conn.Characteristic(ble.ControlCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("control characteristic: %w", err)
	}
	data, err = conn.Characteristic(ble.DataCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("data characteristic: %w", err)
	}
	status, err := conn.Characteristic(ble.StatusCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("status characteristic: %w", err)
	}
	if err := status.Subscribe(func(buf []byte) {
		e.handleStatusNotification(gen, buf)
	}); err != nil {
		return nil, nil, fmt.Errorf("subscribe status: %w", err)
	}
	conn.OnDisconnect(func() {
		e.handleDisconnect(gen)
	})
	return control, data, nil
}

// failConnect rolls a failed connect attempt back to ScanBle.
func (e *Engine) failConnect(gen uint64, conn ble.Connection) {
	e.closeQuietly(conn)
	e.mu.Lock()
	if e.disposed || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.connState = Disconnected
	e.peripheralID = ""
	e.peripheralName = ""
	evs := e.setStepLocked(StepScanBle)
	e.mu.Unlock()
	e.emit(evs)
}

func (e *Engine) requestWifiScan(gen uint64) {
	e.mu.Lock()
	if e.disposed || e.gen != gen || e.step != StepScanWifi || e.controlChar == nil {
		e.mu.Unlock()
		return
	}
	control := e.controlChar
	e.mu.Unlock()

	if err := control.Write(encodeScanWifi()); err != nil {
		e.logger.Warn("wifi scan request failed", "err", err)
		e.lostConnection(gen, "could not reach the gateway")
	}
}

// Configure pushes credentials for the chosen network. The passphrase
// length gate runs before any transmission. The outcome arrives
// asynchronously as a wifi_result status frame.
func (e *Engine) Configure(ssid, passphrase string) error {
	if len(passphrase) < MinPassphraseLen {
		return ErrPassphraseTooShort
	}
	if ssid == "" {
		return errors.New("ssid must not be empty")
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.step != StepSelectWifi || e.dataChar == nil {
		e.mu.Unlock()
		return ErrNotReady
	}
	gen := e.gen
	data := e.dataChar
	e.chosenSSID = ssid
	evs := e.setStepLocked(StepConfiguring)
	if e.cfg.WifiResultTimeout > 0 {
		e.resultTimer = time.AfterFunc(e.cfg.WifiResultTimeout, func() {
			e.configTimedOut(gen)
		})
	}
	e.mu.Unlock()
	e.emit(evs)

	if err := data.Write(encodeConfigWifi(ssid, passphrase)); err != nil {
		e.lostConnection(gen, "could not reach the gateway")
		return fmt.Errorf("send credentials: %w", err)
	}
	e.logger.Info("credentials sent", "ssid", ssid)
	return nil
}

func (e *Engine) configTimedOut(gen uint64) {
	e.mu.Lock()
	if e.disposed || e.gen != gen || e.step != StepConfiguring {
		e.mu.Unlock()
		return
	}
	evs := e.setStepLocked(StepSelectWifi)
	e.mu.Unlock()
	e.logger.Warn("no wifi_result from gateway")
	evs = append(evs, ConfigRejected{Reason: "gateway did not answer in time"})
	e.emit(evs)
}

func (e *Engine) handleStatusNotification(gen uint64, buf []byte) {
	frame := DecodeStatusFrame(buf)
	switch frame.Type {
	case FrameScanResp:
		var resp scanRespData
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			e.logger.Warn("malformed scan_resp", "err", err)
			return
		}
		e.handleScanResp(gen, resp.APs)
	case FrameWifiResult:
		var result wifiResultData
		if err := json.Unmarshal(frame.Data, &result); err != nil {
			e.logger.Warn("malformed wifi_result", "err", err)
			return
		}
		e.handleWifiResult(gen, result)
	default:
		// Unknown or unparseable payloads surface as a raw event; they
		// must never take down the subscription.
		e.emit([]Event{RawFrame{Frame: frame}})
	}
}

func (e *Engine) handleScanResp(gen uint64, aps []WifiNetwork) {
	sorted := sortNetworks(aps)

	e.mu.Lock()
	if e.disposed || e.gen != gen || e.step == StepSuccess {
		e.mu.Unlock()
		return
	}
	// The list is replaced atomically on every response, no merging.
	e.networks = sorted
	var evs []Event
	if e.step == StepScanWifi {
		evs = e.setStepLocked(StepSelectWifi)
	}
	e.mu.Unlock()

	evs = append(evs, WifiListUpdated{Networks: sorted})
	e.emit(evs)
	e.logger.Info("gateway wifi scan complete", "networks", len(sorted))
}

func (e *Engine) handleWifiResult(gen uint64, result wifiResultData) {
	e.mu.Lock()
	if e.disposed || e.gen != gen || e.step != StepConfiguring {
		e.mu.Unlock()
		return
	}
	if e.resultTimer != nil {
		e.resultTimer.Stop()
		e.resultTimer = nil
	}

	if result.Result == "success" {
		done := Provisioned{
			PeripheralID: e.peripheralID,
			Gateway:      e.peripheralName,
			SSID:         e.chosenSSID,
		}
		evs := e.setStepLocked(StepSuccess)
		e.mu.Unlock()
		evs = append(evs, done)
		e.emit(evs)
		e.logger.Info("gateway provisioned", "gateway", done.Gateway, "ssid", done.SSID)
		return
	}

	// Firmware rejection: surface its reason verbatim, fall back to the
	// policy default when absent.
	reason := result.Reason
	if reason == "" {
		reason = DefaultRejectReason
	}
	evs := e.setStepLocked(StepSelectWifi)
	e.mu.Unlock()
	evs = append(evs, ConfigRejected{Reason: reason})
	e.emit(evs)
	e.logger.Warn("gateway rejected configuration", "reason", reason)
}

// handleDisconnect reacts to the link dropping. After Success (or Dispose)
// this is expected; mid-session it is a failure that resets to ScanBle.
func (e *Engine) handleDisconnect(gen uint64) {
	e.mu.Lock()
	if e.disposed || e.gen != gen {
		e.mu.Unlock()
		return
	}
	if e.step == StepSuccess {
		e.conn = nil
		e.controlChar = nil
		e.dataChar = nil
		e.connState = Disconnected
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.lostConnection(gen, "lost connection to the gateway")
}

// lostConnection resets a live session back to ScanBle with a notice.
// There is no automatic retry; all retries are user-initiated.
func (e *Engine) lostConnection(gen uint64, reason string) {
	e.mu.Lock()
	if e.disposed || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.gen++
	conn := e.takeConnLocked()
	evs := e.resetToScanLocked()
	e.mu.Unlock()

	e.closeQuietly(conn)
	evs = append(evs, ConnectionLost{Reason: reason})
	e.emit(evs)
	e.logger.Warn("pairing session reset", "reason", reason)
}

// Dispose tears the engine down: the connected peripheral (if any) is
// explicitly disconnected and all timers die. Disconnect failures are
// logged, never re-thrown. Safe to call once per engine; further calls
// are no-ops.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.gen++
	conn := e.takeConnLocked()
	e.mu.Unlock()

	e.closeQuietly(conn)
	e.logger.Info("provisioning engine disposed")
}

// takeConnLocked detaches the current connection and its timers so the
// caller can close them outside the lock. Callers must hold e.mu.
func (e *Engine) takeConnLocked() ble.Connection {
	conn := e.conn
	e.conn = nil
	e.controlChar = nil
	e.dataChar = nil
	e.connState = Disconnected
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	if e.resultTimer != nil {
		e.resultTimer.Stop()
		e.resultTimer = nil
	}
	return conn
}

// resetToScanLocked clears per-session state for a fresh scan.
// Callers must hold e.mu.
func (e *Engine) resetToScanLocked() []Event {
	e.discovered = nil
	e.seen = make(map[string]struct{})
	e.networks = nil
	e.chosenSSID = ""
	e.peripheralID = ""
	e.peripheralName = ""
	return e.setStepLocked(StepScanBle)
}

// setStepLocked records a transition and returns the event to emit after
// unlocking. Callers must hold e.mu.
func (e *Engine) setStepLocked(s Step) []Event {
	if e.step == s {
		return nil
	}
	e.step = s
	return []Event{StepChanged{Step: s.String()}}
}

// emit publishes events outside the engine lock so subscribers may call
// back into the engine.
func (e *Engine) emit(evs []Event) {
	for _, ev := range evs {
		e.events.publish(ev)
	}
}

func (e *Engine) closeQuietly(conn ble.Connection) {
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		e.logger.Warn("disconnect", "err", err)
	}
}
