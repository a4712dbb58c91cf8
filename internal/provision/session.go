package provision

// Step is the provisioning state machine position. Steps only advance
// forward; failures reset to StepScanBle (or StepSelectWifi when the
// Gateway rejects credentials).
type Step int

const (
	StepScanBle Step = iota
	StepConnectingBle
	StepScanWifi
	StepSelectWifi
	StepConfiguring
	StepSuccess
)

func (s Step) String() string {
	switch s {
	case StepScanBle:
		return "scan_ble"
	case StepConnectingBle:
		return "connecting_ble"
	case StepScanWifi:
		return "scan_wifi"
	case StepSelectWifi:
		return "select_wifi"
	case StepConfiguring:
		return "configuring"
	case StepSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// ConnState is the BLE link state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Peripheral is one discovered Gateway candidate. Duplicate advertisements
// for the same id within a scan session are coalesced, first seen wins.
type Peripheral struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// WifiNetwork is one access point reported by the Gateway's own WiFi scan.
type WifiNetwork struct {
	SSID     string `json:"ssid"`
	RSSI     int    `json:"rssi"`
	Security string `json:"sec"`
}

// Session is a read-only snapshot of the active pairing attempt.
type Session struct {
	Step         Step          `json:"-"`
	StepName     string        `json:"step"`
	ConnState    string        `json:"connection_state"`
	PeripheralID string        `json:"peripheral_id,omitempty"`
	Peripheral   string        `json:"peripheral_name,omitempty"`
	Discovered   []Peripheral  `json:"discovered,omitempty"`
	Networks     []WifiNetwork `json:"networks,omitempty"`
}
