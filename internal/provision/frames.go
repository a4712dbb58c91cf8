package provision

import (
	"encoding/binary"
	"encoding/json"
	"sort"
)

// Status-frame type discriminators sent by the Gateway firmware.
const (
	FrameScanResp   = "scan_resp"
	FrameWifiResult = "wifi_result"
	FrameRaw        = "raw"
)

// Outbound command payloads. scan_wifi goes on the control characteristic,
// config_wifi on the data characteristic.
type commandFrame struct {
	Cmd  string `json:"cmd"`
	SSID string `json:"ssid,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// Frame is a decoded status-channel envelope.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// scanRespData is the payload of a scan_resp frame.
type scanRespData struct {
	APs []WifiNetwork `json:"aps"`
}

// wifiResultData is the payload of a wifi_result frame.
type wifiResultData struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// encodeScanWifi builds the WiFi-scan request for the control characteristic.
func encodeScanWifi() []byte {
	b, _ := json.Marshal(commandFrame{Cmd: "scan_wifi"})
	return b
}

// encodeConfigWifi builds the credential push for the data characteristic.
func encodeConfigWifi(ssid, pass string) []byte {
	b, _ := json.Marshal(commandFrame{Cmd: "config_wifi", SSID: ssid, Pass: pass})
	return b
}

// DecodeStatusFrame interprets one status-characteristic notification.
// Payloads are length-prefixed (2-byte big-endian) UTF-8 JSON; frames
// arriving without a valid prefix are interpreted as bare JSON for
// firmware-revision tolerance. Anything that fails JSON parsing is
// returned as a raw frame rather than an error: one bad frame must
// never kill the notification subscription.
func DecodeStatusFrame(buf []byte) Frame {
	payload := stripLengthPrefix(buf)
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil || f.Type == "" {
		raw, _ := json.Marshal(string(payload))
		return Frame{Type: FrameRaw, Data: raw}
	}
	return f
}

// EncodeStatusFrame builds a length-prefixed status frame. Used by the
// serial service-port binding and by test harnesses standing in for
// Gateway firmware.
func EncodeStatusFrame(frameType string, data interface{}) []byte {
	raw, _ := json.Marshal(data)
	body, _ := json.Marshal(Frame{Type: frameType, Data: raw})
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}

func stripLengthPrefix(buf []byte) []byte {
	if len(buf) >= 2 {
		n := int(binary.BigEndian.Uint16(buf))
		if 2+n == len(buf) {
			return buf[2 : 2+n]
		}
	}
	return buf
}

// sortNetworks orders access points by descending signal strength.
// The sort is stable so equal-RSSI networks keep firmware order.
func sortNetworks(aps []WifiNetwork) []WifiNetwork {
	out := make([]WifiNetwork, len(aps))
	copy(out, aps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RSSI > out[j].RSSI
	})
	return out
}
