package provision

import (
	"encoding/json"
	"testing"
)

func TestDecodeStatusFrameLengthPrefixed(t *testing.T) {
	buf := EncodeStatusFrame(FrameWifiResult, wifiResultData{Result: "success"})
	frame := DecodeStatusFrame(buf)
	if frame.Type != FrameWifiResult {
		t.Fatalf("type = %q, want %q", frame.Type, FrameWifiResult)
	}
	var result wifiResultData
	if err := json.Unmarshal(frame.Data, &result); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if result.Result != "success" {
		t.Errorf("result = %q, want success", result.Result)
	}
}

func TestDecodeStatusFrameBareJSON(t *testing.T) {
	// Older firmware revisions send unprefixed JSON.
	frame := DecodeStatusFrame([]byte(`{"type":"scan_resp","data":{"aps":[]}}`))
	if frame.Type != FrameScanResp {
		t.Errorf("type = %q, want %q", frame.Type, FrameScanResp)
	}
}

func TestDecodeStatusFrameMalformed(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{"garbage bytes", []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{"truncated json", []byte(`{"type":"scan_re`)},
		{"missing type", []byte(`{"data":{}}`)},
		{"empty", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := DecodeStatusFrame(tc.buf)
			if frame.Type != FrameRaw {
				t.Errorf("type = %q, want %q", frame.Type, FrameRaw)
			}
			// The original payload must survive as a JSON string.
			var original string
			if err := json.Unmarshal(frame.Data, &original); err != nil {
				t.Errorf("raw data not a JSON string: %v", err)
			}
		})
	}
}

func TestSortNetworksDescendingRSSI(t *testing.T) {
	aps := []WifiNetwork{
		{SSID: "Cellar", RSSI: -80},
		{SSID: "Home", RSSI: -40},
		{SSID: "Office", RSSI: -60},
	}
	sorted := sortNetworks(aps)

	want := []int{-40, -60, -80}
	for i, w := range want {
		if sorted[i].RSSI != w {
			t.Errorf("sorted[%d].RSSI = %d, want %d", i, sorted[i].RSSI, w)
		}
	}
	// Input must not be reordered in place.
	if aps[0].SSID != "Cellar" {
		t.Error("input slice was mutated")
	}
}

func TestSortNetworksStableOnTies(t *testing.T) {
	aps := []WifiNetwork{
		{SSID: "first", RSSI: -50},
		{SSID: "second", RSSI: -50},
	}
	sorted := sortNetworks(aps)
	if sorted[0].SSID != "first" || sorted[1].SSID != "second" {
		t.Errorf("equal-RSSI order changed: %q, %q", sorted[0].SSID, sorted[1].SSID)
	}
}

func TestEncodeConfigWifi(t *testing.T) {
	var frame commandFrame
	if err := json.Unmarshal(encodeConfigWifi("Home", "password123"), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Cmd != "config_wifi" || frame.SSID != "Home" || frame.Pass != "password123" {
		t.Errorf("frame = %+v", frame)
	}
}
