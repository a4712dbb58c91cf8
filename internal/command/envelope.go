package command

import "encoding/json"

// commandEnvelope is the downstream message published to the Gateway.
type commandEnvelope struct {
	Type      string      `json:"type"`
	MsgID     string      `json:"msgId"`
	Timestamp int64       `json:"timestamp"`
	Data      commandBody `json:"data"`
}

type commandBody struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// ackEnvelope is the upstream acknowledgment expected on the ack topic.
type ackEnvelope struct {
	Type string  `json:"type"`
	Data ackBody `json:"data"`
}

type ackBody struct {
	MsgID  string `json:"msgId"`
	Result int    `json:"result"`
}

func marshalEnvelope(env commandEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// decodeAck parses an inbound ack-topic payload. Non-JSON payloads and
// envelopes of the wrong type are ignored by returning ok=false; the
// engine never errors on foreign traffic.
func decodeAck(payload []byte) (ackEnvelope, bool) {
	var ack ackEnvelope
	if err := json.Unmarshal(payload, &ack); err != nil {
		return ackEnvelope{}, false
	}
	if ack.Type != "ACK" {
		return ackEnvelope{}, false
	}
	return ack, true
}
