// Package command executes request/acknowledgment exchanges against a
// network-connected firelink Gateway over MQTT. Each call is fully
// self-contained: it opens its own broker connection, correlates the ack
// by msgId, enforces its own deadline and tears the connection down on
// every path. Nothing is pooled or shared between calls.
package command

import "fmt"

// Command identifies one Gateway command kind.
type Command string

const (
	AddNode             Command = "ADD_NODE"
	EndOfPairing        Command = "END_OF_PAIRING"
	RemoveNode          Command = "REMOVE_NODE"
	AddLinkedGateway    Command = "ADD_LINKED_GATEWAY"
	RemoveLinkedGateway Command = "REMOVE_LINKED_GATEWAY"
	TestNode            Command = "TEST_NODE"
	SirenOn             Command = "SIREN_ON"
	SirenOff            Command = "SIREN_OFF"
	SetReportingPeriod  Command = "SET_REPORTING_PERIOD"
	FactoryReset        Command = "FACTORY_RESET"
	StartFirmwareUpdate Command = "START_FIRMWARE_UPDATE"
)

// correlationPrefixes maps each command to its fixed, protocol-defined
// msgId prefix. The Gateway firmware recognizes the command family from
// the prefix regardless of the per-call random suffix.
var correlationPrefixes = map[Command]string{
	AddNode:             "an",
	EndOfPairing:        "ep",
	RemoveNode:          "rn",
	AddLinkedGateway:    "alg",
	RemoveLinkedGateway: "rlg",
	TestNode:            "tn",
	SirenOn:             "son",
	SirenOff:            "sof",
	SetReportingPeriod:  "srp",
	FactoryReset:        "fr",
	StartFirmwareUpdate: "sfu",
}

// CorrelationPrefix returns the fixed msgId prefix for a command, or an
// error for an unknown command kind.
func (c Command) CorrelationPrefix() (string, error) {
	p, ok := correlationPrefixes[c]
	if !ok {
		return "", fmt.Errorf("unknown command %q", string(c))
	}
	return p, nil
}

// TestScope values for the TEST_NODE command's params.
const (
	TestScopeAll  = 0 // test every paired node
	TestScopeNode = 1 // test the node named in params.nodeId
)
