package command

// DefaultNamespace is the fixed topic namespace shared with the Gateway
// firmware.
const DefaultNamespace = "safety/01"

// downCommandTopic is where the Gateway listens for commands.
func downCommandTopic(namespace, gatewayID string) string {
	return namespace + "/" + gatewayID + "/down/command"
}

// upAckTopic carries command acknowledgments from the Gateway.
func upAckTopic(namespace, gatewayID string) string {
	return namespace + "/" + gatewayID + "/up/ack"
}

// upStatusTopic carries unsolicited Gateway status traffic. The engine
// subscribes but only logs it; it never resolves a command.
func upStatusTopic(namespace, gatewayID string) string {
	return namespace + "/" + gatewayID + "/up/status"
}
