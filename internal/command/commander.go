package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Timing defaults.
const (
	DefaultAckTimeout     = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Status is the protocol outcome of a command exchange. Transport errors
// (broker unreachable, auth rejected) are returned as Go errors instead,
// since they mean the command was never delivered at all.
type Status string

const (
	StatusSuccess Status = "success" // Gateway acked with result 1
	StatusFailure Status = "failure" // Gateway explicitly rejected
	StatusTimeout Status = "timeout" // no ack before the deadline
)

// Result is the resolved outcome of one Execute call. Ack carries the raw
// acknowledgment payload unchanged (nil on timeout).
type Result struct {
	Status Status `json:"status"`
	MsgID  string `json:"msgId"`
	Ack    []byte `json:"ack,omitempty"`
}

// ErrEmptyGatewayID rejects calls without a target.
var ErrEmptyGatewayID = errors.New("gateway id must not be empty")

// Config holds broker parameters. These are fixed configuration, never
// derived from user input.
type Config struct {
	Broker         string
	Username       string
	Password       string
	Namespace      string
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Commander issues request/ack exchanges. It is stateless: concurrent
// Execute calls each own an independent connection and timer.
type Commander struct {
	cfg    Config
	logger *slog.Logger

	// newClient is swapped by tests for a broker fake.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// New creates a Commander for the given broker configuration.
func New(cfg Config, logger *slog.Logger) *Commander {
	return &Commander{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "command"),
		newClient: pahomqtt.NewClient,
	}
}

// Execute publishes one command to a Gateway and waits for its correlated
// acknowledgment. It opens a fresh broker connection with a unique client
// identity, subscribes to the Gateway's ack and status topics, publishes
// the command envelope at QoS 1 once the handshake has completed, and
// resolves Success/Failure from the matching ack or Timeout at the
// deadline. The connection is disconnected on every path.
func (c *Commander) Execute(ctx context.Context, gatewayID string, cmd Command, params map[string]any) (*Result, error) {
	if gatewayID == "" {
		return nil, ErrEmptyGatewayID
	}
	prefix, err := cmd.CorrelationPrefix()
	if err != nil {
		return nil, err
	}
	msgID := fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])

	opts := pahomqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID("firelink-" + uuid.NewString()[:12]).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(c.cfg.ConnectTimeout)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	client := c.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		client.Disconnect(250)
		return nil, errors.New("broker connect timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("broker connect: %w", err)
	}
	defer client.Disconnect(250)

	// Buffered so a late ack never blocks the paho router goroutine.
	ackCh := make(chan []byte, 1)
	ackTopic := upAckTopic(c.cfg.Namespace, gatewayID)
	subToken := client.Subscribe(ackTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		ack, ok := decodeAck(msg.Payload())
		if !ok || ack.Data.MsgID != msgID {
			// Foreign or mis-correlated traffic is ignored.
			return
		}
		select {
		case ackCh <- msg.Payload():
		default:
		}
	})
	if !subToken.WaitTimeout(c.cfg.ConnectTimeout) {
		return nil, fmt.Errorf("subscribe %s: timeout", ackTopic)
	}
	if err := subToken.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ackTopic, err)
	}

	// Status traffic is observed for diagnostics only.
	statusTopic := upStatusTopic(c.cfg.Namespace, gatewayID)
	statusToken := client.Subscribe(statusTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.logger.Debug("gateway status", "gateway", gatewayID, "payload", string(msg.Payload()))
	})
	if !statusToken.WaitTimeout(c.cfg.ConnectTimeout) {
		return nil, fmt.Errorf("subscribe %s: timeout", statusTopic)
	}
	if err := statusToken.Error(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", statusTopic, err)
	}

	envelope := commandEnvelope{
		Type:      "cmd",
		MsgID:     msgID,
		Timestamp: time.Now().Unix(),
		Data: commandBody{
			Command: string(cmd),
			Params:  params,
		},
	}
	payload, err := encodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	pubToken := client.Publish(downCommandTopic(c.cfg.Namespace, gatewayID), 1, false, payload)
	if !pubToken.WaitTimeout(c.cfg.ConnectTimeout) {
		return nil, errors.New("publish timeout")
	}
	if err := pubToken.Error(); err != nil {
		return nil, fmt.Errorf("publish command: %w", err)
	}
	c.logger.Info("command published", "gateway", gatewayID, "command", string(cmd), "msgId", msgID)

	deadline := time.NewTimer(c.cfg.AckTimeout)
	defer deadline.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		c.logger.Warn("command timed out", "gateway", gatewayID, "command", string(cmd), "msgId", msgID)
		return &Result{Status: StatusTimeout, MsgID: msgID}, nil
	case raw := <-ackCh:
		ack, _ := decodeAck(raw)
		status := StatusFailure
		if ack.Data.Result == 1 {
			status = StatusSuccess
		}
		c.logger.Info("command acked", "gateway", gatewayID, "command", string(cmd), "msgId", msgID, "status", string(status))
		return &Result{Status: status, MsgID: msgID, Ack: raw}, nil
	}
}

func encodeEnvelope(env commandEnvelope) ([]byte, error) {
	payload, err := marshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return payload, nil
}
