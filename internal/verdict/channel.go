package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ampline/linewatch/internal/config"
	"github.com/ampline/linewatch/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	// eventBuffer absorbs bursts between the broker callback and the
	// correlator loop. Sends block rather than drop: every verdict must
	// produce exactly one measurement.
	eventBuffer = 128
)

// ErrNotConnected is returned when a command is sent without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

// wireVerdict is the data-topic payload as the line server publishes it.
type wireVerdict struct {
	PID    *int   `json:"pid"`
	Result string `json:"result"`
}

// Channel subscribes to the verdict data topic and exposes the decoded
// events as a sequence consumed by the correlator. It also publishes
// operator commands on the control topic.
//
// Reconnection is NOT automatic: a dropped connection is surfaced as a
// degraded signal and the retry decision belongs to the operator via an
// explicit Restart. Auto-reconnect storms are exactly what we avoid here.
type Channel struct {
	cfg        config.MQTTConfig
	instanceID string
	client     mqtt.Client
	events     chan types.VerdictEvent
	closed     chan struct{}

	mu        sync.RWMutex
	connected bool
	received  uint64
	dropped   uint64 // malformed payloads
}

// NewChannel creates a verdict channel. Events() is valid immediately and
// stays valid across reconnects; it only terminates on Close.
func NewChannel(cfg config.MQTTConfig, instanceID string) *Channel {
	return &Channel{
		cfg:        cfg,
		instanceID: instanceID,
		events:     make(chan types.VerdictEvent, eventBuffer),
		closed:     make(chan struct{}),
	}
}

// Connect establishes the broker connection and subscribes the data topic.
// Connect while already connected is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if connected {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", c.instanceID, uuid.NewString()[:8]))
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		slog.Warn("mqtt connection lost",
			"error", err,
			"broker", c.cfg.Broker,
			"action", "operator restart required")
	}

	c.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	sub := c.client.Subscribe(c.cfg.Topics.Data, c.qos("data"), c.messageHandler)
	if !sub.WaitTimeout(connectTimeout) {
		c.client.Disconnect(250)
		return fmt.Errorf("verdict subscription timeout")
	}
	if err := sub.Error(); err != nil {
		c.client.Disconnect(250)
		return fmt.Errorf("verdict subscription failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	slog.Info("mqtt connection established",
		"broker", c.cfg.Broker,
		"data_topic", c.cfg.Topics.Data)

	return nil
}

// Disconnect unsubscribes and drops the broker connection. The events
// channel stays open so the correlator loop survives a session restart.
// Safe to call when not connected.
func (c *Channel) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		token := c.client.Unsubscribe(c.cfg.Topics.Data)
		token.WaitTimeout(publishTimeout)
		c.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Close terminates the event sequence. Call once, at process shutdown.
func (c *Channel) Close() {
	c.Disconnect()
	close(c.closed)
}

// Events returns the verdict sequence. Single consumer: the correlator.
func (c *Channel) Events() <-chan types.VerdictEvent {
	return c.events
}

// SendCommand publishes an operator command on the control topic.
func (c *Channel) SendCommand(cmd string) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	token := c.client.Publish(c.cfg.Topics.Control, c.qos("control"), false, []byte(cmd))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("command publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("command publish failed: %w", err)
	}

	slog.Debug("control command sent", "topic", c.cfg.Topics.Control, "command", cmd)
	return nil
}

// Connected reports the broker connection state.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats returns channel counters.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Connected: c.connected,
		Received:  c.received,
		Dropped:   c.dropped,
	}
}

// Stats contains verdict channel statistics
type Stats struct {
	Connected bool
	Received  uint64
	Dropped   uint64
}

// messageHandler decodes one data-topic payload. Malformed payloads are
// logged and dropped; they never crash the channel or stall later messages.
func (c *Channel) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var wire wireVerdict
	if err := json.Unmarshal(msg.Payload(), &wire); err != nil {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		slog.Error("malformed verdict payload dropped",
			"topic", msg.Topic(),
			"size", len(msg.Payload()),
			"error", err)
		return
	}

	ev := types.VerdictEvent{
		Result:     types.ParseResult(wire.Result),
		ReceivedAt: time.Now(),
	}
	if wire.PID != nil {
		ev.ProductID = *wire.PID
	}

	c.mu.Lock()
	c.received++
	c.mu.Unlock()

	// Blocking send preserves arrival order and never drops a verdict;
	// the buffer absorbs correlator latency spikes.
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Channel) qos(kind string) byte {
	if q, ok := c.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}
