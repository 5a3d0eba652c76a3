package owntracks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/logger"
)

const (
	operationTimeout  = 5 * time.Second
	pingTimeout       = 10 * time.Second
	disconnectQuiesce = 250
)

var errNotConnected = errors.New("not connected to broker")

// MessageHandler processes one message received on a subscribed topic.
type MessageHandler func(topic string, payload []byte) error

// Broker is the part of the MQTT client the tracker needs.
type Broker interface {
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	PublishJSON(topic string, data any) error
}

// Client wraps a paho client and routes messages to per-topic handlers.
// Subscriptions are restored after a reconnect.
type Client struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	ctx    context.Context

	// mu protects the fields below.
	mu        sync.RWMutex
	handlers  map[string]MessageHandler
	connected bool
}

var _ Broker = (*Client)(nil)

// NewClient creates a client for the configured broker. ctx carries the logger used by callbacks.
func NewClient(ctx context.Context, cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:      cfg,
		ctx:      logger.WithName(ctx, "mqtt"),
		handlers: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(pingTimeout)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)

	return c
}

// Connect dials the broker and waits at most the configured connect timeout.
func (c *Client) Connect() error {
	logger.InfoKV(c.ctx, "Connecting to MQTT broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %v", c.cfg.ConnectTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	logger.Info(c.ctx, "Connected to MQTT broker")

	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)

	logger.Info(c.ctx, "Disconnected from MQTT broker")
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected && c.client.IsConnected()
}

// Subscribe registers handler for topic. Wildcards are allowed.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return errNotConnected
	}

	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.cfg.QoS, c.onMessage)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	logger.DebugKV(c.ctx, "Subscribed", "topic", topic, "qos", c.cfg.QoS)

	return nil
}

// Unsubscribe drops the handler for topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("unsubscribe timeout for topic %s", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", topic, err)
	}

	return nil
}

// Publish sends payload to topic.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return errNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	logger.DebugKV(c.ctx, "Published", "topic", topic, "bytes", len(payload))

	return nil
}

// PublishJSON marshals data and publishes it.
func (c *Client) PublishJSON(topic string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	return c.Publish(topic, payload)
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	handler, ok := c.handlerFor(topic)
	if !ok {
		logger.WarnKV(c.ctx, "No handler for topic", "topic", topic)
		return
	}

	if err := handler(topic, msg.Payload()); err != nil {
		logger.WarnKV(c.ctx, "Handler failed", "topic", topic, "error", err)
	}
}

func (c *Client) handlerFor(topic string) (MessageHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h, ok := c.handlers[topic]; ok {
		return h, true
	}

	for pattern, h := range c.handlers {
		if matchTopic(pattern, topic) {
			return h, true
		}
	}

	return nil, false
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	logger.Info(c.ctx, "MQTT connection established")

	for _, topic := range topics {
		token := client.Subscribe(topic, c.cfg.QoS, c.onMessage)
		if token.WaitTimeout(operationTimeout) && token.Error() != nil {
			logger.ErrorKV(c.ctx, "Resubscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	logger.ErrorKV(c.ctx, "MQTT connection lost", "error", err)
}

func (c *Client) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	logger.Warn(c.ctx, "Reconnecting to MQTT broker")
}

// matchTopic reports whether topic matches an MQTT subscription pattern with + and # wildcards.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		switch {
		case part == "#":
			return true
		case i >= len(topicParts):
			return false
		case part == "+":
			continue
		case part != topicParts[i]:
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}
