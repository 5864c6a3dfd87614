// Package mqtt publishes report events to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
)

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnect      time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		QoS:               1,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnect:      5 * time.Minute,
	}
}

// ConfigFromSettings applies the mqtt settings on top of DefaultConfig.
func ConfigFromSettings(settings conf.MQTTSettings) Config {
	cfg := DefaultConfig()
	cfg.Broker = settings.Broker
	cfg.ClientID = settings.ClientID
	cfg.Username = settings.Username
	cfg.Password = settings.Password
	cfg.Retain = settings.Retain
	if settings.QoS >= 0 && settings.QoS <= 2 {
		cfg.QoS = byte(settings.QoS)
	}
	return cfg
}

// Client wraps a paho client with metrics and structured logging.
type Client struct {
	config    Config
	mu        sync.Mutex
	internal  paho.Client
	newClient func(*paho.ClientOptions) paho.Client
	metrics   *metrics.MQTTMetrics
	log       logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPahoFactory replaces paho.NewClient, mainly for tests.
func WithPahoFactory(fn func(*paho.ClientOptions) paho.Client) ClientOption {
	return func(c *Client) { c.newClient = fn }
}

// WithClientLogger replaces the module logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient validates cfg and returns an unconnected client. m may be nil.
func NewClient(cfg Config, m *metrics.MQTTMetrics, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid broker URL %q", cfg.Broker).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fetalscan"
	}
	c := &Client{
		config:    cfg,
		newClient: paho.NewClient,
		metrics:   m,
		log:       logger.Global().Module("mqtt"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect establishes the broker connection. paho reconnects on its own afterwards.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internal != nil && c.internal.IsConnected() {
		return nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnect)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.internal = c.newClient(opts)

	token := c.internal.Connect()
	if err := waitToken(ctx, token, c.config.ConnectTimeout); err != nil {
		c.connectionEvent("connect_failed")
		return c.networkError(err, "connect")
	}
	c.connectionEvent("connected")
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	internal := c.internal
	c.mu.Unlock()

	if internal == nil || !internal.IsConnected() {
		c.recordPublish(metrics.PublishNotConnected, 0, 0)
		return c.networkError(fmt.Errorf("not connected to MQTT broker"), "publish")
	}

	start := time.Now()
	token := internal.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if err := waitToken(ctx, token, c.config.PublishTimeout); err != nil {
		c.recordPublish(metrics.PublishFailed, 0, 0)
		return c.networkError(err, "publish")
	}
	c.recordPublish(metrics.PublishDelivered, len(payload), time.Since(start))
	c.log.Debug("published message",
		logger.String("topic", topic),
		logger.Int("bytes", len(payload)))
	return nil
}

// IsConnected returns true if the client is currently connected to the broker.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal != nil && c.internal.IsConnected()
}

// Disconnect closes the connection to the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internal == nil {
		return
	}
	c.internal.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	c.connectionEvent("disconnected")
}

func (c *Client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	c.connectionEvent("connected")
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	c.connectionEvent("lost")
}

func (c *Client) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.connectionEvent("reconnecting")
}

func (c *Client) connectionEvent(event string) {
	if c.metrics != nil {
		c.metrics.RecordConnectionEvent(event)
	}
}

func (c *Client) recordPublish(result string, size int, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordPublish(result, size, d)
	}
}

func (c *Client) networkError(err error, operation string) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryNetwork).
		Context("operation", operation).
		Context("broker", c.config.Broker).
		Build()
}

// waitToken waits for token completion, the timeout, or ctx, whichever comes first
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
