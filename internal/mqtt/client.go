package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/observability/metrics"
)

type client struct {
	cfg     Config
	metrics *metrics.PublisherMetrics

	mu          sync.Mutex
	conn        paho.Client
	lastAttempt time.Time
	retry       *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient validates cfg and returns an unconnected client. m may be nil.
func NewClient(cfg Config, m *metrics.PublisherMetrics) (Client, error) {
	if cfg.Broker == "" {
		return nil, errors.Newf("mqtt broker address is required").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf("invalid mqtt QoS %d", cfg.QoS).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &client{
		cfg:     cfg.withDefaults(),
		metrics: m,
		stop:    make(chan struct{}),
	}, nil
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since := time.Since(c.lastAttempt); since < c.cfg.ReconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", since).
			Component("mqtt").
			Category(errors.CategoryMQTTConnect).
			Priority(errors.PriorityLow).
			Build()
	}
	c.lastAttempt = time.Now()

	if err := c.resolveBroker(ctx); err != nil {
		return c.connectError(err)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetOnConnectHandler(func(paho.Client) {
			log.Info("connected to MQTT broker", logger.String("broker", c.cfg.Broker))
			c.metrics.SetConnected(true)
		}).
		SetConnectionLostHandler(c.connectionLost)

	c.conn = paho.NewClient(opts)
	token := c.conn.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return c.connectError(fmt.Errorf("connection timeout"))
	}
	if err := token.Error(); err != nil {
		return c.connectError(fmt.Errorf("connection error: %w", err))
	}
	c.metrics.SetConnected(true)
	return nil
}

// resolveBroker fails fast on malformed URLs and unknown hosts instead of
// waiting out the paho connect timeout
func (c *client) resolveBroker(ctx context.Context) error {
	u, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("broker URL %q has no host", c.cfg.Broker)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		return fmt.Errorf("failed to resolve hostname %s: %w", host, err)
	}
	return nil
}

func (c *client) connectError(err error) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConnect).
		Context("broker", c.cfg.Broker).
		Build()
}

func publishError(err error, topic string) error {
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTPublish).
		Context("topic", topic).
		Build()
}

func (c *client) Publish(ctx context.Context, topic string, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Priority(errors.PriorityLow).
			Context("topic", topic).
			Build()
	}

	timer := c.metrics.PublishTimer()
	defer timer.ObserveDuration()

	timeout := c.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	token := c.conn.Publish(topic, c.cfg.QoS, c.cfg.Retain, payload)
	if !token.WaitTimeout(timeout) {
		c.metrics.Failed()
		return publishError(fmt.Errorf("publish timeout after %v", timeout), topic)
	}
	if err := token.Error(); err != nil {
		c.metrics.Failed()
		return publishError(err, topic)
	}
	c.metrics.Delivered(len(payload))
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected()
}

// connected requires c.mu
func (c *client) connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retry != nil {
		c.retry.Stop()
	}
	if c.connected() {
		c.conn.Disconnect(uint(c.cfg.DisconnectTimeout.Milliseconds()))
		c.metrics.SetConnected(false)
	}
}

func (c *client) connectionLost(_ paho.Client, err error) {
	log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.cfg.Broker),
		logger.Error(err))
	c.metrics.SetConnected(false)
	c.metrics.Failed()

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return
	default:
	}
	c.retry = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
}

// reconnect retries with doubling backoff until connected or Disconnect
func (c *client) reconnect() {
	backoff := time.Second
	for !c.IsConnected() {
		select {
		case <-c.stop:
			return
		default:
		}
		c.metrics.Reconnecting()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			log.Info("reconnected to MQTT broker")
			return
		}
		c.metrics.Failed()
		log.Warn("failed to reconnect to MQTT broker",
			logger.Error(err),
			logger.Duration("retry_in", backoff))

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		case <-c.stop:
			return
		}
	}
}
