// Package mqtt connects the status publisher to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/logger"
)

// Client publishes to a single broker
type Client interface {
	// Connect dials the broker. Attempts closer together than the reconnect
	// cooldown are refused.
	Connect(ctx context.Context) error
	// Publish sends payload to topic and waits for the broker acknowledgement
	Publish(ctx context.Context, topic string, payload string) error
	IsConnected() bool
	// Disconnect closes the connection and stops background reconnects
	Disconnect()
}

// Config holds broker credentials and timing
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool

	ReconnectCooldown time.Duration // minimum spacing of Connect calls
	ReconnectDelay    time.Duration // wait after a lost connection before retrying
	MaxBackoff        time.Duration // ceiling of the retry backoff
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

var log = logger.Global().Module("mqtt")

// DefaultConfig returns the timing defaults
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ReconnectDelay:    time.Second,
		MaxBackoff:        5 * time.Minute,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings builds a client config from the mqtt settings section.
// An empty client id is derived from runID.
func ConfigFromSettings(s conf.MQTTSettings, runID string) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.ClientID = s.ClientID
	if cfg.ClientID == "" {
		cfg.ClientID = "iqstream-" + runID[:min(8, len(runID))]
	}
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.QoS = s.QoS
	cfg.Retain = s.Retain
	return cfg
}

// withDefaults fills zero durations from DefaultConfig
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	for _, d := range []struct{ v, def *time.Duration }{
		{&cfg.ReconnectCooldown, &def.ReconnectCooldown},
		{&cfg.ReconnectDelay, &def.ReconnectDelay},
		{&cfg.MaxBackoff, &def.MaxBackoff},
		{&cfg.ConnectTimeout, &def.ConnectTimeout},
		{&cfg.PublishTimeout, &def.PublishTimeout},
		{&cfg.DisconnectTimeout, &def.DisconnectTimeout},
	} {
		if *d.v <= 0 {
			*d.v = *d.def
		}
	}
	return cfg
}
