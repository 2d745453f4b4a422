package sink

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/mqtt"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/timebase"
)

const (
	DefaultStatusInterval = 5 * time.Second
	DefaultTopicPrefix    = "iqstream"
	statusTopic           = "status"
)

// StatusSources supplies the values published in each status message.
// Nil funcs leave their section out.
type StatusSources struct {
	Processor func() processor.Snapshot
	Filter    func() processor.FilterState
	TimeBase  func() timebase.Stats
	Peak      func() *spectral.Spectrum
	Device    func() frontend.DeviceStats
}

// Status is the JSON document published to <prefix>/status
type Status struct {
	RunID     string                 `json:"run_id"`
	Time      time.Time              `json:"time"`
	Processor *processor.Snapshot    `json:"processor,omitempty"`
	Filter    *processor.FilterState `json:"filter,omitempty"`
	TimeBase  *timebase.Stats        `json:"timebase,omitempty"`
	Peak      *Peak                  `json:"peak,omitempty"`
	Frontend  *frontend.DeviceStats  `json:"frontend,omitempty"`
}

// Peak is the strongest bin of the latest spectrum
type Peak struct {
	Frequency float64   `json:"frequency_hz"`
	PowerDB   float64   `json:"power_db"`
	Frames    uint64    `json:"frames"`
	At        time.Time `json:"at"`
}

// MQTTPublisher periodically publishes pipeline status. It reads snapshots
// only, so it never touches the real-time path.
type MQTTPublisher struct {
	client   mqtt.Client
	runID    string
	topic    string
	interval time.Duration
	src      StatusSources
	now      func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// PublisherConfig configures an MQTTPublisher
type PublisherConfig struct {
	RunID       string
	TopicPrefix string
	Interval    time.Duration
}

// NewMQTTPublisher creates a publisher using client
func NewMQTTPublisher(client mqtt.Client, cfg PublisherConfig, src StatusSources) (*MQTTPublisher, error) {
	if client == nil {
		return nil, errors.Newf("mqtt publisher requires a client").
			Component("sink").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStatusInterval
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTPublisher{
		client:   client,
		runID:    cfg.RunID,
		topic:    prefix + "/" + statusTopic,
		interval: cfg.Interval,
		src:      src,
		now:      time.Now,
	}, nil
}

// Topic returns the status topic
func (p *MQTTPublisher) Topic() string {
	return p.topic
}

// Published returns the number of successful publishes
func (p *MQTTPublisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns the number of failed publishes
func (p *MQTTPublisher) Failed() uint64 {
	return p.failed.Load()
}

// Status assembles the current status document
func (p *MQTTPublisher) Status() Status {
	st := Status{RunID: p.runID, Time: p.now()}
	if f := p.src.Processor; f != nil {
		s := f()
		st.Processor = &s
	}
	if f := p.src.Filter; f != nil {
		s := f()
		st.Filter = &s
	}
	if f := p.src.TimeBase; f != nil {
		s := f()
		st.TimeBase = &s
	}
	if f := p.src.Peak; f != nil {
		if s := f(); s != nil {
			st.Peak = &Peak{Frequency: s.PeakFreq, PowerDB: s.PeakPowerDB, Frames: s.Frames, At: s.ComputedAt}
		}
	}
	if f := p.src.Device; f != nil {
		s := f()
		st.Frontend = &s
	}
	return st
}

// PublishOnce publishes the current status
func (p *MQTTPublisher) PublishOnce(ctx context.Context) error {
	payload, err := json.Marshal(p.Status())
	if err != nil {
		return errors.New(err).
			Component("sink").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_status").
			Build()
	}
	if err := p.client.Publish(ctx, p.topic, string(payload)); err != nil {
		p.failed.Add(1)
		return err
	}
	p.published.Add(1)
	return nil
}

// Run connects if needed and publishes every interval until ctx is done.
// Broker failures are logged and retried on the next tick; they never stop
// the pipeline.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			log.Warn("mqtt connect failed, will retry",
				logger.String("topic", p.topic),
				logger.Error(err))
		}
	}
	defer p.client.Disconnect()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !p.client.IsConnected() {
			if err := p.client.Connect(ctx); err != nil {
				log.Debug("mqtt still disconnected", logger.Error(err))
				p.failed.Add(1)
				continue
			}
		}
		if err := p.PublishOnce(ctx); err != nil {
			log.Warn("status publish failed", logger.String("topic", p.topic), logger.Error(err))
		}
	}
}
