// Package pipeline assembles the sample source, time base, stream processor,
// spectral monitor and outputs described by the settings and runs them
// until the source ends or the context is cancelled.
package pipeline

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/iqstream/internal/adaptive"
	"github.com/tphakala/iqstream/internal/api"
	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/mqtt"
	"github.com/tphakala/iqstream/internal/observability"
	"github.com/tphakala/iqstream/internal/observability/metrics"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/queue"
	"github.com/tphakala/iqstream/internal/rtsched"
	"github.com/tphakala/iqstream/internal/sink"
	"github.com/tphakala/iqstream/internal/snapshot"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/timebase"
)

const (
	// drainPoll is how often a finished source checks that the processor
	// has caught up
	drainPoll = 5 * time.Millisecond
	// DefaultDrainTimeout bounds the wait for queued batches after the
	// source ends
	DefaultDrainTimeout = 5 * time.Second
)

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithLogger sets the parent logger for all components
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// WithRunID overrides the generated run id
func WithRunID(id string) Option {
	return func(p *Pipeline) {
		p.runID = id
	}
}

// WithRawReader reads raw IQ from r instead of opening the configured path
func WithRawReader(r io.Reader) Option {
	return func(p *Pipeline) {
		p.rawReader = r
	}
}

// WithMQTTClient replaces the broker client built from the settings
func WithMQTTClient(c mqtt.Client) Option {
	return func(p *Pipeline) {
		p.mqttClient = c
	}
}

// Pipeline owns every component of one run
type Pipeline struct {
	settings *conf.Settings
	runID    string
	log      logger.Logger

	rawReader  io.Reader
	mqttClient mqtt.Client
	closers    []io.Closer

	queue     *queue.SampleQueue
	device    *frontend.Device
	source    frontend.Source
	timeBase  *timebase.TimeBase
	processor *processor.Processor
	monitor   *spectral.Monitor
	pulses    *frontend.PulseGenerator

	counter   *sink.Counter
	wav       *sink.WAVWriter
	publisher *sink.MQTTPublisher

	metrics   *observability.Metrics
	telemetry *observability.Endpoint
	api       *api.Server
	snapshots *snapshot.Store
}

// New builds every component described by settings. Nothing runs until Run.
func New(settings *conf.Settings, opts ...Option) (*Pipeline, error) {
	if settings == nil {
		return nil, errors.Newf("pipeline requires settings").
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	p := &Pipeline{settings: settings}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Global().Module("pipeline")
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	p.log = p.log.With(logger.String("run_id", p.runID))

	if err := p.build(); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build() error {
	steps := []func() error{
		p.buildFrontend,
		p.buildTimeBase,
		p.buildSpectral,
		p.buildProcessor,
		p.buildPulses,
		p.buildMetrics,
		p.buildSnapshots,
		p.buildMQTT,
		p.buildAPI,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) buildFrontend() error {
	fs := p.settings.Frontend
	q, err := queue.NewSampleQueue(fs.QueueCapacity)
	if err != nil {
		return err
	}
	overflow, err := frontend.ParseOverflowPolicy(fs.Overflow)
	if err != nil {
		return err
	}
	d, err := frontend.NewDevice(q, frontend.DeviceConfig{
		SampleRate: fs.SampleRate,
		BatchSize:  fs.BatchSize,
		Overflow:   overflow,
		Logger:     p.log.Module("frontend"),
	})
	if err != nil {
		return err
	}
	src, err := p.newSource()
	if err != nil {
		return err
	}
	p.queue, p.device, p.source = q, d, src
	return nil
}

func (p *Pipeline) newSource() (frontend.Source, error) {
	fs := p.settings.Frontend
	switch fs.Source {
	case "tone", "":
		return frontend.NewToneSource(frontend.ToneConfig{
			Freq:      fs.Tone.Freq,
			Amplitude: fs.Tone.Amplitude,
			Noise:     fs.Tone.Noise,
			Reference: fs.Tone.Reference,
			Paced:     fs.Paced,
			Batches:   fs.Batches,
			Seed:      fs.Tone.Seed,
		})
	case "raw":
		r := p.rawReader
		name := fs.Raw.Path
		if r == nil {
			if fs.Raw.Path == "-" {
				r = os.Stdin
				name = "stdin"
			} else {
				f, err := os.Open(fs.Raw.Path)
				if err != nil {
					return nil, errors.New(err).
						Component("pipeline").
						Category(errors.CategoryFileIO).
						FileContext(fs.Raw.Path).
						Build()
				}
				p.closers = append(p.closers, f)
				r = f
			}
		}
		return frontend.NewRawSource(name, r, frontend.RawFormat(fs.Raw.Format), fs.Paced)
	case "wav":
		return frontend.NewWAVSource(fs.File, fs.Paced), nil
	case "flac":
		return frontend.NewFLACSource(fs.File, fs.Paced), nil
	case "soundcard":
		return frontend.NewSoundcardSource(fs.Soundcard.Device, fs.Soundcard.SwapIQ), nil
	default:
		return nil, errors.Newf("unknown frontend source %q", fs.Source).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func (p *Pipeline) buildTimeBase() error {
	ts := p.settings.TimeBase
	var clock timebase.Clock = p.device
	coarse := timebase.CoarseSource(ts.Coarse)
	if coarse == timebase.CoarseHardware {
		clock = hostSecondsClock{Clock: p.device}
	}
	tbLog := p.log.Module("timebase")
	tb, err := timebase.New(clock, timebase.Config{
		PulsePeriod: ts.PulsePeriod,
		Tolerance:   ts.Tolerance,
		Coarse:      coarse,
		AutoAdvance: ts.AutoAdvance,
		Logger:      tbLog,
	})
	if err != nil {
		return err
	}
	p.timeBase = tb
	return nil
}

func (p *Pipeline) buildSpectral() error {
	ss := p.settings.Spectral
	if !ss.Enabled {
		return nil
	}
	m, err := spectral.New(spectral.Config{
		FFTSize:     ss.FFTSize,
		Window:      ss.Window,
		Average:     ss.Average,
		SampleRate:  float64(p.device.SampleRate()),
		CenterFreq:  ss.CenterFreq,
		Rate:        ss.Rate,
		TapCapacity: ss.TapCapacity,
		BatchSize:   p.device.BatchSize(),
		Logger:      p.log.Module("spectral"),
	})
	if err != nil {
		return err
	}
	p.monitor = m
	return nil
}

// StageConfig translates filter settings into a processor stage config
func StageConfig(fs conf.FilterSettings, sampleRate int) processor.StageConfig {
	return processor.StageConfig{
		Type: fs.Stage,
		LMS: processor.LMSConfig{
			Filter: adaptive.Config{
				Taps:       fs.Taps,
				StepSize:   fs.StepSize,
				Normalized: fs.Normalized,
				Epsilon:    fs.Epsilon,
			},
			Reference: fs.Reference,
			Delay:     fs.Delay,
			Emit:      fs.Emit,
		},
		Biquad: processor.BiquadConfig{
			Filter:     fs.Biquad.Filter,
			SampleRate: float64(sampleRate),
			Frequency:  fs.Biquad.Frequency,
			Q:          fs.Biquad.Q,
			GainDB:     fs.Biquad.GainDB,
			Passes:     fs.Biquad.Passes,
		},
		GainDB: fs.GainDB,
	}
}

func (p *Pipeline) buildProcessor() error {
	stage, err := processor.NewStage(StageConfig(p.settings.Filter, p.device.SampleRate()))
	if err != nil {
		return err
	}

	p.counter = &sink.Counter{}
	sinks := []processor.Sink{p.counter}

	if ws := p.settings.Output.WAV; ws.Enabled {
		var opts []sink.WAVOption
		if ws.MaxUsage != "" {
			pct, err := conf.ParsePercentage(ws.MaxUsage)
			if err != nil {
				return err
			}
			opts = append(opts, sink.WithDiskLimit(pct, nil))
		}
		w, err := sink.NewWAVWriter(ws.Path, p.device.SampleRate(), p.device.BatchSize(), ws.Queue, opts...)
		if err != nil {
			return err
		}
		p.wav = w
		sinks = append(sinks, w)
	}

	ps := p.settings.Processor
	cfg := processor.Config{
		Queue:           p.queue,
		TimeBase:        p.timeBase,
		Stage:           stage,
		Sinks:           sinks,
		BatchSize:       p.device.BatchSize(),
		Budget:          ps.Budget,
		SpinCount:       ps.SpinCount,
		IdleSleep:       ps.IdleSleep,
		MaxIdleSleep:    ps.MaxIdleSleep,
		ErrorPowerDecay: ps.ErrorPowerDecay,
		Logger:          p.log.Module("processor"),
	}
	if p.monitor != nil {
		cfg.Tap = p.monitor
	}
	proc, err := processor.New(cfg)
	if err != nil {
		return err
	}
	p.processor = proc
	return nil
}

func (p *Pipeline) buildPulses() error {
	if !p.settings.Frontend.Pulse.Enabled {
		return nil
	}
	g, err := frontend.NewPulseGenerator(p.device, p.timeBase, frontend.PulseConfig{
		Period:      p.settings.TimeBase.PulsePeriod,
		GlitchEvery: p.settings.Frontend.Pulse.GlitchEvery,
		Logger:      p.log.Module("pulse"),
	})
	if err != nil {
		return err
	}
	p.pulses = g
	return nil
}

func (p *Pipeline) buildMetrics() error {
	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	src := metrics.PipelineSources{
		Processor: p.processor.Metrics,
		Filter:    p.processor.FilterState,
		TimeBase:  p.timeBase.Stats,
		Device:    p.device.Stats,
	}
	if p.monitor != nil {
		src.Spectral = p.monitor.Stats
		src.Peak = p.monitor.Latest
	}
	if p.pulses != nil {
		src.Pulses = p.pulses.Stats
	}
	if err := m.AttachPipeline(src); err != nil {
		return err
	}
	p.metrics = m
	if ts := p.settings.Telemetry; ts.Enabled {
		p.telemetry = observability.NewEndpoint(ts.Listen, m)
	}
	return nil
}

func (p *Pipeline) buildSnapshots() error {
	ss := p.settings.Snapshot
	if !ss.Enabled {
		return nil
	}
	store, err := snapshot.Open(snapshot.Config{
		Driver: ss.Driver,
		Path:   ss.Path,
		MySQL: snapshot.MySQLConfig{
			Host:     ss.MySQL.Host,
			Port:     ss.MySQL.Port,
			Username: ss.MySQL.Username,
			Password: ss.MySQL.Password,
			Database: ss.MySQL.Database,
		},
		Logger: p.log.Module("snapshot"),
	})
	if err != nil {
		return err
	}
	p.snapshots = store
	p.closers = append(p.closers, store)
	return nil
}

func (p *Pipeline) buildMQTT() error {
	ms := p.settings.MQTT
	if !ms.Enabled {
		return nil
	}
	client := p.mqttClient
	if client == nil {
		c, err := mqtt.NewClient(mqtt.ConfigFromSettings(ms, p.runID), p.metrics.MQTT)
		if err != nil {
			return err
		}
		client = c
	}
	src := sink.StatusSources{
		Processor: p.processor.Metrics,
		Filter:    p.processor.FilterState,
		TimeBase:  p.timeBase.Stats,
		Device:    p.device.Stats,
	}
	if p.monitor != nil {
		src.Peak = p.monitor.Latest
	}
	pub, err := sink.NewMQTTPublisher(client, sink.PublisherConfig{
		RunID:       p.runID,
		TopicPrefix: ms.Topic,
		Interval:    ms.Interval,
	}, src)
	if err != nil {
		return err
	}
	p.publisher = pub
	return nil
}

func (p *Pipeline) buildAPI() error {
	as := p.settings.API
	if !as.Enabled {
		return nil
	}
	deps := api.Deps{
		RunID:     p.runID,
		Processor: p.processor,
		TimeBase:  p.timeBase,
		Device:    p.device.Stats,
		Metrics:   p.metrics.Handler(),
		Logger:    p.log.Module("api"),
	}
	// typed nil pointers must not reach the interface fields
	if p.monitor != nil {
		deps.Spectral = p.monitor
	}
	if p.snapshots != nil {
		deps.Snapshots = p.snapshots
	}
	s, err := api.New(as.Listen, deps)
	if err != nil {
		return err
	}
	p.api = s
	return nil
}

// Run starts every component and blocks until ctx is cancelled, the source
// reaches the end of its input, or a component fails. After a finite source
// ends the queued batches are drained before the rest shuts down.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	p.log.Info("pipeline starting",
		logger.String("source", p.source.Name()),
		logger.String("stage", p.processor.Stage().Name()),
		logger.Int("sample_rate", p.device.SampleRate()),
		logger.Int("batch_size", p.device.BatchSize()))

	g.Go(func() error { return p.runProcessor(gctx) })
	g.Go(func() error {
		if err := p.source.Run(gctx, p.device); err != nil {
			return err
		}
		if gctx.Err() == nil {
			p.log.Info("source finished, draining queue", logger.String("source", p.source.Name()))
			p.drain(gctx, DefaultDrainTimeout)
			cancel()
		}
		return nil
	})
	if p.monitor != nil {
		g.Go(func() error { return p.monitor.Run(gctx) })
	}
	if p.pulses != nil {
		g.Go(func() error { return p.pulses.Run(gctx) })
	}
	if p.wav != nil {
		g.Go(func() error { return p.wav.Run(gctx) })
	}
	if p.publisher != nil {
		g.Go(func() error { return p.publisher.Run(gctx) })
	}
	if p.telemetry != nil {
		g.Go(func() error { return p.telemetry.Run(gctx) })
	}
	if p.api != nil {
		g.Go(func() error { return p.api.Run(gctx) })
	}

	err := g.Wait()
	s := p.processor.Metrics()
	fields := []logger.Field{
		logger.Uint64("batches", s.BatchesProcessed),
		logger.Uint64("samples", s.SamplesProcessed),
		logger.Uint64("overruns", s.Overruns),
		logger.Uint64("dropped", p.device.Stats().Dropped),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Error("pipeline stopped with error", append(fields, logger.Error(err))...)
		return err
	}
	p.log.Info("pipeline stopped", fields...)
	return nil
}

// runProcessor runs the processor, on a locked and optionally pinned thread
// when real-time hints are enabled
func (p *Pipeline) runProcessor(ctx context.Context) error {
	rt := p.settings.Processor.RealTime
	if rt.Enabled {
		release, err := rtsched.Apply(rtsched.Options{CPU: rt.CPU, LockMemory: rt.LockMemory})
		defer release()
		if err != nil {
			p.log.Warn("real-time hints partially applied", logger.Error(err))
		}
	}
	return p.processor.Run(ctx)
}

// drain waits until the processor has consumed everything the device queued
func (p *Pipeline) drain(ctx context.Context, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for {
		if p.queue.Len() == 0 && p.processor.Metrics().BatchesProcessed >= p.device.Stats().Batches {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.log.Warn("queue drain timed out", logger.Int("pending", p.queue.Len()))
			return
		case <-tick.C:
		}
	}
}

func (p *Pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			p.log.Warn("close failed", logger.Error(err))
		}
	}
	p.closers = nil
}

// RunID returns the identifier of this run
func (p *Pipeline) RunID() string { return p.runID }

// Processor returns the stream processor
func (p *Pipeline) Processor() *processor.Processor { return p.processor }

// Device returns the producer side of the sample queue
func (p *Pipeline) Device() *frontend.Device { return p.device }

// TimeBase returns the time base
func (p *Pipeline) TimeBase() *timebase.TimeBase { return p.timeBase }

// Monitor returns the spectral monitor, nil when disabled
func (p *Pipeline) Monitor() *spectral.Monitor { return p.monitor }

// Counter returns the output counter sink
func (p *Pipeline) Counter() *sink.Counter { return p.counter }

// WAV returns the recorder, nil when disabled
func (p *Pipeline) WAV() *sink.WAVWriter { return p.wav }

// Metrics returns the Prometheus metrics
func (p *Pipeline) Metrics() *observability.Metrics { return p.metrics }

// API returns the control API server, nil when disabled
func (p *Pipeline) API() *api.Server { return p.api }

// Snapshots returns the snapshot store, nil when disabled
func (p *Pipeline) Snapshots() *snapshot.Store { return p.snapshots }
