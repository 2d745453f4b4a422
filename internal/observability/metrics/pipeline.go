// Package metrics provides custom Prometheus metrics for the iqstream pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/timebase"
)

const namespace = "iqstream"

// PipelineSources supplies the values PipelineMetrics exports. Nil funcs
// are skipped, so a partial pipeline can still be scraped.
type PipelineSources struct {
	Processor func() processor.Snapshot
	Filter    func() processor.FilterState
	TimeBase  func() timebase.Stats
	Spectral  func() spectral.Stats
	Peak      func() *spectral.Spectrum
	Device    func() frontend.DeviceStats
	Pulses    func() frontend.PulseStats
}

// PipelineMetrics reads the pipeline's own atomic counters at scrape time.
// Nothing on the real-time path touches Prometheus types.
type PipelineMetrics struct {
	registry *prometheus.Registry
	src      PipelineSources

	batches       *prometheus.Desc
	samples       *prometheus.Desc
	overruns      *prometheus.Desc
	underruns     *prometheus.Desc
	faults        *prometheus.Desc
	stageErrors   *prometheus.Desc
	tapDrops      *prometheus.Desc
	errorPower    *prometheus.Desc
	queueDepth    *prometheus.Desc
	lastLatency   *prometheus.Desc
	maxLatency    *prometheus.Desc
	filterFaulted *prometheus.Desc
	stepSize      *prometheus.Desc
	taps          *prometheus.Desc

	synchronized *prometheus.Desc
	pulses       *prometheus.Desc
	anomalies    *prometheus.Desc

	spectralFrames  *prometheus.Desc
	spectralSkipped *prometheus.Desc
	spectralDropped *prometheus.Desc
	spectralGaps    *prometheus.Desc
	peakFreq        *prometheus.Desc
	peakPower       *prometheus.Desc

	ingestBatches *prometheus.Desc
	ingestDropped *prometheus.Desc
	ingestWaits   *prometheus.Desc

	simPulses   *prometheus.Desc
	simGlitches *prometheus.Desc
}

// NewPipelineMetrics creates and registers the pipeline collector
func NewPipelineMetrics(registry *prometheus.Registry, src PipelineSources) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry, src: src}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func desc(subsystem, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
}

func (m *PipelineMetrics) initMetrics() {
	m.batches = desc("processor", "batches_total", "Total number of batches processed")
	m.samples = desc("processor", "samples_total", "Total number of samples processed")
	m.overruns = desc("processor", "budget_overruns_total", "Batches whose processing exceeded the per-batch budget")
	m.underruns = desc("processor", "underruns_total", "Times the processor found the sample queue empty")
	m.faults = desc("processor", "filter_faults_total", "Adaptive filter faults that switched the pipeline to bypass")
	m.stageErrors = desc("processor", "stage_errors_total", "Non-fatal stage errors, batch passed through")
	m.tapDrops = desc("processor", "tap_drops_total", "Batches the spectral tap had no room for")
	m.errorPower = desc("processor", "mean_error_power", "Decayed average of the adaptive filter error power")
	m.queueDepth = desc("processor", "queue_depth", "Batches waiting in the sample queue")
	m.lastLatency = desc("processor", "last_batch_latency_seconds", "Processing time of the most recent batch")
	m.maxLatency = desc("processor", "max_batch_latency_seconds", "Longest batch processing time observed")
	m.filterFaulted = desc("filter", "faulted", "1 while the adaptive filter is faulted and bypassed")
	m.stepSize = desc("filter", "step_size", "Current adaptive filter step size")
	m.taps = desc("filter", "taps", "Adaptive filter length")

	m.synchronized = desc("timebase", "synchronized", "1 while the time base is disciplined by reference pulses")
	m.pulses = desc("timebase", "pulses_accepted_total", "Reference pulses accepted")
	m.anomalies = desc("timebase", "anomalies_total", "Reference pulses rejected as time sync anomalies")

	m.spectralFrames = desc("spectral", "frames_total", "Spectral frames computed")
	m.spectralSkipped = desc("spectral", "skipped_batches_total", "Batches skipped by the spectral rate limit")
	m.spectralDropped = desc("spectral", "dropped_batches_total", "Batches dropped because the spectral tap was full")
	m.spectralGaps = desc("spectral", "discarded_frames_total", "Partial frames abandoned at a gap in the batch sequence")
	m.peakFreq = desc("spectral", "peak_frequency_hz", "Frequency of the strongest bin in the latest spectrum")
	m.peakPower = desc("spectral", "peak_power_db", "Power of the strongest bin in the latest spectrum, dBFS")

	m.ingestBatches = desc("frontend", "batches_total", "Batches accepted into the sample queue")
	m.ingestDropped = desc("frontend", "dropped_batches_total", "Batches dropped because the sample queue was full")
	m.ingestWaits = desc("frontend", "wait_retries_total", "Backoff retries while waiting for queue room")

	m.simPulses = desc("frontend", "simulated_pulses_total", "Simulated reference pulses generated")
	m.simGlitches = desc("frontend", "simulated_glitches_total", "Spurious pulses injected by the pulse generator")
}

// Describe implements the prometheus.Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.batches, m.samples, m.overruns, m.underruns, m.faults, m.stageErrors, m.tapDrops,
		m.errorPower, m.queueDepth, m.lastLatency, m.maxLatency, m.filterFaulted, m.stepSize, m.taps,
		m.synchronized, m.pulses, m.anomalies,
		m.spectralFrames, m.spectralSkipped, m.spectralDropped, m.spectralGaps, m.peakFreq, m.peakPower,
		m.ingestBatches, m.ingestDropped, m.ingestWaits,
		m.simPulses, m.simGlitches,
	} {
		ch <- d
	}
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v uint64) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
}

func boolGauge(ch chan<- prometheus.Metric, d *prometheus.Desc, b bool) {
	if b {
		gauge(ch, d, 1)
		return
	}
	gauge(ch, d, 0)
}

// Collect implements the prometheus.Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	if f := m.src.Processor; f != nil {
		s := f()
		counter(ch, m.batches, s.BatchesProcessed)
		counter(ch, m.samples, s.SamplesProcessed)
		counter(ch, m.overruns, s.Overruns)
		counter(ch, m.underruns, s.Underruns)
		counter(ch, m.faults, s.Faults)
		counter(ch, m.stageErrors, s.StageErrors)
		counter(ch, m.tapDrops, s.TapDrops)
		gauge(ch, m.errorPower, s.MeanErrorPower)
		gauge(ch, m.queueDepth, float64(s.QueueDepth))
		gauge(ch, m.lastLatency, s.LastLatency.Seconds())
		gauge(ch, m.maxLatency, s.MaxLatency.Seconds())
		boolGauge(ch, m.filterFaulted, s.FilterFaulted)
	}
	if f := m.src.Filter; f != nil {
		fs := f()
		if fs.Adaptive {
			gauge(ch, m.stepSize, fs.StepSize)
			gauge(ch, m.taps, float64(fs.Taps))
		}
	}
	if f := m.src.TimeBase; f != nil {
		s := f()
		boolGauge(ch, m.synchronized, s.State == timebase.Synchronized)
		counter(ch, m.pulses, s.Pulses)
		counter(ch, m.anomalies, s.Anomalies)
	}
	if f := m.src.Spectral; f != nil {
		s := f()
		counter(ch, m.spectralFrames, s.Frames)
		counter(ch, m.spectralSkipped, s.Skipped)
		counter(ch, m.spectralDropped, s.Dropped)
		counter(ch, m.spectralGaps, s.Discarded)
	}
	if f := m.src.Peak; f != nil {
		if s := f(); s != nil {
			gauge(ch, m.peakFreq, s.PeakFreq)
			gauge(ch, m.peakPower, s.PeakPowerDB)
		}
	}
	if f := m.src.Device; f != nil {
		s := f()
		counter(ch, m.ingestBatches, s.Batches)
		counter(ch, m.ingestDropped, s.Dropped)
		counter(ch, m.ingestWaits, s.Waits)
	}
	if f := m.src.Pulses; f != nil {
		s := f()
		counter(ch, m.simPulses, s.Pulses)
		counter(ch, m.simGlitches, s.Glitches)
	}
}
