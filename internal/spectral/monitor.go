// Package spectral implements the spectral monitor: a windowed FFT over the
// sample stream, averaged over a few frames and published at a capped rate.
//
// The monitor has its own small tap queue. The stream processor offers it a
// copy of every input batch and never waits for it; batches that find the
// tap full are dropped, and batches that arrive while the update rate is
// capped are skipped.
package spectral

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/simd/f64"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/queue"
)

// Window functions
const (
	WindowHann           = "hann"
	WindowHamming        = "hamming"
	WindowBlackmanHarris = "blackman-harris"
	WindowRect           = "rect"
)

const (
	DefaultFFTSize     = 1024
	DefaultAverage     = 4
	DefaultRate        = 10.0
	DefaultTapCapacity = 8

	// floor for logarithmic values so that silence stays finite
	minPowerDB = -200.0

	pollInterval = time.Millisecond
)

// Config configures a Monitor
type Config struct {
	FFTSize int
	Window  string
	// Average is the number of frames in the moving average
	Average    int
	SampleRate float64
	// CenterFreq is added to every reported frequency
	CenterFreq float64
	// Rate caps frames per second. Negative disables the cap.
	Rate        float64
	TapCapacity int
	// BatchSize is the capacity of tap batches
	BatchSize int
	Logger    logger.Logger
}

// Spectrum is one published, averaged power spectrum
type Spectrum struct {
	// Bins holds averaged power per bin in ascending frequency order: index 0
	// is -SampleRate/2, index FFTSize/2 is DC
	Bins       []float64 `json:"bins"`
	FFTSize    int       `json:"fft_size"`
	SampleRate float64   `json:"sample_rate"`
	CenterFreq float64   `json:"center_freq"`
	Window     string    `json:"window"`
	// PeakBin indexes Bins
	PeakBin     int       `json:"peak_bin"`
	PeakFreq    float64   `json:"peak_freq"`
	PeakPower   float64   `json:"peak_power"`
	PeakPowerDB float64   `json:"peak_power_db"`
	TotalPower  float64   `json:"total_power"`
	Averaged    int       `json:"averaged"`
	Frames      uint64    `json:"frames"`
	Seq         uint64    `json:"seq"`
	Ticks       uint64    `json:"ticks"`
	Time        time.Time `json:"time"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Frequency returns the frequency in Hz of Bins[i]
func (s *Spectrum) Frequency(i int) float64 {
	return float64(i-s.FFTSize/2)*s.SampleRate/float64(s.FFTSize) + s.CenterFreq
}

// Stats counts monitor activity
type Stats struct {
	Frames  uint64 `json:"frames"`
	Skipped uint64 `json:"skipped"`
	Dropped uint64 `json:"dropped"`
	// Discarded counts partial frames abandoned at a gap in the batch sequence
	Discarded uint64 `json:"discarded"`
}

// Monitor computes spectra on its own goroutine
type Monitor struct {
	cfg    Config
	fft    *fourier.CmplxFFT
	coeffs []float64
	norm   float64 // 1/(Σw)², scales a coherent tone to its power
	// converts Σ bins to mean sample power: (Σw)²/(N·Σw²)
	totalScale float64
	tap        *queue.Ring[*iq.Batch]
	pool       *iq.BatchPool
	limit      *rate.Limiter
	log        logger.Logger

	// monitor goroutine only
	frame   []complex128
	spec    []complex128
	history [][]float64
	next    int
	filled  int
	sum     []float64
	// sequence of the last batch appended to frame
	frameSeq uint64
	lastSeq  uint64
	lastTks  uint64
	lastT    time.Time

	latest atomic.Pointer[Spectrum]

	frames    atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64

	subMu sync.Mutex
	subs  map[chan *Spectrum]struct{}
}

// New creates a monitor
func New(cfg Config) (*Monitor, error) {
	if cfg.FFTSize == 0 {
		cfg.FFTSize = DefaultFFTSize
	}
	if cfg.FFTSize < 8 {
		return nil, errors.Newf("fft size must be at least 8, got %d", cfg.FFTSize).
			Component("spectral").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.Newf("sample rate must be positive").
			Component("spectral").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Average <= 0 {
		cfg.Average = DefaultAverage
	}
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.TapCapacity <= 0 {
		cfg.TapCapacity = DefaultTapCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.FFTSize
	}
	if cfg.Window == "" {
		cfg.Window = WindowHann
	}
	coeffs, err := windowCoefficients(cfg.Window, cfg.FFTSize)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("spectral")
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	var wsum, w2 float64
	for _, w := range coeffs {
		wsum += w
		w2 += w * w
	}

	m := &Monitor{
		cfg:        cfg,
		fft:        fourier.NewCmplxFFT(cfg.FFTSize),
		coeffs:     coeffs,
		norm:       1 / (wsum * wsum),
		totalScale: wsum * wsum / (float64(cfg.FFTSize) * w2),
		tap:        queue.NewRounded[*iq.Batch](cfg.TapCapacity),
		pool:       iq.NewBatchPool(cfg.BatchSize),
		limit:      rate.NewLimiter(limit, 1),
		log:        log,
		frame:      make([]complex128, 0, cfg.FFTSize),
		spec:       make([]complex128, cfg.FFTSize),
		history:    make([][]float64, cfg.Average),
		sum:        make([]float64, cfg.FFTSize),
		subs:       make(map[chan *Spectrum]struct{}),
	}
	for i := range m.history {
		m.history[i] = make([]float64, cfg.FFTSize)
	}
	return m, nil
}

// windowCoefficients returns the named window of length n
func windowCoefficients(name string, n int) ([]float64, error) {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	switch strings.ToLower(name) {
	case WindowHann:
		window.Hann(w)
	case WindowHamming:
		window.Hamming(w)
	case WindowBlackmanHarris:
		window.BlackmanHarris(w)
	case WindowRect, "rectangular":
	default:
		return nil, errors.Newf("unknown window %q", name).
			Component("spectral").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return w, nil
}

// Offer copies b into the tap queue. It never blocks and returns false when
// the tap is full. Only the stream processor goroutine may call it.
func (m *Monitor) Offer(b *iq.Batch) bool {
	c := m.pool.Get()
	c.CopyFrom(b)
	if !m.tap.TryEnqueue(c) {
		c.Release()
		m.dropped.Add(1)
		return false
	}
	return true
}

// Run consumes the tap until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("spectral monitor started",
		logger.Int("fft_size", m.cfg.FFTSize),
		logger.String("window", m.cfg.Window),
		logger.Int("average", m.cfg.Average),
		logger.Float64("rate", m.cfg.Rate))

	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		for {
			b, ok := m.tap.TryDequeue()
			if !ok {
				break
			}
			m.consume(b)
			b.Release()
		}
		select {
		case <-ctx.Done():
			m.closeSubscribers()
			m.log.Info("spectral monitor stopped", logger.Uint64("frames", m.frames.Load()))
			return nil
		case <-t.C:
		}
	}
}

// consume adds one batch to the current frame
func (m *Monitor) consume(b *iq.Batch) {
	// a frame only spans consecutive batches
	if len(m.frame) > 0 && b.Seq != m.frameSeq+1 {
		m.frame = m.frame[:0]
		m.discarded.Add(1)
	}
	if len(m.frame) == 0 && !m.limit.Allow() {
		m.skipped.Add(1)
		return
	}
	for _, s := range b.Samples {
		m.frame = append(m.frame, s.Complex())
		if len(m.frame) == m.cfg.FFTSize {
			m.lastSeq, m.lastTks, m.lastT = b.Seq, b.Stamp.Ticks, b.Time
			m.computeFrame()
			m.frame = m.frame[:0]
			// the rest of the batch waits for the next allowed frame
			return
		}
	}
	m.frameSeq = b.Seq
}

func (m *Monitor) computeFrame() {
	n := m.cfg.FFTSize
	for i, w := range m.coeffs {
		m.frame[i] *= complex(w, 0)
	}
	m.fft.Coefficients(m.spec, m.frame)

	// moving average over the last Average frames
	slot := m.history[m.next]
	for k, c := range m.spec {
		slot[k] = (real(c)*real(c) + imag(c)*imag(c)) * m.norm
	}
	m.next = (m.next + 1) % len(m.history)
	if m.filled < len(m.history) {
		m.filled++
	}

	clear(m.sum)
	for _, h := range m.history[:m.filled] {
		for k, p := range h {
			m.sum[k] += p
		}
	}
	avg := make([]float64, n)
	f64.Scale(avg, m.sum, 1/float64(m.filled))

	peak := 0
	for k, p := range avg {
		if p > avg[peak] {
			peak = k
		}
	}
	bins := fftShift(avg)

	frames := m.frames.Add(1)
	spec := &Spectrum{
		Bins:       bins,
		FFTSize:    n,
		SampleRate: m.cfg.SampleRate,
		CenterFreq: m.cfg.CenterFreq,
		Window:     m.cfg.Window,
		PeakBin:    (peak + n/2) % n,
		PeakFreq:   m.peakFrequency(avg, peak),
		PeakPower:  avg[peak],
		TotalPower: f64.Sum(avg) * m.totalScale,
		Averaged:   m.filled,
		Frames:     frames,
		Seq:        m.lastSeq,
		Ticks:      m.lastTks,
		Time:       m.lastT,
		ComputedAt: time.Now(),
	}
	spec.PeakPowerDB = powerDB(spec.PeakPower)
	m.latest.Store(spec)
	m.broadcast(spec)
}

// peakFrequency interpolates the peak with a parabola through the log power
// of the peak bin and its neighbours
func (m *Monitor) peakFrequency(avg []float64, k int) float64 {
	n := len(avg)
	a := math.Log(avg[(k-1+n)%n] + 1e-300)
	b := math.Log(avg[k] + 1e-300)
	c := math.Log(avg[(k+1)%n] + 1e-300)
	var delta float64
	if d := a - 2*b + c; d < 0 {
		delta = 0.5 * (a - c) / d
		delta = max(-0.5, min(0.5, delta))
	}
	signed := float64(k)
	if k >= n/2 {
		signed -= float64(n)
	}
	return (signed+delta)*m.cfg.SampleRate/float64(n) + m.cfg.CenterFreq
}

// fftShift reorders natural FFT order into ascending frequency
func fftShift(in []float64) []float64 {
	n := len(in)
	out := make([]float64, n)
	h := n / 2
	copy(out, in[n-h:])
	copy(out[h:], in[:n-h])
	return out
}

func powerDB(p float64) float64 {
	if p <= 0 {
		return minPowerDB
	}
	return max(minPowerDB, 10*math.Log10(p))
}

// Latest returns the most recent spectrum, nil before the first frame
func (m *Monitor) Latest() *Spectrum {
	return m.latest.Load()
}

// Stats returns the monitor counters
func (m *Monitor) Stats() Stats {
	return Stats{
		Frames:    m.frames.Load(),
		Skipped:   m.skipped.Load(),
		Dropped:   m.dropped.Load(),
		Discarded: m.discarded.Load(),
	}
}

// Interval returns the minimum time between published spectra
func (m *Monitor) Interval() time.Duration {
	if m.cfg.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / m.cfg.Rate)
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Subscribe returns a channel receiving each new spectrum. Slow subscribers
// miss updates rather than delaying the monitor. The channel is closed by
// cancel or when the monitor stops.
func (m *Monitor) Subscribe() (<-chan *Spectrum, func()) {
	ch := make(chan *Spectrum, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

func (m *Monitor) broadcast(s *Spectrum) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Monitor) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}
