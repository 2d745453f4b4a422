package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/processor"
)

const (
	wavBitDepth     = 16
	wavChannels     = 2
	wavPollInterval = 5 * time.Millisecond
	// DefaultWAVQueue is the number of batches buffered between the
	// processor and the file writer
	DefaultWAVQueue = 64
)

// WAVWriter records processed output as a stereo 16-bit WAV file, I on the
// left channel and Q on the right. OnResult copies into a queue; Run drains
// it to disk on its own goroutine.
type WAVWriter struct {
	path       string
	sampleRate int
	queue      *processor.QueueSink
	written    atomic.Uint64
	discarded  atomic.Uint64
	guard      diskGuard
}

// WAVOption configures a WAVWriter
type WAVOption func(*WAVWriter)

// WithDiskLimit suspends recording while the filesystem holding the output
// is above percent used. A nil usage reads the real filesystem.
func WithDiskLimit(percent float64, usage UsageFunc) WAVOption {
	return func(w *WAVWriter) {
		w.guard.threshold = percent
		if usage != nil {
			w.guard.usage = usage
		}
	}
}

// WithDiskCheckInterval sets how often disk usage is re-read
func WithDiskCheckInterval(d time.Duration) WAVOption {
	return func(w *WAVWriter) {
		if d > 0 {
			w.guard.interval = d
		}
	}
}

// NewWAVWriter creates a recorder for path. The file is created by Run.
func NewWAVWriter(path string, sampleRate, batchSize, queueLen int, opts ...WAVOption) (*WAVWriter, error) {
	if path == "" {
		return nil, errors.Newf("wav output path is required").
			Component("sink").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if sampleRate <= 0 || batchSize <= 0 {
		return nil, errors.Newf("invalid wav writer geometry: rate %d, batch %d", sampleRate, batchSize).
			Component("sink").
			Category(errors.CategoryValidation).
			Build()
	}
	if queueLen <= 0 {
		queueLen = DefaultWAVQueue
	}
	w := &WAVWriter{
		path:       path,
		sampleRate: sampleRate,
		queue:      processor.NewQueueSink(queueLen, batchSize),
		guard: diskGuard{
			dir:      filepath.Dir(path),
			interval: DefaultDiskCheckInterval,
			usage:    DiskUsage,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *WAVWriter) OnResult(b *iq.Batch) {
	w.queue.OnResult(b)
}

// Dropped returns batches lost because the writer fell behind
func (w *WAVWriter) Dropped() uint64 {
	return w.queue.Dropped()
}

// Written returns the number of sample frames written
func (w *WAVWriter) Written() uint64 {
	return w.written.Load()
}

// Discarded returns sample frames skipped while the disk was above its
// usage limit
func (w *WAVWriter) Discarded() uint64 {
	return w.discarded.Load()
}

// Run writes queued batches until ctx is done, then flushes what is left
// and finalizes the header.
func (w *WAVWriter) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return w.fileError(err, "creating output directory")
	}
	f, err := os.Create(w.path)
	if err != nil {
		return w.fileError(err, "creating output file")
	}
	enc := wav.NewEncoder(f, w.sampleRate, wavBitDepth, wavChannels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: w.sampleRate, NumChannels: wavChannels},
		SourceBitDepth: wavBitDepth,
	}

	writeErr := w.drain(ctx, enc, buf)

	if err := enc.Close(); err != nil && writeErr == nil {
		writeErr = w.fileError(err, "finalizing wav header")
	}
	if err := f.Close(); err != nil && writeErr == nil {
		writeErr = w.fileError(err, "closing output file")
	}
	log.Info("wav recording closed",
		logger.String("path", w.path),
		logger.Uint64("frames", w.written.Load()),
		logger.Uint64("discarded_frames", w.discarded.Load()),
		logger.Uint64("dropped_batches", w.queue.Dropped()))
	return writeErr
}

func (w *WAVWriter) drain(ctx context.Context, enc *wav.Encoder, buf *audio.IntBuffer) error {
	ticker := time.NewTicker(wavPollInterval)
	defer ticker.Stop()
	for {
		if err := w.flush(enc, buf); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return w.flush(enc, buf)
		case <-ticker.C:
		}
	}
}

func (w *WAVWriter) flush(enc *wav.Encoder, buf *audio.IntBuffer) error {
	suspended := w.guard.exceeded(time.Now())
	for {
		b, ok := w.queue.Poll()
		if !ok {
			return nil
		}
		if suspended {
			w.discarded.Add(uint64(b.Len()))
			b.Release()
			continue
		}
		buf.Data = buf.Data[:0]
		for _, s := range b.Samples {
			buf.Data = append(buf.Data, int(s.I), int(s.Q))
		}
		n := b.Len()
		b.Release()
		if err := enc.Write(buf); err != nil {
			return w.fileError(err, "writing samples")
		}
		w.written.Add(uint64(n))
	}
}

func (w *WAVWriter) fileError(err error, what string) error {
	return errors.New(fmt.Errorf("%s: %w", what, err)).
		Component("sink").
		Category(errors.CategoryFileIO).
		FileContext(w.path).
		Build()
}
