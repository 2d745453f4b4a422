package frontend

import (
	"context"
	"encoding/binary"
	"io"
	"strings"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
)

// RawFormat is the encoding of an interleaved I/Q byte stream
type RawFormat string

const (
	// RawS16LE is signed 16-bit little-endian I then Q
	RawS16LE RawFormat = "s16le"
	// RawU8 is unsigned 8-bit offset binary I then Q, as rtl-sdr emits
	RawU8 RawFormat = "u8"
)

// ParseRawFormat accepts s16le and u8, case-insensitive
func ParseRawFormat(s string) (RawFormat, error) {
	switch f := RawFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case RawS16LE, RawU8:
		return f, nil
	case "":
		return RawS16LE, nil
	default:
		return "", errors.Newf("unsupported raw IQ format %q", s).
			Component("frontend").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// FrameBytes returns the size of one I/Q pair
func (f RawFormat) FrameBytes() int {
	if f == RawU8 {
		return 2
	}
	return 4
}

const (
	rawReadChunk = 32 * 1024
	// staging holds this many batches of raw bytes
	rawStagingBatches = 4
)

// RawSource reads interleaved I/Q from a byte stream. Reads of any size are
// staged in a byte ring buffer so batches are cut on frame boundaries.
type RawSource struct {
	name   string
	r      io.Reader
	format RawFormat
	paced  bool
}

// NewRawSource creates a source reading r in the given format. With paced
// set batches are released at the device sample rate.
func NewRawSource(name string, r io.Reader, format RawFormat, paced bool) (*RawSource, error) {
	if r == nil {
		return nil, errors.Newf("raw source requires a reader").
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	f, err := ParseRawFormat(string(format))
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "raw"
	}
	return &RawSource{name: name, r: r, format: f, paced: paced}, nil
}

func (s *RawSource) Name() string { return s.name }

// Run reads until EOF or cancellation. A trailing partial batch is
// submitted; a trailing partial frame is discarded.
func (s *RawSource) Run(ctx context.Context, d *Device) error {
	frame := s.format.FrameBytes()
	batchBytes := d.BatchSize() * frame
	rb := ringbuffer.New(max(rawStagingBatches*batchBytes, 2*rawReadChunk))
	chunk := make([]byte, rawReadChunk)
	out := make([]byte, batchBytes)

	var p *pacer
	if s.paced {
		p = newPacer(d.SampleRate())
	}
	emit := func(n int) bool {
		b := d.NewBatch()
		s.decode(b, out[:n])
		if p != nil && !p.wait(ctx, b.Len()) {
			b.Release()
			return false
		}
		return d.Submit(ctx, b) == nil
	}

	eof := false
	for !eof {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.r.Read(chunk[:min(len(chunk), rb.Free())])
		if n > 0 {
			if _, werr := rb.Write(chunk[:n]); werr != nil {
				return sourceError(s.name, werr, "staging raw samples")
			}
		}
		switch {
		case err == io.EOF:
			eof = true
		case err != nil:
			return sourceError(s.name, err, "reading raw samples")
		}

		for rb.Length() >= batchBytes {
			if _, err := io.ReadFull(rb, out); err != nil {
				return sourceError(s.name, err, "draining staged samples")
			}
			if !emit(batchBytes) {
				return nil
			}
		}
	}

	if rest := rb.Length() - rb.Length()%frame; rest > 0 {
		if _, err := io.ReadFull(rb, out[:rest]); err != nil {
			return sourceError(s.name, err, "draining staged samples")
		}
		emit(rest)
	}
	d.Logger().Info("raw source finished",
		logger.String("source", s.name),
		logger.Uint64("batches", d.Stats().Batches))
	return nil
}

// decode appends whole frames from p to b
func (s *RawSource) decode(b *iq.Batch, p []byte) {
	switch s.format {
	case RawU8:
		for i := 0; i+1 < len(p); i += 2 {
			b.Append(iq.FromUint8(p[i], p[i+1]))
		}
	default:
		for i := 0; i+3 < len(p); i += 4 {
			b.Append(iq.Sample{
				I: int16(binary.LittleEndian.Uint16(p[i:])),
				Q: int16(binary.LittleEndian.Uint16(p[i+2:])),
			})
		}
	}
}
