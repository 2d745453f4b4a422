package frontend

import (
	"context"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
)

// WAVSource plays an IQ recording stored as WAV, I on the left channel and Q
// on the right. Mono files are read as I with Q zero.
type WAVSource struct {
	path  string
	paced bool
}

// NewWAVSource creates a source for the WAV file at path
func NewWAVSource(path string, paced bool) *WAVSource {
	return &WAVSource{path: path, paced: paced}
}

func (s *WAVSource) Name() string { return "wav" }

// Run decodes the whole file, then returns nil
func (s *WAVSource) Run(ctx context.Context, d *Device) error {
	file, err := os.Open(s.path)
	if err != nil {
		return errors.New(err).
			Component("frontend").
			Category(errors.CategoryFileIO).
			FileContext(s.path).
			Build()
	}
	defer file.Close()
	return s.play(ctx, file, d)
}

func (s *WAVSource) play(ctx context.Context, r io.ReadSeeker, d *Device) error {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return errors.Newf("invalid WAV file").
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}

	channels := int(decoder.NumChans)
	bitDepth := int(decoder.BitDepth)
	if channels < 1 || channels > 2 {
		return errors.Newf("IQ WAV must have 1 or 2 channels, got %d", channels).
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}
	if err := checkBitDepth(bitDepth); err != nil {
		return err
	}

	log := d.Logger()
	if int(decoder.SampleRate) != d.SampleRate() {
		log.Warn("WAV sample rate differs from device rate, samples are not resampled",
			logger.String("path", s.path),
			logger.Int("file_rate", int(decoder.SampleRate)),
			logger.Int("device_rate", d.SampleRate()))
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, d.BatchSize()*channels),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: channels},
	}
	var p *pacer
	if s.paced {
		p = newPacer(d.SampleRate())
	}

	for ctx.Err() == nil {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return sourceError("wav", err, "decoding %s", s.path)
		}
		if n == 0 {
			break
		}
		b := d.NewBatch()
		appendPCM(b, buf.Data[:n], channels, bitDepth)
		if b.Len() == 0 {
			b.Release()
			continue
		}
		if p != nil && !p.wait(ctx, b.Len()) {
			b.Release()
			return nil
		}
		if err := d.Submit(ctx, b); err != nil {
			return nil
		}
	}
	log.Info("WAV source finished",
		logger.String("path", s.path),
		logger.Uint64("batches", d.Stats().Batches))
	return nil
}

func checkBitDepth(bitDepth int) error {
	switch bitDepth {
	case 8, 16, 24, 32:
		return nil
	default:
		return errors.Newf("unsupported bit depth: %d", bitDepth).
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Build()
	}
}

// toQ15 converts one signed PCM value to Q15
func toQ15(v, bitDepth int) int16 {
	shift := bitDepth - 16
	if shift >= 0 {
		return int16(v >> shift)
	}
	return int16(v << -shift)
}

// appendPCM appends interleaved PCM values as samples. WAV stores 8-bit PCM
// unsigned, the go-audio decoder passes it through as 0..255.
func appendPCM(b *iq.Batch, data []int, channels, bitDepth int) {
	for i := 0; i+channels-1 < len(data); i += channels {
		in, qn := data[i], 0
		if channels == 2 {
			qn = data[i+1]
		}
		if bitDepth == 8 {
			in -= 128
			if channels == 2 {
				qn -= 128
			}
		}
		if !b.Append(iq.Sample{I: toQ15(in, bitDepth), Q: toQ15(qn, bitDepth)}) {
			return
		}
	}
}
