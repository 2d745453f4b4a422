package frontend

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/tphakala/flac"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

// FLACSource plays a stereo FLAC IQ recording, I left and Q right
type FLACSource struct {
	path  string
	paced bool
}

// NewFLACSource creates a source for the FLAC file at path
func NewFLACSource(path string, paced bool) *FLACSource {
	return &FLACSource{path: path, paced: paced}
}

func (s *FLACSource) Name() string { return "flac" }

func (s *FLACSource) Run(ctx context.Context, d *Device) error {
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

func (s *FLACSource) play(ctx context.Context, r io.Reader, d *Device) error {
	decoder, err := flac.NewDecoder(r)
	if err != nil {
		return errors.New(err).
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}

	channels := decoder.NChannels
	bitDepth := decoder.BitsPerSample
	if channels < 1 || channels > 2 {
		return errors.Newf("IQ FLAC must have 1 or 2 channels, got %d", channels).
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return errors.Newf("unsupported bit depth: %d", bitDepth).
			Component("frontend").
			Category(errors.CategoryFileParsing).
			Context("path", s.path).
			Build()
	}

	log := d.Logger()
	if decoder.SampleRate != d.SampleRate() {
		log.Warn("FLAC sample rate differs from device rate, samples are not resampled",
			logger.String("path", s.path),
			logger.Int("file_rate", decoder.SampleRate),
			logger.Int("device_rate", d.SampleRate()))
	}

	var p *pacer
	if s.paced {
		p = newPacer(d.SampleRate())
	}
	width := bitDepth / 8
	pcm := make([]int, 0, d.BatchSize()*channels)

	flush := func() bool {
		if len(pcm) == 0 {
			return true
		}
		b := d.NewBatch()
		appendPCM(b, pcm, channels, bitDepth)
		pcm = pcm[:0]
		if p != nil && !p.wait(ctx, b.Len()) {
			b.Release()
			return false
		}
		return d.Submit(ctx, b) == nil
	}

	for ctx.Err() == nil {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return sourceError("flac", err, "decoding %s", s.path)
		}

		for i := 0; i+width <= len(frame); i += width {
			pcm = append(pcm, decodeLE(frame[i:], bitDepth))
			if len(pcm) == cap(pcm) && !flush() {
				return nil
			}
		}
	}
	if ctx.Err() == nil {
		flush()
	}
	log.Info("FLAC source finished",
		logger.String("path", s.path),
		logger.Uint64("batches", d.Stats().Batches))
	return nil
}

// decodeLE reads one signed little-endian PCM value of the given depth
func decodeLE(p []byte, bitDepth int) int {
	switch bitDepth {
	case 16:
		return int(int16(binary.LittleEndian.Uint16(p)))
	case 24:
		v := int32(p[0]) | int32(p[1])<<8 | int32(p[2])<<16
		return int(v<<8) >> 8
	default:
		return int(int32(binary.LittleEndian.Uint32(p)))
	}
}
