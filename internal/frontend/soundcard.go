package frontend

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
)

// SoundcardSource captures IQ from a stereo sound card input, as used by
// quadrature sampling receivers: I on the left channel, Q on the right.
//
// The capture callback only copies bytes into a ring buffer. Batches are cut
// and submitted from Run's goroutine.
type SoundcardSource struct {
	device   string
	swapIQ   bool
	overruns atomic.Uint64
}

// NewSoundcardSource creates a capture source. device matches a capture
// device name or ID by substring; empty selects the system default.
func NewSoundcardSource(device string, swapIQ bool) *SoundcardSource {
	return &SoundcardSource{device: device, swapIQ: swapIQ}
}

func (s *SoundcardSource) Name() string { return "soundcard" }

// Overruns returns how many capture callbacks found the staging buffer full
func (s *SoundcardSource) Overruns() uint64 {
	return s.overruns.Load()
}

func captureBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

func (s *SoundcardSource) Run(ctx context.Context, d *Device) error {
	log := d.Logger()

	malgoCtx, err := malgo.InitContext([]malgo.Backend{captureBackend()}, malgo.ContextConfig{}, func(message string) {
		log.Debug("malgo", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return soundcardError(err, "context init failed")
	}
	defer malgoCtx.Uninit() //nolint:errcheck

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 2
	deviceConfig.SampleRate = uint32(d.SampleRate())
	deviceConfig.Alsa.NoMMap = 1

	if s.device != "" {
		infos, err := malgoCtx.Devices(malgo.Capture)
		if err != nil {
			return soundcardError(err, "listing capture devices")
		}
		info, ok := matchCaptureDevice(infos, s.device)
		if !ok {
			return errors.Newf("no capture device matches %q", s.device).
				Component("frontend").
				Category(errors.CategoryAudioSource).
				Context("available", len(infos)).
				Build()
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		log.Info("capture device selected", logger.String("name", info.Name()))
	}

	const frameBytes = 4
	batchBytes := d.BatchSize() * frameBytes
	rb := ringbuffer.New(8 * batchBytes)

	onReceiveFrames := func(_, pSamples []byte, _ uint32) {
		if free := rb.Free(); len(pSamples) > free {
			s.overruns.Add(1)
			pSamples = pSamples[:free-free%frameBytes]
		}
		_, _ = rb.Write(pSamples)
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onReceiveFrames,
	})
	if err != nil {
		return soundcardError(err, "device init failed")
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return soundcardError(err, "device start failed")
	}
	defer device.Stop() //nolint:errcheck

	log.Info("sound card capture started",
		logger.Int("sample_rate", d.SampleRate()),
		logger.Bool("swap_iq", s.swapIQ))

	// poll at a quarter of the batch duration
	interval := time.Duration(float64(d.BatchSize()) / float64(d.SampleRate()) / 4 * float64(time.Second))
	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	out := make([]byte, batchBytes)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for rb.Length() >= batchBytes {
			if _, err := rb.Read(out); err != nil {
				return soundcardError(err, "reading capture buffer")
			}
			b := d.NewBatch()
			decodeS16Stereo(b, out, s.swapIQ)
			if !d.Produce(b) {
				b.Release()
			}
		}
	}
}

// decodeS16Stereo appends interleaved little-endian stereo frames to b
func decodeS16Stereo(b *iq.Batch, p []byte, swap bool) {
	for i := 0; i+3 < len(p); i += 4 {
		l := int16(uint16(p[i]) | uint16(p[i+1])<<8)
		r := int16(uint16(p[i+2]) | uint16(p[i+3])<<8)
		if swap {
			l, r = r, l
		}
		if !b.Append(iq.Sample{I: l, Q: r}) {
			return
		}
	}
}

// matchCaptureDevice finds the device whose name or ID contains want
func matchCaptureDevice(infos []malgo.DeviceInfo, want string) (malgo.DeviceInfo, bool) {
	for i := range infos {
		if strings.Contains(infos[i].Name(), want) || strings.Contains(infos[i].ID.String(), want) {
			return infos[i], true
		}
	}
	return malgo.DeviceInfo{}, false
}

func soundcardError(err error, msg string) error {
	return errors.New(err).
		Component("frontend").
		Category(errors.CategoryAudioSource).
		Context("operation", msg).
		Build()
}
