// conf/validate.go

package conf

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

var (
	validSources     = []string{"tone", "raw", "wav", "flac", "soundcard"}
	validOverflow    = []string{"drop", "wait"}
	validRawFormats  = []string{"s16le", "u8"}
	validCoarse      = []string{"software", "hardware"}
	validStages      = []string{"lms", "biquad", "gain", "passthrough"}
	validReferences  = []string{"ale", "paired"}
	validEmit        = []string{"output", "error"}
	validBiquads     = []string{"lowpass", "highpass", "allpass", "bandpass", "bandreject", "notch", "peaking"}
	validWindows     = []string{"hann", "hamming", "blackman-harris", "rect", "rectangular"}
	validSnapDrivers = []string{"sqlite", "mysql"}
)

func oneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, strings.ToLower(value)) {
		return nil
	}
	return fmt.Errorf("%s %q must be one of %s", field, value, strings.Join(allowed, ", "))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ValidateSettings validates the entire Settings struct and reports every
// problem found, not just the first.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) []string{
		validateFrontendSettings,
		validateTimeBaseSettings,
		validateFilterSettings,
		validateProcessorSettings,
		validateSpectralSettings,
		validateOutputSettings,
		validateMQTTSettings,
		validateListenSettings,
		validateSnapshotSettings,
		validateSentrySettings,
	} {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateFrontendSettings(s *Settings) []string {
	var errs []string
	fe := &s.Frontend

	if err := oneOf("frontend.source", fe.Source, validSources); err != nil {
		errs = append(errs, err.Error())
	}
	if fe.SampleRate <= 0 {
		errs = append(errs, "frontend.samplerate must be positive")
	}
	if fe.BatchSize <= 0 {
		errs = append(errs, "frontend.batchsize must be positive")
	}
	if !isPowerOfTwo(fe.QueueCapacity) {
		errs = append(errs, fmt.Sprintf("frontend.queuecapacity %d must be a power of two", fe.QueueCapacity))
	}
	if err := oneOf("frontend.overflow", fe.Overflow, validOverflow); err != nil {
		errs = append(errs, err.Error())
	}
	if fe.Batches < 0 {
		errs = append(errs, "frontend.batches must not be negative")
	}

	switch strings.ToLower(fe.Source) {
	case "wav", "flac":
		if fe.File == "" {
			errs = append(errs, fmt.Sprintf("frontend.file is required for the %s source", fe.Source))
		}
	case "raw":
		if fe.Raw.Path == "" {
			errs = append(errs, "frontend.raw.path is required for the raw source")
		}
		if err := oneOf("frontend.raw.format", fe.Raw.Format, validRawFormats); err != nil {
			errs = append(errs, err.Error())
		}
	case "tone":
		if fe.Tone.Amplitude <= 0 || fe.Tone.Amplitude > 1 {
			errs = append(errs, "frontend.tone.amplitude must be in (0, 1]")
		}
		if fe.Tone.Noise < 0 || !finite(fe.Tone.Noise) {
			errs = append(errs, "frontend.tone.noise must be a finite value >= 0")
		}
		if math.Abs(fe.Tone.Freq) > float64(fe.SampleRate)/2 {
			errs = append(errs, "frontend.tone.freq must be within half the sample rate")
		}
	}

	if fe.Pulse.GlitchEvery < 0 {
		errs = append(errs, "frontend.pulse.glitchevery must not be negative")
	}
	return errs
}

func validateTimeBaseSettings(s *Settings) []string {
	var errs []string
	tb := &s.TimeBase

	if tb.PulsePeriod <= 0 {
		errs = append(errs, "timebase.pulseperiod must be positive")
	}
	if tb.Tolerance <= 0 || tb.Tolerance >= 0.5 {
		errs = append(errs, "timebase.tolerance must be in (0, 0.5)")
	}
	if err := oneOf("timebase.coarse", tb.Coarse, validCoarse); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func validateFilterSettings(s *Settings) []string {
	var errs []string
	f := &s.Filter

	if err := oneOf("filter.stage", f.Stage, validStages); err != nil {
		return append(errs, err.Error())
	}

	switch strings.ToLower(f.Stage) {
	case "lms":
		if f.Taps <= 0 {
			errs = append(errs, "filter.taps must be positive")
		}
		if f.StepSize < 0 || !finite(f.StepSize) {
			errs = append(errs, "filter.stepsize must be a finite value >= 0")
		}
		if f.Normalized && (f.Epsilon <= 0 || !finite(f.Epsilon)) {
			errs = append(errs, "filter.epsilon must be positive for normalized LMS")
		}
		if err := oneOf("filter.reference", f.Reference, validReferences); err != nil {
			errs = append(errs, err.Error())
		}
		if err := oneOf("filter.emit", f.Emit, validEmit); err != nil {
			errs = append(errs, err.Error())
		}
		if strings.EqualFold(f.Reference, "ale") && f.Delay < 1 {
			errs = append(errs, "filter.delay must be at least 1 for the ale reference")
		}
		if strings.EqualFold(f.Reference, "paired") &&
			(!strings.EqualFold(s.Frontend.Source, "tone") || !s.Frontend.Tone.Reference) {
			errs = append(errs, "filter.reference paired needs a source that supplies a reference (tone with reference enabled)")
		}
	case "biquad":
		b := &f.Biquad
		if err := oneOf("filter.biquad.filter", b.Filter, validBiquads); err != nil {
			errs = append(errs, err.Error())
		}
		if b.Frequency <= 0 || b.Frequency >= float64(s.Frontend.SampleRate)/2 {
			errs = append(errs, "filter.biquad.frequency must be between 0 and half the sample rate")
		}
		if b.Q <= 0 {
			errs = append(errs, "filter.biquad.q must be positive")
		}
		if b.Passes < 1 {
			errs = append(errs, "filter.biquad.passes must be at least 1")
		}
	case "gain":
		if !finite(f.GainDB) {
			errs = append(errs, "filter.gaindb must be finite")
		}
	}
	return errs
}

func validateProcessorSettings(s *Settings) []string {
	var errs []string
	p := &s.Processor

	if p.Budget <= 0 {
		errs = append(errs, "processor.budget must be positive")
	}
	if p.SpinCount < 0 {
		errs = append(errs, "processor.spincount must not be negative")
	}
	if p.IdleSleep <= 0 || p.MaxIdleSleep < p.IdleSleep {
		errs = append(errs, "processor.idlesleep must be positive and not above processor.maxidlesleep")
	}
	if p.ErrorPowerDecay <= 0 || p.ErrorPowerDecay > 1 {
		errs = append(errs, "processor.errorpowerdecay must be in (0, 1]")
	}
	if p.RealTime.CPU < -1 {
		errs = append(errs, "processor.realtime.cpu must be -1 or a CPU index")
	}
	return errs
}

func validateSpectralSettings(s *Settings) []string {
	sp := &s.Spectral
	if !sp.Enabled {
		return nil
	}
	var errs []string
	if !isPowerOfTwo(sp.FFTSize) || sp.FFTSize < 16 {
		errs = append(errs, "spectral.fftsize must be a power of two of at least 16")
	}
	if err := oneOf("spectral.window", sp.Window, validWindows); err != nil {
		errs = append(errs, err.Error())
	}
	if sp.Average < 1 {
		errs = append(errs, "spectral.average must be at least 1")
	}
	if sp.Rate == 0 || !finite(sp.Rate) {
		errs = append(errs, "spectral.rate must be positive, or negative for no limit")
	}
	if sp.TapCapacity < 1 {
		errs = append(errs, "spectral.tapcapacity must be at least 1")
	}
	return errs
}

func validateOutputSettings(s *Settings) []string {
	w := &s.Output.WAV
	if !w.Enabled {
		return nil
	}
	var errs []string
	if w.Path == "" {
		errs = append(errs, "output.wav.path is required when wav output is enabled")
	}
	if w.MaxUsage != "" {
		if pct, err := ParsePercentage(w.MaxUsage); err != nil || pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Sprintf("output.wav.maxusage must be a percentage in (0%%, 100%%], got %q", w.MaxUsage))
		}
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	m := &s.MQTT
	if !m.Enabled {
		return nil
	}
	var errs []string
	if u, err := url.Parse(m.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL such as tcp://host:1883", m.Broker))
	}
	if m.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	if m.Interval <= 0 {
		errs = append(errs, "mqtt.interval must be positive")
	}
	if strings.ContainsAny(m.Topic, "#+") {
		errs = append(errs, "mqtt.topic must not contain wildcards")
	}
	return errs
}

func validateListenSettings(s *Settings) []string {
	var errs []string
	check := func(field string, enabled bool, addr string) {
		if !enabled {
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q must be host:port", field, addr))
		}
	}
	check("api.listen", s.API.Enabled, s.API.Listen)
	check("telemetry.listen", s.Telemetry.Enabled, s.Telemetry.Listen)
	return errs
}

func validateSnapshotSettings(s *Settings) []string {
	sn := &s.Snapshot
	if !sn.Enabled {
		return nil
	}
	if err := oneOf("snapshot.driver", sn.Driver, validSnapDrivers); err != nil {
		return []string{err.Error()}
	}
	var errs []string
	switch strings.ToLower(sn.Driver) {
	case "sqlite":
		if sn.Path == "" {
			errs = append(errs, "snapshot.path is required for sqlite")
		}
	case "mysql":
		if sn.MySQL.Host == "" || sn.MySQL.Database == "" {
			errs = append(errs, "snapshot.mysql.host and snapshot.mysql.database are required for mysql")
		}
		if sn.MySQL.Port <= 0 || sn.MySQL.Port > 65535 {
			errs = append(errs, "snapshot.mysql.port must be a valid port")
		}
	}
	return errs
}

func validateSentrySettings(s *Settings) []string {
	se := &s.Sentry
	if !se.Enabled {
		return nil
	}
	var errs []string
	if se.DSN == "" {
		errs = append(errs, "sentry.dsn is required when sentry is enabled")
	}
	if se.SampleRate < 0 || se.SampleRate > 1 {
		errs = append(errs, "sentry.samplerate must be in [0, 1]")
	}
	return errs
}
