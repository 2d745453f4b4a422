// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/iqstream/internal/logger"
)

// Sets default values for the configuration. Keep in sync with config.yaml.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "iqstream")

	viper.SetDefault("logging.default_level", logger.DefaultLogLevel)
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	viper.SetDefault("logging.console.level", logger.DefaultLogLevel)
	viper.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	viper.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	viper.SetDefault("logging.file_output.max_size", logger.DefaultMaxSize)
	viper.SetDefault("logging.file_output.max_age", logger.DefaultMaxAge)
	viper.SetDefault("logging.file_output.max_rotated_files", logger.DefaultMaxRotatedFiles)
	viper.SetDefault("logging.file_output.compress", true)
	viper.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	viper.SetDefault("frontend.source", "tone")
	viper.SetDefault("frontend.samplerate", 1_000_000)
	viper.SetDefault("frontend.batchsize", 1024)
	viper.SetDefault("frontend.queuecapacity", 64)
	viper.SetDefault("frontend.overflow", "drop")
	viper.SetDefault("frontend.paced", true)
	viper.SetDefault("frontend.batches", 0)
	viper.SetDefault("frontend.file", "")
	viper.SetDefault("frontend.tone.freq", 100_000.0)
	viper.SetDefault("frontend.tone.amplitude", 0.5)
	viper.SetDefault("frontend.tone.noise", 0.05)
	viper.SetDefault("frontend.tone.reference", false)
	viper.SetDefault("frontend.tone.seed", 1)
	viper.SetDefault("frontend.raw.path", "-")
	viper.SetDefault("frontend.raw.format", "s16le")
	viper.SetDefault("frontend.soundcard.device", "")
	viper.SetDefault("frontend.soundcard.swapiq", false)
	viper.SetDefault("frontend.pulse.enabled", true)
	viper.SetDefault("frontend.pulse.glitchevery", 0)

	viper.SetDefault("timebase.pulseperiod", time.Second)
	viper.SetDefault("timebase.tolerance", 0.05)
	viper.SetDefault("timebase.coarse", "software")
	viper.SetDefault("timebase.autoadvance", true)

	viper.SetDefault("filter.stage", "lms")
	viper.SetDefault("filter.taps", 16)
	viper.SetDefault("filter.stepsize", 0.01)
	viper.SetDefault("filter.normalized", true)
	viper.SetDefault("filter.epsilon", 1e-6)
	viper.SetDefault("filter.reference", "ale")
	viper.SetDefault("filter.delay", 1)
	viper.SetDefault("filter.emit", "output")
	viper.SetDefault("filter.gaindb", 0.0)
	viper.SetDefault("filter.biquad.filter", "lowpass")
	viper.SetDefault("filter.biquad.frequency", 200_000.0)
	viper.SetDefault("filter.biquad.q", 0.707)
	viper.SetDefault("filter.biquad.gaindb", 0.0)
	viper.SetDefault("filter.biquad.passes", 1)

	viper.SetDefault("processor.budget", 10*time.Millisecond)
	viper.SetDefault("processor.spincount", 64)
	viper.SetDefault("processor.idlesleep", 50*time.Microsecond)
	viper.SetDefault("processor.maxidlesleep", 2*time.Millisecond)
	viper.SetDefault("processor.errorpowerdecay", 0.1)
	viper.SetDefault("processor.realtime.enabled", false)
	viper.SetDefault("processor.realtime.cpu", -1)
	viper.SetDefault("processor.realtime.lockmemory", false)

	viper.SetDefault("spectral.enabled", true)
	viper.SetDefault("spectral.fftsize", 1024)
	viper.SetDefault("spectral.window", "blackman-harris")
	viper.SetDefault("spectral.average", 4)
	viper.SetDefault("spectral.centerfreq", 0.0)
	viper.SetDefault("spectral.rate", 10.0)
	viper.SetDefault("spectral.tapcapacity", 8)

	viper.SetDefault("output.wav.enabled", false)
	viper.SetDefault("output.wav.path", "recordings/iqstream.wav")
	viper.SetDefault("output.wav.queue", 64)
	viper.SetDefault("output.wav.maxusage", "90%")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientid", "")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.topic", "iqstream")
	viper.SetDefault("mqtt.interval", 5*time.Second)
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.retain", false)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", "127.0.0.1:8080")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	viper.SetDefault("snapshot.enabled", true)
	viper.SetDefault("snapshot.driver", "sqlite")
	viper.SetDefault("snapshot.path", "iqstream.db")
	viper.SetDefault("snapshot.mysql.host", "localhost")
	viper.SetDefault("snapshot.mysql.port", 3306)
	viper.SetDefault("snapshot.mysql.username", "")
	viper.SetDefault("snapshot.mysql.password", "")
	viper.SetDefault("snapshot.mysql.database", "iqstream")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
	viper.SetDefault("sentry.samplerate", 1.0)
}
