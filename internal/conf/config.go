// config.go: settings for iqstream. It defines the settings struct and functions to load and save the settings.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/iqstream/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// ToneSettings configures the synthetic tone front-end
type ToneSettings struct {
	Freq      float64 // tone frequency in Hz, may be negative
	Amplitude float64 // peak amplitude in (0, 1]
	Noise     float64 // standard deviation of added complex Gaussian noise
	Reference bool    // attach the clean tone as the paired reference
	Seed      uint64  // noise generator seed
}

// RawSettings configures the raw interleaved IQ front-end
type RawSettings struct {
	Path   string // file path, "-" for stdin
	Format string // s16le or u8
}

// SoundcardSettings configures sound card capture
type SoundcardSettings struct {
	Device string // substring of the capture device name or id, empty for default
	SwapIQ bool   // swap left and right channels
}

// PulseSettings configures the simulated reference pulse
type PulseSettings struct {
	Enabled     bool
	GlitchEvery int // inject a spurious pulse after every n pulses, 0 disables
}

// FrontendSettings selects and configures the sample source
type FrontendSettings struct {
	Source        string // tone, raw, wav, flac or soundcard
	SampleRate    int    // samples per second
	BatchSize     int    // samples per batch
	QueueCapacity int    // sample queue capacity in batches, power of two
	Overflow      string // drop or wait
	Paced         bool   // release file and tone samples at the sample rate
	Batches       int    // stop the tone source after n batches, 0 runs forever
	File          string // wav or flac input path
	Tone          ToneSettings
	Raw           RawSettings
	Soundcard     SoundcardSettings
	Pulse         PulseSettings
}

// TimeBaseSettings configures reference pulse disciplining
type TimeBaseSettings struct {
	PulsePeriod time.Duration // nominal interval between pulses
	Tolerance   float64       // accepted relative deviation from the period
	Coarse      string        // software or hardware
	AutoAdvance bool          // advance software seconds between pulses
}

// BiquadSettings configures the fixed IIR stage
type BiquadSettings struct {
	Filter    string // lowpass, highpass, allpass, bandpass, bandreject, lowshelf, highshelf, peaking
	Frequency float64
	Q         float64
	GainDB    float64
	Passes    int
}

// FilterSettings selects and configures the processing stage
type FilterSettings struct {
	Stage      string // lms, biquad, gain or passthrough
	Taps       int
	StepSize   float64
	Normalized bool
	Epsilon    float64
	Reference  string // ale or paired
	Delay      int    // ALE decorrelation delay in samples
	Emit       string // output or error
	GainDB     float64
	Biquad     BiquadSettings
}

// RealTimeSettings holds scheduling hints for the processor goroutine
type RealTimeSettings struct {
	Enabled    bool
	CPU        int  // CPU to pin the processor thread to, -1 for no affinity
	LockMemory bool // mlockall on Linux
}

// ProcessorSettings configures the stream processor
type ProcessorSettings struct {
	Budget          time.Duration // wall time allowed per batch
	SpinCount       int
	IdleSleep       time.Duration
	MaxIdleSleep    time.Duration
	ErrorPowerDecay float64
	RealTime        RealTimeSettings
}

// SpectralSettings configures the spectral monitor
type SpectralSettings struct {
	Enabled     bool
	FFTSize     int
	Window      string // hann, hamming, blackman-harris or rect
	Average     int
	CenterFreq  float64
	Rate        float64 // frames per second, negative for no limit
	TapCapacity int
}

// WAVOutputSettings configures recording of processed output
type WAVOutputSettings struct {
	Enabled bool
	Path    string
	Queue   int // batches buffered ahead of the writer
	// MaxUsage suspends recording while the output filesystem is fuller
	// than this, e.g. "90%". Empty disables the check.
	MaxUsage string
}

// OutputSettings configures sinks
type OutputSettings struct {
	WAV WAVOutputSettings
}

// MQTTSettings configures status publishing
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // topic prefix, status goes to <topic>/status
	Interval time.Duration
	QoS      byte
	Retain   bool
}

// APISettings configures the HTTP control surface
type APISettings struct {
	Enabled bool
	Listen  string
}

// TelemetrySettings configures the standalone Prometheus endpoint
type TelemetrySettings struct {
	Enabled bool
	Listen  string
}

// MySQLSettings holds the mysql connection for snapshots
type MySQLSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// SnapshotSettings configures coefficient snapshot storage
type SnapshotSettings struct {
	Enabled bool
	Driver  string // sqlite or mysql
	Path    string // sqlite database file
	MySQL   MySQLSettings
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	SampleRate  float64
}

// MainSettings holds process wide settings
type MainSettings struct {
	Name string // instance name, reported in status and logs
}

// Settings contains all configuration options for iqstream
type Settings struct {
	Debug bool

	Main      MainSettings
	Logging   logger.LoggingConfig
	Frontend  FrontendSettings
	TimeBase  TimeBaseSettings
	Filter    FilterSettings
	Processor ProcessorSettings
	Spectral  SpectralSettings
	Output    OutputSettings
	MQTT      MQTTSettings
	API       APISettings
	Telemetry TelemetrySettings
	Snapshot  SnapshotSettings
	Sentry    SentrySettings
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
	configFile       string
)

// SetConfigFile makes Load read path instead of searching the default
// locations. An explicit file must exist.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFile = path
}

// Load reads the configuration file and environment variables into the
// current settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		// bad environment values are reported, not fatal; validation catches
		// anything that makes it into the settings
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the first default path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	if err := WriteDefaultConfig(configPath); err != nil {
		return err
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// WriteDefaultConfig writes the embedded default configuration to path,
// creating parent directories.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(path, DefaultConfig(), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}
	return nil
}

// DefaultConfig returns the embedded default config.yaml
func DefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// embedded at build time, cannot be missing
		panic(fmt.Sprintf("reading embedded config: %v", err))
	}
	return data
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, loading it if necessary
func Setting() (*Settings, error) {
	var err error
	once.Do(func() {
		if GetSettings() == nil {
			_, err = Load()
		}
	})
	if err != nil {
		return nil, err
	}
	return GetSettings(), nil
}

// SaveYAMLConfig writes settings to configPath. It overwrites the existing
// file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Write to a temporary file first so the replace is atomic
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		// cross-device rename, fall back to copy & delete
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}
