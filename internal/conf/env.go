// env.go - Environment variable configuration and validation for iqstream
package conf

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, IQSTREAM_FILTER_STEPSIZE
// sets filter.stepsize
const EnvPrefix = "IQSTREAM"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the environment variables that are checked before
// use. Every other key is still overridable through AutomaticEnv.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "IQSTREAM_DEBUG", validateEnvBool},
		{"frontend.source", "IQSTREAM_FRONTEND_SOURCE", validateEnvOneOf("tone", "raw", "wav", "flac", "soundcard")},
		{"frontend.samplerate", "IQSTREAM_FRONTEND_SAMPLERATE", validateEnvPositiveInt},
		{"frontend.batchsize", "IQSTREAM_FRONTEND_BATCHSIZE", validateEnvPositiveInt},
		{"frontend.file", "IQSTREAM_FRONTEND_FILE", validateEnvPath},
		{"filter.stage", "IQSTREAM_FILTER_STAGE", validateEnvOneOf("lms", "biquad", "gain", "passthrough")},
		{"filter.taps", "IQSTREAM_FILTER_TAPS", validateEnvPositiveInt},
		{"filter.stepsize", "IQSTREAM_FILTER_STEPSIZE", validateEnvStepSize},
		{"processor.budget", "IQSTREAM_PROCESSOR_BUDGET", validateEnvDuration},
		{"mqtt.broker", "IQSTREAM_MQTT_BROKER", nil},
		{"mqtt.password", "IQSTREAM_MQTT_PASSWORD", nil},
		{"snapshot.mysql.password", "IQSTREAM_SNAPSHOT_MYSQL_PASSWORD", nil},
		{"sentry.dsn", "IQSTREAM_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// configureEnvironmentVariables enables prefixed overrides for all keys
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvStepSize(value string) error {
	mu, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if mu < 0 || math.IsNaN(mu) || math.IsInf(mu, 0) {
		return fmt.Errorf("must be a finite value >= 0")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 10ms")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}
	if filepath.Base(value) == string(filepath.Separator) {
		return fmt.Errorf("path must name a file")
	}
	return nil
}

func validateEnvOneOf(allowed ...string) func(string) error {
	return func(value string) error {
		v := strings.ToLower(value)
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}
