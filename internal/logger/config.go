package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel  string                  `yaml:"default_level" json:"default_level" mapstructure:"default_level"` // default log level for all modules
	Timezone      string                  `yaml:"timezone" json:"timezone" mapstructure:"timezone"`                // "Local", "UTC" or IANA name
	Console       *ConsoleOutput          `yaml:"console" json:"console" mapstructure:"console"`                   // console output configuration
	FileOutput    *FileOutput             `yaml:"file_output" json:"file_output" mapstructure:"file_output"`       // file output configuration
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" json:"modules" mapstructure:"modules"`                   // per-module output configuration
	ModuleLevels  map[string]string       `yaml:"module_levels" json:"module_levels" mapstructure:"module_levels"` // per-module log levels
}

// ConsoleOutput represents console logging configuration. Console output is
// text without timestamps; journald and container runtimes add their own.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Level   string `yaml:"level" json:"level" mapstructure:"level"`
}

// FileOutput represents file logging configuration. File output is JSON with
// RFC3339 timestamps.
type FileOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path            string `yaml:"path" json:"path" mapstructure:"path"`
	MaxSize         int    `yaml:"max_size" json:"max_size" mapstructure:"max_size"`                            // MB before rotation
	MaxAge          int    `yaml:"max_age" json:"max_age" mapstructure:"max_age"`                               // days to keep rotated logs (0 = no limit)
	MaxRotatedFiles int    `yaml:"max_rotated_files" json:"max_rotated_files" mapstructure:"max_rotated_files"` // rotated files to keep (0 = no limit)
	Compress        bool   `yaml:"compress" json:"compress" mapstructure:"compress"`                            // gzip rotated logs
	Level           string `yaml:"level" json:"level" mapstructure:"level"`
}

// ModuleOutput routes one module to a dedicated file. Zero rotation values
// inherit from FileOutput.
type ModuleOutput struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	FilePath        string `yaml:"file_path" json:"file_path" mapstructure:"file_path"`
	Level           string `yaml:"level" json:"level" mapstructure:"level"`
	ConsoleAlso     bool   `yaml:"console_also" json:"console_also" mapstructure:"console_also"`
	MaxSize         int    `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	MaxAge          int    `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
	MaxRotatedFiles int    `yaml:"max_rotated_files" json:"max_rotated_files" mapstructure:"max_rotated_files"`
}

// Default values for logging configuration. Keep in sync with conf/defaults.go.
const (
	DefaultLogLevel        = "info"
	DefaultLogPath         = "logs/iqstream.log"
	DefaultAPILogPath      = "logs/api.log"
	DefaultMaxSize         = 50
	DefaultMaxAge          = 14
	DefaultMaxRotatedFiles = 5
	DefaultConsoleEnabled  = true
	DefaultFileEnabled     = false
)

// applyConfigDefaults fills nil sections so partial configs still log somewhere.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: DefaultConsoleEnabled,
			Level:   DefaultLogLevel,
		}
	}

	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{
			Enabled:         DefaultFileEnabled,
			Path:            DefaultLogPath,
			Level:           DefaultLogLevel,
			MaxSize:         DefaultMaxSize,
			MaxAge:          DefaultMaxAge,
			MaxRotatedFiles: DefaultMaxRotatedFiles,
		}
	}

	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
	}
}

// moduleRotation resolves rotation settings for a module, inheriting unset
// values from the main file output.
func moduleRotation(m *ModuleOutput, main *FileOutput) (maxSize, maxAge, maxBackups int, compress bool) {
	maxSize, maxAge, maxBackups = m.MaxSize, m.MaxAge, m.MaxRotatedFiles
	if main == nil {
		return maxSize, maxAge, maxBackups, false
	}
	if maxSize == 0 {
		maxSize = main.MaxSize
	}
	if maxAge == 0 {
		maxAge = main.MaxAge
	}
	if maxBackups == 0 {
		maxBackups = main.MaxRotatedFiles
	}
	return maxSize, maxAge, maxBackups, main.Compress
}
