// Package buildinfo contains build-time metadata separate from user configuration
package buildinfo

import "runtime"

// UnknownValue is reported for metadata the build did not inject
const UnknownValue = "unknown"

// Set with -ldflags "-X github.com/tphakala/iqstream/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
)

// Context contains build-time metadata that is not user-configurable
type Context struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// NewContext creates a context, substituting UnknownValue for empty fields
func NewContext(version, buildDate string) *Context {
	if version == "" {
		version = UnknownValue
	}
	if buildDate == "" {
		buildDate = UnknownValue
	}
	return &Context{Version: version, BuildDate: buildDate, GoVersion: runtime.Version()}
}

// Current returns the metadata linked into this binary
func Current() *Context {
	return NewContext(version, buildDate)
}

// Release formats the version the way error telemetry expects it
func (c *Context) Release() string {
	if c == nil {
		return "iqstream@" + UnknownValue
	}
	return "iqstream@" + c.Version
}
