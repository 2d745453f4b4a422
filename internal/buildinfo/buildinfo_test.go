package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		version     string
		date        string
		wantVersion string
		wantDate    string
	}{
		{"empty", "", "", UnknownValue, UnknownValue},
		{"version only", "1.2.0", "", "1.2.0", UnknownValue},
		{"full", "1.2.0", "2026-10-01", "1.2.0", "2026-10-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewContext(tt.version, tt.date)
			assert.Equal(t, tt.wantVersion, c.Version)
			assert.Equal(t, tt.wantDate, c.BuildDate)
			assert.NotEmpty(t, c.GoVersion)
		})
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "iqstream@1.0.0", NewContext("1.0.0", "").Release())

	var nilCtx *Context
	assert.Equal(t, "iqstream@unknown", nilCtx.Release())
}
