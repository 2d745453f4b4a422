package telemetry

import (
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iqstream/internal/buildinfo"
	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/errors"
)

func TestInitSentryDisabled(t *testing.T) {
	flush, err := InitSentry(conf.SentrySettings{}, Options{})
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
	assert.Nil(t, errors.GetTelemetryReporter())
}

func TestInitSentryReportsEnhancedErrors(t *testing.T) {
	transport := NewMockTransport()
	flush, err := InitSentry(conf.SentrySettings{
		Enabled:     true,
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
	}, Options{
		RunID:     "run-7",
		Build:     buildinfo.NewContext("1.0.0", ""),
		Transport: transport,
	})
	require.NoError(t, err)
	defer flush()

	_ = errors.Newf("filter diverged, password=hunter2").
		Component("processor").
		Category(errors.CategoryFilter).
		Context("operation", "adapt").
		Build()

	require.Eventually(t, func() bool { return len(transport.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := transport.Events()[0]
	assert.Equal(t, "iqstream@1.0.0", ev.Release)
	assert.Equal(t, "test", ev.Environment)
	assert.Equal(t, "run-7", ev.Tags["run_id"])
	assert.Equal(t, "processor", ev.Tags["component"])
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.NotContains(t, ev.Message, "hunter2")
	assert.Empty(t, ev.ServerName)
}

func TestInitSentryBadDSN(t *testing.T) {
	_, err := InitSentry(conf.SentrySettings{Enabled: true, DSN: "::not a dsn"}, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestApplyPrivacyFilters(t *testing.T) {
	ev := &sentry.Event{
		ServerName: "rx-host",
		User:       sentry.User{ID: "u1"},
		Contexts:   map[string]sentry.Context{"os": {"name": "linux"}, "trace": {}},
		Extra:      map[string]any{"component": "x", "path": "/home/op/secret"},
		Tags:       map[string]string{"hostname": "rx-host", "category": "filter"},
		Message:    "open /home/op/data/capture.iq failed",
	}
	out := applyPrivacyFilters(ev, nil)
	assert.Empty(t, out.ServerName)
	assert.True(t, out.User.IsEmpty())
	assert.NotContains(t, out.Contexts, "os")
	assert.Contains(t, out.Contexts, "trace")
	assert.Equal(t, map[string]any{"component": "x"}, out.Extra)
	assert.Equal(t, map[string]string{"category": "filter"}, out.Tags)
	assert.NotContains(t, out.Message, "/home/op")
}
