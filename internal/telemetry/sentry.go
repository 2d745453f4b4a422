// Package telemetry provides opt-in error reporting to Sentry. Nothing is
// sent unless the user enables it.
package telemetry

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/iqstream/internal/buildinfo"
	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

// FlushTimeout bounds how long Close waits for queued events
const FlushTimeout = 2 * time.Second

var (
	log         = logger.Global().Module("telemetry")
	initialized atomic.Bool
)

// Options are inputs to InitSentry beyond the user settings
type Options struct {
	RunID     string
	Build     *buildinfo.Context
	Transport sentry.Transport // tests only
}

// InitSentry initializes the Sentry SDK and routes enhanced errors to it.
// It returns a func that flushes queued events; the func is a no-op when
// telemetry is disabled.
func InitSentry(settings conf.SentrySettings, opts Options) (func(), error) {
	if !settings.Enabled {
		log.Debug("error telemetry disabled")
		return func() {}, nil
	}

	sampleRate := settings.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	environment := settings.Environment
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       sampleRate,
		AttachStacktrace: false,
		Environment:      environment,
		ServerName:       "",
		Release:          opts.Build.Release(),
		Transport:        opts.Transport,
		BeforeSend:       applyPrivacyFilters,
	})
	if err != nil {
		return func() {}, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", opts.RunID)
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)
	log.Info("error telemetry enabled",
		logger.String("environment", environment),
		logger.Float64("sample_rate", sampleRate))

	return Close, nil
}

// Close detaches the reporter and flushes pending events
func Close() {
	if !initialized.CompareAndSwap(true, false) {
		return
	}
	errors.SetTelemetryReporter(nil)
	if !sentry.Flush(FlushTimeout) {
		log.Warn("telemetry flush timed out", logger.Duration("timeout", FlushTimeout))
	}
}

// applyPrivacyFilters strips host identifying data before an event leaves
// the process
func applyPrivacyFilters(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	event.Message = errors.ScrubMessage(event.Message)
	return event
}
