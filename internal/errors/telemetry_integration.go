// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// ErrorHook observes every built error while reporting is active. Hooks must
// not block; they run on the goroutine that built the error.
type ErrorHook func(ee *EnhancedError)

var (
	hasActiveReporting atomic.Bool

	reporterMu              sync.RWMutex
	globalTelemetryReporter TelemetryReporter

	hooksMu sync.RWMutex
	hooks   []ErrorHook
)

func updateActiveReporting() {
	reporterMu.RLock()
	r := globalTelemetryReporter
	reporterMu.RUnlock()

	hooksMu.RLock()
	n := len(hooks)
	hooksMu.RUnlock()

	hasActiveReporting.Store(n > 0 || (r != nil && r.IsEnabled()))
}

// SetTelemetryReporter sets the global telemetry reporter. Nil disables it.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	globalTelemetryReporter = reporter
	reporterMu.Unlock()
	updateActiveReporting()
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalTelemetryReporter
}

// AddErrorHook registers a hook that sees every built error
func AddErrorHook(hook ErrorHook) {
	hooksMu.Lock()
	hooks = append(hooks, hook)
	hooksMu.Unlock()
	updateActiveReporting()
}

// ClearErrorHooks removes all hooks
func ClearErrorHooks() {
	hooksMu.Lock()
	hooks = nil
	hooksMu.Unlock()
	updateActiveReporting()
}

func runHooks(ee *EnhancedError) {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	for _, h := range hooks {
		h(ee)
	}
}

func reportToTelemetry(ee *EnhancedError) {
	r := GetTelemetryReporter()
	if r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

// SentryReporter implements TelemetryReporter for Sentry. sentry.Init must
// have been called by the owner of the process.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends the error to Sentry with scrubbed message and context.
// Each error is reported at most once.
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := ScrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error()))
	title := generateErrorTitle(ee)
	component := ee.GetComponent()

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = ScrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// generateErrorTitle builds "<Component> <Category> <Operation>"
func generateErrorTitle(ee *EnhancedError) string {
	var parts []string

	if c := ee.GetComponent(); c != "" && c != ComponentUnknown {
		parts = append(parts, titleCase(c))
	}
	if cat := formatCategoryForTitle(ee.Category); cat != "" {
		parts = append(parts, cat)
	}
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		words := strings.Fields(strings.ReplaceAll(op, "_", " "))
		for i, w := range words {
			words[i] = titleCase(w)
		}
		parts = append(parts, strings.Join(words, " "))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}
	return strings.Join(parts, " ")
}

func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryTimeSync:
		return "Time Sync Anomaly"
	case CategoryFilter:
		return "Filter Fault"
	case CategoryBudget:
		return "Budget Overrun"
	case CategoryQueue:
		return "Queue Error"
	case CategoryValidation:
		return "Validation Error"
	case CategoryNetwork:
		return "Network Error"
	case CategoryDatabase:
		return "Database Error"
	case CategoryFileIO:
		return "File I/O Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategoryAudioSource:
		return "Source Error"
	default:
		return string(category)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryFilter, CategoryConfiguration, CategoryDatabase, CategorySystem:
		return sentry.LevelError
	case CategoryTimeSync, CategoryBudget, CategoryNetwork, CategoryMQTTConnect, CategoryMQTTPublish, CategoryFileIO:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	urlQueryRegex   = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	urlUserRegex    = regexp.MustCompile(`([a-z][a-z0-9+.-]*://)[^@/\s]+@`)
	secretRegex     = regexp.MustCompile(`(?i)(password|token|secret|api[_-]?key)[=:]\S+`)
	longHexRegex    = regexp.MustCompile(`[0-9a-fA-F]{32,}`)
	absolutePathReg = regexp.MustCompile(`(/[^/\s]+){2,}/([^/\s]+)`)
)

// ScrubMessage removes credentials, query strings and directory paths from
// messages bound for telemetry.
func ScrubMessage(message string) string {
	s := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	s = urlUserRegex.ReplaceAllString(s, "$1[REDACTED]@")
	s = secretRegex.ReplaceAllString(s, "$1=[REDACTED]")
	s = longHexRegex.ReplaceAllString(s, "[REDACTED]")
	s = absolutePathReg.ReplaceAllString(s, ".../$2")
	return s
}
