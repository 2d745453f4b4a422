package errors

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	enabled  bool
	reported atomic.Int32
}

func (s *stubReporter) ReportError(ee *EnhancedError) {
	s.reported.Add(1)
	ee.MarkReported()
}

func (s *stubReporter) IsEnabled() bool { return s.enabled }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)
	ClearErrorHooks()

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuilderCarriesContext(t *testing.T) {
	base := NewStd("pulse interval out of tolerance")
	ee := New(base).
		Component("timebase").
		Category(CategoryTimeSync).
		Priority(PriorityLow).
		Context("interval_ticks", uint64(500_000)).
		Build()

	assert.ErrorIs(t, ee, base)
	assert.Equal(t, "timebase", ee.GetComponent())
	assert.True(t, IsCategory(ee, CategoryTimeSync))
	assert.Equal(t, PriorityLow, ee.GetPriority())
	assert.Equal(t, uint64(500_000), ee.GetContext()["interval_ticks"])

	wrapped := fmt.Errorf("discipline: %w", ee)
	assert.True(t, IsCategory(wrapped, CategoryTimeSync))
	assert.False(t, IsCategory(wrapped, CategoryFilter))
}

func TestInvalidPriorityFallsBack(t *testing.T) {
	ee := New(NewStd("x")).Priority("urgent").Build()
	assert.Equal(t, PriorityMedium, ee.Priority)
}

func TestDetectCategoryFromMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"invalid step size", CategoryValidation},
		{"batch size must be positive", CategoryValidation},
		{"failed to open file", CategoryFileIO},
		{"connection refused", CategoryNetwork},
		{"something else", CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, detectCategory(NewStd(tt.msg)))
		})
	}
}

func TestHooksAndReporter(t *testing.T) {
	rep := &stubReporter{enabled: true}
	SetTelemetryReporter(rep)
	var seen []ErrorCategory
	AddErrorHook(func(ee *EnhancedError) { seen = append(seen, ee.Category) })
	t.Cleanup(func() {
		SetTelemetryReporter(nil)
		ClearErrorHooks()
	})

	ee := New(NewStd("coefficients diverged")).Category(CategoryFilter).Build()

	require.Equal(t, []ErrorCategory{CategoryFilter}, seen)
	assert.Equal(t, int32(1), rep.reported.Load())
	assert.True(t, ee.IsReported())
	// Component is detected from the caller when reporting is active
	assert.NotEmpty(t, ee.GetComponent())
}

func TestDisabledReporterSkipsReporting(t *testing.T) {
	rep := &stubReporter{enabled: false}
	SetTelemetryReporter(rep)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(NewStd("x")).Build()
	assert.Equal(t, int32(0), rep.reported.Load())
	assert.False(t, hasActiveReporting.Load())
}

func TestScrubMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  string
		present string
	}{
		{"query", "GET https://host/api?token=abc", "abc", "?[REDACTED]"},
		{"userinfo", "dial tcp://iq:pw@broker:1883 failed", "iq:pw", "[REDACTED]@broker"},
		{"secret", "auth failed password=hunter2", "hunter2", "password=[REDACTED]"},
		{"path", "open /home/alice/captures/run1.wav", "alice", "run1.wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScrubMessage(tt.in)
			assert.NotContains(t, got, tt.absent)
			assert.Contains(t, got, tt.present)
		})
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	ee := New(NewStd("x")).
		Component("processor").
		Category(CategoryBudget).
		Context("operation", "process_batch").
		Build()

	assert.Equal(t, "Processor Budget Overrun Process Batch", generateErrorTitle(ee))
}
