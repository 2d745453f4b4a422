// Package testutil provides shared test helpers for goroutine-driven
// components.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Common test timeout constants.
const (
	// DefaultTestTimeout is the standard timeout for most async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second

	// LongTestTimeout is for whole pipeline runs on slow CI machines.
	LongTestTimeout = 10 * time.Second

	// PollInterval is the default tick for Eventually style checks.
	PollInterval = 5 * time.Millisecond
)

// WaitForChannel waits for a signal on the channel or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// WaitForValue receives one value from ch or fails after timeout.
func WaitForValue[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
	var zero T
	return zero
}

// WaitForError receives the result of a Run style goroutine and requires
// it to be nil.
func WaitForError(t *testing.T, done <-chan error, timeout time.Duration, msg string) {
	t.Helper()
	require.NoError(t, WaitForValue(t, done, timeout, msg))
}

// RunAsync runs fn on a new goroutine and returns a channel that receives
// its error.
func RunAsync(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}
