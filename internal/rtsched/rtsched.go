// Package rtsched applies real-time scheduling hints to the thread running
// the calling goroutine: it locks the goroutine to its OS thread, optionally
// pins that thread to one CPU and locks the process memory so the hot path
// never takes a page fault. Hints that cannot be applied are reported but
// leave the others in place.
package rtsched

import (
	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

// Options selects the hints to apply
type Options struct {
	// CPU pins the thread, -1 leaves affinity alone
	CPU int
	// LockMemory locks current and future pages in RAM
	LockMemory bool
}

// ErrUnsupported is returned for hints the platform does not offer
var ErrUnsupported = errors.NewStd("real-time hint not supported on this platform")

var log = logger.Global().Module("rtsched")

// Apply applies opts to the current thread. The returned release func undoes
// them and must be called from the same goroutine. release is never nil, even
// when err is not.
func Apply(opts Options) (release func(), err error) {
	return apply(opts)
}

func hintError(err error, hint string) error {
	return errors.New(err).
		Component("rtsched").
		Category(errors.CategorySystem).
		Priority(errors.PriorityLow).
		Context("hint", hint).
		Build()
}
