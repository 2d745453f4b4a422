//go:build !linux

package rtsched

import (
	"runtime"

	"github.com/tphakala/iqstream/internal/errors"
)

func apply(opts Options) (func(), error) {
	runtime.LockOSThread()

	var errs []error
	if opts.CPU >= 0 {
		errs = append(errs, hintError(ErrUnsupported, "affinity"))
	}
	if opts.LockMemory {
		errs = append(errs, hintError(ErrUnsupported, "mlockall"))
	}
	return runtime.UnlockOSThread, errors.Join(errs...)
}

// AllowedCPUs returns every CPU; affinity is not queried on this platform
func AllowedCPUs() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}
