//go:build linux

package rtsched

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

func apply(opts Options) (func(), error) {
	runtime.LockOSThread()

	var errs []error
	var prev unix.CPUSet
	restoreAffinity := false
	locked := false

	if opts.CPU >= 0 {
		if err := unix.SchedGetaffinity(0, &prev); err != nil {
			errs = append(errs, hintError(err, "affinity"))
		} else {
			var set unix.CPUSet
			set.Set(opts.CPU)
			if err := unix.SchedSetaffinity(0, &set); err != nil {
				errs = append(errs, hintError(err, "affinity"))
			} else {
				restoreAffinity = true
				log.Info("processor thread pinned", logger.Int("cpu", opts.CPU))
			}
		}
	}

	if opts.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			errs = append(errs, hintError(err, "mlockall"))
		} else {
			locked = true
			log.Info("process memory locked")
		}
	}

	release := func() {
		if restoreAffinity {
			if err := unix.SchedSetaffinity(0, &prev); err != nil {
				log.Warn("restoring thread affinity failed", logger.Error(err))
			}
		}
		if locked {
			if err := unix.Munlockall(); err != nil {
				log.Warn("unlocking process memory failed", logger.Error(err))
			}
		}
		runtime.UnlockOSThread()
	}
	return release, errors.Join(errs...)
}

// AllowedCPUs returns the CPUs the calling thread may run on
func AllowedCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for i := 0; len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
