package sink

import (
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/iqstream/internal/logger"
)

// DefaultDiskCheckInterval is how often a recording re-reads filesystem usage
const DefaultDiskCheckInterval = 10 * time.Second

// UsageFunc reports the used percentage of the filesystem holding path
type UsageFunc func(path string) (float64, error)

// DiskUsage returns the used percentage of the filesystem holding path
func DiskUsage(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// diskGuard suspends a recording while the target filesystem is above a
// usage threshold and resumes it once space is freed.
type diskGuard struct {
	dir       string
	threshold float64 // percent, 0 disables
	interval  time.Duration
	usage     UsageFunc

	lastCheck time.Time
	full      bool
}

// exceeded reports whether writes should be suspended, re-reading usage
// at most once per interval
func (g *diskGuard) exceeded(now time.Time) bool {
	if g.threshold <= 0 {
		return false
	}
	if !g.lastCheck.IsZero() && now.Sub(g.lastCheck) < g.interval {
		return g.full
	}
	g.lastCheck = now

	used, err := g.usage(existingDir(g.dir))
	if err != nil {
		// keep the previous decision, a failed stat is not a full disk
		log.Warn("disk usage check failed",
			logger.String("dir", g.dir),
			logger.Error(err))
		return g.full
	}

	switch {
	case used > g.threshold && !g.full:
		log.Warn("disk usage above threshold, recording suspended",
			logger.String("dir", g.dir),
			logger.Float64("usage", used),
			logger.Float64("threshold", g.threshold))
	case used <= g.threshold && g.full:
		log.Info("disk usage below threshold, recording resumed",
			logger.String("dir", g.dir),
			logger.Float64("usage", used))
	}
	g.full = used > g.threshold
	return g.full
}

// existingDir walks up from dir to the nearest directory that exists
func existingDir(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
