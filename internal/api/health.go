package api

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/iqstream/internal/timebase"
)

// HostStats are host resource figures reported by the health endpoint
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`
}

// hostSampler reads host statistics; errors leave fields zero
type hostSampler interface {
	Sample() HostStats
}

type gopsutilSampler struct{}

// Sample reads CPU use since the previous call, so it never blocks
func (gopsutilSampler) Sample() HostStats {
	var hs HostStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemoryPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			hs.ProcessRSS = mi.RSS
		}
	}
	return hs
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string    `json:"status"`
	RunID         string    `json:"run_id,omitempty"`
	Running       bool      `json:"running"`
	FilterFaulted bool      `json:"filter_faulted"`
	TimeBase      string    `json:"timebase"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Host          HostStats `json:"host"`
	Timestamp     string    `json:"timestamp"`
}

// Health states
const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "stopped"
)

// GetHealth handles GET /health. A stopped processor answers 503, a faulted
// filter or an unsynchronized time base 200 with status degraded.
func (c *Controller) GetHealth(ctx echo.Context) error {
	uptime := time.Since(c.startTime)
	snap := c.deps.Processor.Metrics()
	tb := c.deps.TimeBase.Stats()

	resp := HealthResponse{
		Status:        HealthOK,
		RunID:         c.deps.RunID,
		Running:       c.deps.Processor.Running(),
		FilterFaulted: snap.FilterFaulted,
		TimeBase:      tb.StateName,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Host:          c.hostStats.Sample(),
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	code := http.StatusOK
	switch {
	case !resp.Running:
		resp.Status = HealthDown
		code = http.StatusServiceUnavailable
	case snap.FilterFaulted || tb.State != timebase.Synchronized:
		resp.Status = HealthDegraded
	}
	return ctx.JSON(code, resp)
}
