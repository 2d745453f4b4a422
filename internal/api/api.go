// Package api exposes the pipeline control surface over HTTP. Every write
// goes through the processor's queued control methods, so a request returns
// before the change takes effect at the start of the next batch.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/snapshot"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/timebase"
)

// Control is the processor surface the API drives. *processor.Processor
// implements it.
type Control interface {
	Running() bool
	Metrics() processor.Snapshot
	FilterState() processor.FilterState
	Coefficients() []complex128
	SetStepSize(mu float64) error
	ResetFilter()
	ResetTimeBase()
	RestoreCoefficients(c []complex128) error
	ControlRevision() uint64
}

// TimeSource reports time base state
type TimeSource interface {
	Stats() timebase.Stats
}

// SpectrumSource publishes spectra. *spectral.Monitor implements it.
type SpectrumSource interface {
	Latest() *spectral.Spectrum
	Stats() spectral.Stats
	Interval() time.Duration
	Subscribe() (<-chan *spectral.Spectrum, func())
}

// SnapshotStore persists coefficient snapshots. *snapshot.Store implements it.
type SnapshotStore interface {
	Save(ctx context.Context, snap *snapshot.Snapshot) error
	List(ctx context.Context, limit int) ([]snapshot.Snapshot, error)
	Get(ctx context.Context, id uint) (*snapshot.Snapshot, error)
	Latest(ctx context.Context, runID string) (*snapshot.Snapshot, error)
	Delete(ctx context.Context, id uint) error
}

// Deps are the components the API serves. Processor and TimeBase are
// required; the rest may be nil when the feature is disabled.
type Deps struct {
	RunID     string
	Processor Control
	TimeBase  TimeSource
	Spectral  SpectrumSource
	Snapshots SnapshotStore
	Device    func() frontend.DeviceStats
	// Metrics serves the Prometheus exposition at /metrics
	Metrics http.Handler
	Logger  logger.Logger
}

// Controller holds the API handlers
type Controller struct {
	Echo  *echo.Echo
	Group *echo.Group

	deps          Deps
	log           logger.Logger
	spectrumCache *cache.Cache
	startTime     time.Time
	hostStats     hostSampler
}

const (
	spectrumCacheKey     = "latest"
	spectrumCacheCleanup = time.Minute
	// minSpectrumCacheTTL applies when the monitor has no rate limit
	minSpectrumCacheTTL = 10 * time.Millisecond
)

// NewController registers the API routes on e
func NewController(e *echo.Echo, deps Deps) (*Controller, error) {
	if deps.Processor == nil || deps.TimeBase == nil {
		return nil, errors.Newf("api requires a processor and a time base").
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Global().Module("api")
	}

	ttl := minSpectrumCacheTTL
	if deps.Spectral != nil {
		ttl = max(deps.Spectral.Interval(), minSpectrumCacheTTL)
	}

	c := &Controller{
		Echo:          e,
		deps:          deps,
		log:           log,
		spectrumCache: cache.New(ttl, spectrumCacheCleanup),
		startTime:     time.Now(),
		hostStats:     gopsutilSampler{},
	}
	c.initRoutes()
	return c, nil
}

func (c *Controller) initRoutes() {
	c.Echo.GET("/health", c.GetHealth)
	if c.deps.Metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.deps.Metrics))
	}

	c.Group = c.Echo.Group("/api/v1")
	c.Group.GET("/health", c.GetHealth)
	c.Group.GET("/metrics", c.GetMetrics)

	c.Group.GET("/filter", c.GetFilter)
	c.Group.GET("/filter/coefficients", c.GetCoefficients)
	c.Group.PUT("/filter/step-size", c.PutStepSize)
	c.Group.POST("/filter/reset", c.PostFilterReset)

	c.Group.GET("/timebase", c.GetTimeBase)
	c.Group.POST("/timebase/reset", c.PostTimeBaseReset)

	c.Group.GET("/spectrum", c.GetSpectrum)
	c.Group.GET("/spectrum/stream", c.StreamSpectrum)

	c.Group.GET("/snapshots", c.ListSnapshots)
	c.Group.POST("/snapshots", c.CreateSnapshot)
	c.Group.GET("/snapshots/latest", c.GetLatestSnapshot)
	c.Group.GET("/snapshots/:id", c.GetSnapshot)
	c.Group.DELETE("/snapshots/:id", c.DeleteSnapshot)
	c.Group.POST("/snapshots/:id/restore", c.RestoreSnapshot)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// NewErrorResponse creates an error body with a fresh correlation id
func NewErrorResponse(err error, message string, code int) *ErrorResponse {
	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
}

// HandleError logs err and writes an error response
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := NewErrorResponse(err, message, code)
	level := logger.LogLevelWarn
	if code >= http.StatusInternalServerError {
		level = logger.LogLevelError
	}
	c.log.Log(level, "api error",
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.String("error", resp.Error),
		logger.Int("code", code),
		logger.String("path", ctx.Request().URL.Path),
		logger.String("method", ctx.Request().Method),
		logger.String("ip", ctx.RealIP()))
	return ctx.JSON(code, resp)
}

// statusFor maps an error category to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ControlAccepted is returned by writes that apply at the next batch
type ControlAccepted struct {
	Status string `json:"status"`
	// Revision is the control revision at the time of the request; the write
	// has been applied once ControlRevision exceeds it
	Revision uint64 `json:"revision"`
}

func (c *Controller) accepted(ctx echo.Context) error {
	return ctx.JSON(http.StatusAccepted, ControlAccepted{
		Status:   "queued",
		Revision: c.deps.Processor.ControlRevision(),
	})
}
