package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/processor"
)

// MetricsResponse combines the pipeline counters
type MetricsResponse struct {
	RunID     string                `json:"run_id,omitempty"`
	Running   bool                  `json:"running"`
	Processor processor.Snapshot    `json:"processor"`
	Filter    processor.FilterState `json:"filter"`
	Frontend  any                   `json:"frontend,omitempty"`
	Spectral  any                   `json:"spectral,omitempty"`
}

// GetMetrics handles GET /api/v1/metrics
func (c *Controller) GetMetrics(ctx echo.Context) error {
	resp := MetricsResponse{
		RunID:     c.deps.RunID,
		Running:   c.deps.Processor.Running(),
		Processor: c.deps.Processor.Metrics(),
		Filter:    c.deps.Processor.FilterState(),
	}
	if c.deps.Device != nil {
		resp.Frontend = c.deps.Device()
	}
	if c.deps.Spectral != nil {
		resp.Spectral = c.deps.Spectral.Stats()
	}
	return ctx.JSON(http.StatusOK, resp)
}

// GetFilter handles GET /api/v1/filter
func (c *Controller) GetFilter(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.deps.Processor.FilterState())
}

// CoefficientsResponse lists taps as [re, im] pairs
type CoefficientsResponse struct {
	Taps         int          `json:"taps"`
	Coefficients [][2]float64 `json:"coefficients"`
}

func toPairs(c []complex128) [][2]float64 {
	out := make([][2]float64, len(c))
	for i, v := range c {
		out[i] = [2]float64{real(v), imag(v)}
	}
	return out
}

// GetCoefficients handles GET /api/v1/filter/coefficients
func (c *Controller) GetCoefficients(ctx echo.Context) error {
	coeffs := c.deps.Processor.Coefficients()
	if coeffs == nil {
		return c.HandleError(ctx, nil, "stage has no adaptive filter", http.StatusConflict)
	}
	return ctx.JSON(http.StatusOK, CoefficientsResponse{Taps: len(coeffs), Coefficients: toPairs(coeffs)})
}

// StepSizeRequest is the body of PUT /api/v1/filter/step-size
type StepSizeRequest struct {
	StepSize *float64 `json:"step_size"`
}

// PutStepSize handles PUT /api/v1/filter/step-size
func (c *Controller) PutStepSize(ctx echo.Context) error {
	var req StepSizeRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
	}
	if req.StepSize == nil {
		return c.HandleError(ctx, nil, "step_size is required", http.StatusBadRequest)
	}
	if err := c.deps.Processor.SetStepSize(*req.StepSize); err != nil {
		return c.HandleError(ctx, err, "step size rejected", statusFor(err))
	}
	c.log.Info("step size change queued", logger.Float64("step_size", *req.StepSize))
	return c.accepted(ctx)
}

// PostFilterReset handles POST /api/v1/filter/reset
func (c *Controller) PostFilterReset(ctx echo.Context) error {
	c.deps.Processor.ResetFilter()
	c.log.Info("filter reset queued")
	return c.accepted(ctx)
}

// GetTimeBase handles GET /api/v1/timebase
func (c *Controller) GetTimeBase(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.deps.TimeBase.Stats())
}

// PostTimeBaseReset handles POST /api/v1/timebase/reset
func (c *Controller) PostTimeBaseReset(ctx echo.Context) error {
	c.deps.Processor.ResetTimeBase()
	c.log.Info("time base reset queued")
	return c.accepted(ctx)
}
