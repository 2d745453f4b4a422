package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/snapshot"
)

// CreateSnapshotRequest is the optional body of POST /api/v1/snapshots
type CreateSnapshotRequest struct {
	Label string `json:"label"`
}

func (c *Controller) snapshotsEnabled(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.HandleError(ctx, nil, "snapshot storage disabled", http.StatusNotFound)
	}
	return nil
}

func snapshotID(ctx echo.Context) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid snapshot id")
	}
	return uint(id), nil
}

// ListSnapshots handles GET /api/v1/snapshots. ?limit=n caps the page,
// ?format=yaml returns a YAML document.
func (c *Controller) ListSnapshots(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	limit := 0
	if v := ctx.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.HandleError(ctx, err, "invalid limit", http.StatusBadRequest)
		}
		limit = n
	}
	snaps, err := c.deps.Snapshots.List(ctx.Request().Context(), limit)
	if err != nil {
		return c.HandleError(ctx, err, "failed to list snapshots", statusFor(err))
	}
	if ctx.QueryParam("format") == "yaml" {
		return c.writeYAML(ctx, snaps...)
	}
	return ctx.JSON(http.StatusOK, snaps)
}

// CreateSnapshot handles POST /api/v1/snapshots, saving the current
// adaptive filter coefficients.
func (c *Controller) CreateSnapshot(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	var req CreateSnapshotRequest
	if ctx.Request().ContentLength > 0 {
		if err := ctx.Bind(&req); err != nil {
			return c.HandleError(ctx, err, "invalid request body", http.StatusBadRequest)
		}
	}

	coeffs := c.deps.Processor.Coefficients()
	if coeffs == nil {
		return c.HandleError(ctx, nil, "stage has no adaptive filter", http.StatusConflict)
	}
	fs := c.deps.Processor.FilterState()
	m := c.deps.Processor.Metrics()

	snap := &snapshot.Snapshot{
		RunID:          c.deps.RunID,
		Label:          req.Label,
		Stage:          fs.Stage,
		Taps:           len(coeffs),
		StepSize:       fs.StepSize,
		Normalized:     fs.Normalized,
		Samples:        fs.Samples,
		MeanErrorPower: m.MeanErrorPower,
		Coefficients:   snapshot.Coefficients(coeffs),
	}
	if err := c.deps.Snapshots.Save(ctx.Request().Context(), snap); err != nil {
		return c.HandleError(ctx, err, "failed to save snapshot", statusFor(err))
	}
	return ctx.JSON(http.StatusCreated, snap)
}

// GetSnapshot handles GET /api/v1/snapshots/:id
func (c *Controller) GetSnapshot(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	id, err := snapshotID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "invalid snapshot id", http.StatusBadRequest)
	}
	snap, err := c.deps.Snapshots.Get(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "snapshot not available", statusFor(err))
	}
	if ctx.QueryParam("format") == "yaml" {
		return c.writeYAML(ctx, *snap)
	}
	return ctx.JSON(http.StatusOK, snap)
}

// GetLatestSnapshot handles GET /api/v1/snapshots/latest. ?run_id= limits
// the lookup to one run.
func (c *Controller) GetLatestSnapshot(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	snap, err := c.deps.Snapshots.Latest(ctx.Request().Context(), ctx.QueryParam("run_id"))
	if err != nil {
		return c.HandleError(ctx, err, "snapshot not available", statusFor(err))
	}
	if ctx.QueryParam("format") == "yaml" {
		return c.writeYAML(ctx, *snap)
	}
	return ctx.JSON(http.StatusOK, snap)
}

// DeleteSnapshot handles DELETE /api/v1/snapshots/:id
func (c *Controller) DeleteSnapshot(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	id, err := snapshotID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "invalid snapshot id", http.StatusBadRequest)
	}
	if err := c.deps.Snapshots.Delete(ctx.Request().Context(), id); err != nil {
		return c.HandleError(ctx, err, "snapshot not deleted", statusFor(err))
	}
	c.log.Info("snapshot deleted", logger.Uint64("id", uint64(id)))
	return ctx.NoContent(http.StatusNoContent)
}

// RestoreSnapshot handles POST /api/v1/snapshots/:id/restore. The
// coefficients are loaded at the start of the next batch.
func (c *Controller) RestoreSnapshot(ctx echo.Context) error {
	if c.deps.Snapshots == nil {
		return c.snapshotsEnabled(ctx)
	}
	id, err := snapshotID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "invalid snapshot id", http.StatusBadRequest)
	}
	snap, err := c.deps.Snapshots.Get(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err, "snapshot not available", statusFor(err))
	}
	if err := c.deps.Processor.RestoreCoefficients(snap.Coefficients); err != nil {
		return c.HandleError(ctx, err, "snapshot cannot be restored", statusFor(err))
	}
	c.log.Info("snapshot restore queued",
		logger.Uint64("id", uint64(snap.ID)),
		logger.String("label", snap.Label))
	return c.accepted(ctx)
}

func (c *Controller) writeYAML(ctx echo.Context, snaps ...snapshot.Snapshot) error {
	var buf bytes.Buffer
	if err := snapshot.ExportYAML(&buf, snaps...); err != nil {
		return c.HandleError(ctx, err, "failed to encode snapshots", http.StatusInternalServerError)
	}
	return ctx.Blob(http.StatusOK, "application/yaml", buf.Bytes())
}
