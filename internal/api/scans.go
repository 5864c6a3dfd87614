package api

import (
	"github.com/labstack/echo/v4"
)

type updateNotesRequest struct {
	Notes string `json:"notes"`
}

// GetScan handles GET /api/scans/:id and returns the scan with its images
// and reports, including features and annotated images.
func (c *Controller) GetScan(ctx echo.Context) error {
	scanID, err := parseScanID(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	scan, err := c.DS.GetScanWithDetails(ctx.Request().Context(), scanID)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ok(ctx, scan)
}

// UpdateScanNotes handles PUT /api/scans/:id/notes
func (c *Controller) UpdateScanNotes(ctx echo.Context) error {
	scanID, err := parseScanID(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var body updateNotesRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	if err := c.DS.UpdateScanNotes(ctx.Request().Context(), scanID, body.Notes); err != nil {
		return c.HandleError(ctx, err)
	}
	c.invalidateScan(scanID)
	return ok(ctx, map[string]any{"scanId": scanID, "notes": body.Notes})
}
