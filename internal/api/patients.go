package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/datastore"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type createPatientRequest struct {
	PatientID   string `json:"patientId"`
	PatientName string `json:"patientName"`
	Status      string `json:"status"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// pageParams reads limit and offset; unparsable values fall back to defaults
func pageParams(ctx echo.Context) (limit, offset int) {
	limit, err := strconv.Atoi(ctx.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset, err = strconv.Atoi(ctx.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListPatients handles GET /api/patients?search=&limit=&offset=
func (c *Controller) ListPatients(ctx echo.Context) error {
	limit, offset := pageParams(ctx)
	patients, total, err := c.DS.ListPatients(ctx.Request().Context(), datastore.PatientQuery{
		Search: ctx.QueryParam("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, Response{
		Success:    true,
		Data:       patients,
		Pagination: &Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// CreatePatient handles POST /api/patients
func (c *Controller) CreatePatient(ctx echo.Context) error {
	var body createPatientRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	p := &datastore.Patient{
		ID:     strings.TrimSpace(body.PatientID),
		Name:   body.PatientName,
		Status: datastore.PatientStatus(body.Status),
	}
	if err := c.DS.CreatePatient(ctx.Request().Context(), p); err != nil {
		return c.HandleError(ctx, err)
	}
	return okMessage(ctx, http.StatusCreated, "Patient created", p)
}

// GetPatient handles GET /api/patients/:id
func (c *Controller) GetPatient(ctx echo.Context) error {
	p, err := c.DS.GetPatient(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ok(ctx, p)
}

// UpdatePatientStatus handles PUT /api/patients/:id/status
func (c *Controller) UpdatePatientStatus(ctx echo.Context) error {
	var body updateStatusRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	p, err := c.DS.UpdatePatientStatus(ctx.Request().Context(), ctx.Param("id"), datastore.PatientStatus(body.Status))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ok(ctx, p)
}

// GetPatientScans handles GET /api/patients/:id/scans and its /api/patient-scans/:id alias
func (c *Controller) GetPatientScans(ctx echo.Context) error {
	scans, err := c.DS.GetPatientScans(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ok(ctx, scans)
}
