package api

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/ingest"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// analyzeHandler accepts a multipart upload for one plane: image,
// patientId and/or patientName, gestationalAge, and optional scanDate and notes.
func (c *Controller) analyzeHandler(plane inference.Plane) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		req := ingest.Request{
			Plane:          plane,
			PatientID:      strings.TrimSpace(ctx.FormValue("patientId")),
			PatientName:    strings.TrimSpace(ctx.FormValue("patientName")),
			GestationalAge: strings.TrimSpace(ctx.FormValue("gestationalAge")),
			ScanDate:       strings.TrimSpace(ctx.FormValue("scanDate")),
			Notes:          ctx.FormValue("notes"),
		}

		fh, err := ctx.FormFile("image")
		switch {
		case err == nil:
			f, err := fh.Open()
			if err != nil {
				return c.HandleError(ctx, errors.New(err).
					Component("api").
					Category(errors.CategoryFileIO).
					Context("operation", "open_upload").
					Build())
			}
			req.Image = &ingest.Upload{
				FileName:    fh.Filename,
				ContentType: fh.Header.Get(echo.HeaderContentType),
				Size:        fh.Size,
				Data:        f,
			}
			req.Cleanup = uploadCleanup(f, ctx.Request().MultipartForm)
			if m := c.httpMetrics(); m != nil {
				m.RecordUpload(fh.Size)
			}
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			// reported by the saga as a missing image
		default:
			return c.HandleError(ctx, validationError("Invalid multipart form"))
		}

		res, err := c.ingest.Analyze(ctx.Request().Context(), req)
		if err != nil {
			return c.HandleError(ctx, err)
		}
		c.invalidateScan(res.ScanID)

		c.log.Info("scan analyzed",
			logger.String("plane", string(plane)),
			logger.Uint64("scan_id", uint64(res.ScanID)),
			logger.String("patient_id", res.PatientID))
		return ok(ctx, res)
	}
}

// uploadCleanup closes the upload and removes multipart temp files
func uploadCleanup(f multipart.File, form *multipart.Form) func() error {
	return func() error {
		err := f.Close()
		if form != nil {
			err = errors.Join(err, form.RemoveAll())
		}
		return err
	}
}

// RetryAnalysis re-runs the analysis of a stored scan image.
func (c *Controller) RetryAnalysis(ctx echo.Context) error {
	scanID, err := parseScanID(ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	res, err := c.ingest.RetryAnalysis(ctx.Request().Context(), scanID)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if !res.AlreadyAnalyzed {
		c.invalidateScan(scanID)
	}
	return ok(ctx, res)
}

func parseScanID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil || id == 0 {
		return 0, validationError("Invalid scan ID")
	}
	return uint(id), nil
}
