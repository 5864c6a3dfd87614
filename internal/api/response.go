package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/ingest"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const internalErrorMessage = "Internal server error"

// Response is the JSON envelope of every API response.
type Response struct {
	Success       bool        `json:"success"`
	Data          any         `json:"data,omitempty"`
	Message       string      `json:"message,omitempty"`
	Error         string      `json:"error,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Pagination    *Pagination `json:"pagination,omitempty"`
}

// Pagination describes one page of a list response.
type Pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func ok(ctx echo.Context, data any) error {
	return ctx.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func okMessage(ctx echo.Context, code int, message string, data any) error {
	return ctx.JSON(code, Response{Success: true, Message: message, Data: data})
}

func fail(ctx echo.Context, code int, message string) error {
	return ctx.JSON(code, Response{Success: false, Error: message})
}

// statusFor maps an error category to its HTTP status
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryState:
		return http.StatusConflict
	case errors.CategoryLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the error envelope for err. Client errors carry their
// own message. Server errors get a generic message and the request's
// correlation ID, which is logged with the cause.
func (c *Controller) HandleError(ctx echo.Context, err error) error {
	code := statusFor(err)
	if code < http.StatusInternalServerError {
		return fail(ctx, code, clientMessage(err))
	}

	correlationID := logger.CorrelationID(ctx.Request().Context())
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	resp := Response{
		Success:       false,
		Error:         internalErrorMessage,
		CorrelationID: correlationID,
	}
	var ae *ingest.AnalysisError
	if errors.As(err, &ae) {
		resp.Error = ae.Error()
	}

	c.log.With(logger.String("correlation_id", correlationID)).Error("request failed",
		logger.String("method", ctx.Request().Method),
		logger.String("path", ctx.Path()),
		logger.String("ip", ctx.RealIP()),
		logger.String("category", string(errors.CategoryOf(err))),
		logger.Error(err))

	return ctx.JSON(code, resp)
}

func clientMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
		return http.StatusText(he.Code)
	}
	return err.Error()
}

// httpErrorHandler renders errors that escape handlers (middleware
// rejections, unknown routes, panics) in the same envelope.
func (c *Controller) httpErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}
	if herr := c.HandleError(ctx, err); herr != nil {
		c.log.Warn("failed to write error response", logger.Error(herr))
	}
}

func validationError(message string) error {
	return errors.Newf("%s", message).
		Component("api").
		Category(errors.CategoryValidation).
		Build()
}
