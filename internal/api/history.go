package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/errors"
)

const (
	historyDateLayout = "Jan 02, 2006"
	unknownQuality    = "Unknown"
	notAvailable      = "N/A"

	statusNormal   = "Normal"
	statusAbnormal = "Abnormal"
	statusPending  = "Pending"
	statusFailed   = "Failed"
)

// HistoryItem is one scan as shown on the history dashboard.
type HistoryItem struct {
	ID             uint               `json:"id"`
	PatientNumber  string             `json:"patientNumber"`
	PatientName    string             `json:"patientName,omitempty"`
	ScanDate       string             `json:"scanDate"`
	GestationalAge int                `json:"gestationalAge"`
	Abnormalities  int                `json:"abnormalities"`
	Confidence     float64            `json:"confidence"`
	ImageQuality   string             `json:"imageQuality"`
	ProcessingTime string             `json:"processingTime"`
	Status         string             `json:"status"`
	AnalysisStep   datastore.ScanStep `json:"analysisStep"`
	ImagePath      *string            `json:"imagePath"`
}

// HistoryFeature is a detected feature titled by its position in the report.
type HistoryFeature struct {
	ID          uint    `json:"id"`
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// HistoryDetails is the detail view of one scan.
type HistoryDetails struct {
	HistoryItem
	Notes              string           `json:"notes"`
	PrimaryFindings    string           `json:"primaryFindings,omitempty"`
	Details            string           `json:"details,omitempty"`
	Recommendation     string           `json:"recommendation,omitempty"`
	AnnotatedImagePath *string          `json:"annotatedImagePath"`
	Features           []HistoryFeature `json:"features"`
}

// GetHistory handles GET /api/scan-history/history?limit=10&offset=0
func (c *Controller) GetHistory(ctx echo.Context) error {
	return c.listHistory(ctx, "")
}

// SearchHistory handles GET /api/scan-history/search?q=
func (c *Controller) SearchHistory(ctx echo.Context) error {
	return c.listHistory(ctx, ctx.QueryParam("q"))
}

func (c *Controller) listHistory(ctx echo.Context, search string) error {
	limit, offset := pageParams(ctx)
	entries, total, err := c.DS.ListHistory(ctx.Request().Context(), datastore.HistoryQuery{
		Search: search,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return c.HandleError(ctx, err)
	}

	items := make([]HistoryItem, 0, len(entries))
	for i := range entries {
		items = append(items, historyItemFromEntry(&entries[i]))
	}
	return ctx.JSON(http.StatusOK, Response{
		Success:    true,
		Data:       items,
		Pagination: &Pagination{Total: total, Limit: limit, Offset: offset},
	})
}

// GetHistoryDetails handles GET /api/scan-history/details/:scanId. The
// rendered body is cached until the scan changes, so repeated reads return
// identical bytes.
func (c *Controller) GetHistoryDetails(ctx echo.Context) error {
	scanID, err := parseScanID(ctx.Param("scanId"))
	if err != nil {
		return c.HandleError(ctx, err)
	}

	key := detailsKey(scanID)
	if cached, found := c.detailsCache.Get(key); found {
		c.recordCacheLookup(true)
		return ctx.JSONBlob(http.StatusOK, cached.([]byte))
	}
	c.recordCacheLookup(false)

	scan, err := c.DS.GetScanWithDetails(ctx.Request().Context(), scanID)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	body, err := json.Marshal(Response{Success: true, Data: historyDetailsFromScan(scan)})
	if err != nil {
		return c.HandleError(ctx, errors.New(err).
			Component("api").
			Category(errors.CategorySystem).
			Context("operation", "marshal_scan_details").
			Build())
	}
	c.detailsCache.SetDefault(key, body)
	return ctx.JSONBlob(http.StatusOK, body)
}

func (c *Controller) recordCacheLookup(hit bool) {
	if m := c.httpMetrics(); m != nil {
		m.RecordCacheLookup("scan_details", hit)
	}
}

// invalidateScan drops cached views of scanID after a write
func (c *Controller) invalidateScan(scanID uint) {
	c.detailsCache.Delete(detailsKey(scanID))
}

func detailsKey(scanID uint) string {
	return "details:" + strconv.FormatUint(uint64(scanID), 10)
}

func historyItemFromEntry(e *datastore.HistoryEntry) HistoryItem {
	item := HistoryItem{
		ID:             e.ScanID,
		PatientNumber:  e.PatientID,
		ScanDate:       formatScanDate(e.ScanDate),
		GestationalAge: e.GestationalAge,
		ImageQuality:   unknownQuality,
		ProcessingTime: formatProcessingTime(e.ProcessingTime),
		Status:         scanStatus(e.AnalysisStep, e.ReportID != nil, e.IsNormal != nil && *e.IsNormal),
		AnalysisStep:   e.AnalysisStep,
		ImagePath:      e.ImagePath,
	}
	if e.PatientName != nil {
		item.PatientName = *e.PatientName
	}
	if e.NumAbnormalities != nil {
		item.Abnormalities = *e.NumAbnormalities
	}
	if e.ConfidenceScore != nil {
		item.Confidence = *e.ConfidenceScore
	}
	if e.ImageQuality != nil && *e.ImageQuality != "" {
		item.ImageQuality = *e.ImageQuality
	}
	return item
}

func historyDetailsFromScan(s *datastore.Scan) HistoryDetails {
	d := HistoryDetails{
		HistoryItem: HistoryItem{
			ID:             s.ID,
			PatientNumber:  s.PatientID,
			ScanDate:       formatScanDate(s.ScanDate),
			GestationalAge: s.GestationalAge,
			ImageQuality:   unknownQuality,
			ProcessingTime: notAvailable,
			AnalysisStep:   s.AnalysisStep,
		},
		Notes:    s.Notes,
		Features: make([]HistoryFeature, 0),
	}
	if s.Patient != nil {
		d.PatientName = s.Patient.Name
	}
	if len(s.Images) > 0 {
		d.ImagePath = &s.Images[0].Path
	}

	var report *datastore.Report
	if n := len(s.Reports); n > 0 {
		report = &s.Reports[n-1]
	}
	d.Status = scanStatus(s.AnalysisStep, report != nil, report != nil && report.IsNormal)
	if report == nil {
		return d
	}

	d.Abnormalities = report.NumAbnormalities
	d.Confidence = report.ConfidenceScore
	if report.ImageQuality != "" {
		d.ImageQuality = report.ImageQuality
	}
	d.ProcessingTime = formatProcessingTime(&report.ProcessingTime)
	d.PrimaryFindings = report.PrimaryFindings
	d.Details = report.Details
	d.Recommendation = report.Recommendation
	if len(report.AnnotatedImages) > 0 {
		d.AnnotatedImagePath = &report.AnnotatedImages[0].Path
	}
	for i, f := range report.Features {
		d.Features = append(d.Features, HistoryFeature{
			ID:          f.ID,
			Name:        fmt.Sprintf("Feature %d", i+1),
			Title:       f.Name,
			Description: f.Description,
			Confidence:  f.ConfidenceScore,
		})
	}
	return d
}

// formatScanDate renders a stored YYYY-MM-DD date as "Jan 02, 2006"
func formatScanDate(raw string) string {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return raw
	}
	return t.Format(historyDateLayout)
}

// formatProcessingTime renders seconds as "{n}s"; missing or zero is "N/A"
func formatProcessingTime(seconds *float64) string {
	if seconds == nil || *seconds <= 0 {
		return notAvailable
	}
	return strconv.FormatFloat(*seconds, 'f', -1, 64) + "s"
}

func scanStatus(step datastore.ScanStep, hasReport, normal bool) string {
	switch {
	case hasReport && normal:
		return statusNormal
	case hasReport:
		return statusAbnormal
	case step == datastore.StepAnalysisFailed:
		return statusFailed
	default:
		return statusPending
	}
}
