package datastore

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// reportFromNormalized maps a normalized inference report to its rows
func reportFromNormalized(scanID uint, nr *inference.NormalizedReport) *Report {
	report := &Report{
		ScanID:           scanID,
		PrimaryFindings:  nr.PrimaryFindings,
		ConfidenceScore:  nr.Confidence,
		ImageQuality:     nr.ImageQuality,
		IsNormal:         nr.IsNormal,
		NumAbnormalities: nr.NumAbnormalities,
		ProcessingTime:   nr.ProcessingTime,
		Details:          nr.Details,
		Recommendation:   nr.Recommendation,
		Features:         make([]Feature, 0, len(nr.Measurements)),
	}
	for _, m := range nr.Measurements {
		report.Features = append(report.Features, Feature{
			Name:            m.Name,
			Description:     m.Description,
			ConfidenceScore: m.Confidence,
		})
	}
	return report
}

// StoreReport writes a report, one feature per measurement, and the optional
// annotated images, then marks the scan "report_stored". All rows commit
// together or none do.
func (ds *DataStore) StoreReport(ctx context.Context, scanID uint, nr *inference.NormalizedReport, opts StoreReportOptions) (stored *Report, err error) {
	defer ds.track("store_report")(&err)

	if nr == nil {
		return nil, validationError("Report is required", "report", nil)
	}

	report := reportFromNormalized(scanID, nr)

	tx := ds.db(ctx).Begin()
	if tx.Error != nil {
		return nil, dbError(tx.Error, "store_report", errors.PriorityHigh)
	}

	// Roll back the transaction if a panic occurs
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			ds.recordRollback("store_report")
			panic(r)
		}
	}()

	rollback := func(cause error, step string) (*Report, error) {
		tx.Rollback()
		ds.recordRollback("store_report")
		ds.log.Warn("report transaction rolled back",
			logger.Uint64("scan_id", uint64(scanID)),
			logger.String("step", step),
			logger.Error(cause))
		if errors.IsCategory(cause, errors.CategoryNotFound) || errors.IsCategory(cause, errors.CategoryState) {
			return nil, cause
		}
		return nil, dbError(cause, "store_report", errors.PriorityHigh, "scan_id", scanID, "step", step)
	}

	// mark first so a concurrent writer for the same scan is refused before any insert
	result := tx.Model(&Scan{}).
		Where("scan_id = ? AND analysis_step <> ?", scanID, StepReportStored).
		Updates(map[string]any{
			"analysis_step": StepReportStored,
			"last_error":    "",
			"plane_type":    string(nr.Plane),
		})
	if result.Error != nil {
		return rollback(result.Error, "mark_scan")
	}
	if result.RowsAffected == 0 {
		var scan Scan
		if err := tx.Select("scan_id", "analysis_step").First(&scan, scanID).Error; err != nil {
			return rollback(lookupError(err, "Scan", "store_report", scanID), "mark_scan")
		}
		return rollback(stateError("Scan already has a report", "store_report", scanID, scan.AnalysisStep), "mark_scan")
	}

	if err := tx.Omit(clause.Associations).Create(report).Error; err != nil {
		return rollback(err, "insert_report")
	}

	for i := range report.Features {
		report.Features[i].ReportID = report.ID
		if err := tx.Create(&report.Features[i]).Error; err != nil {
			return rollback(err, "insert_feature")
		}
	}

	report.AnnotatedImages = make([]AnnotatedImage, 0, len(opts.AnnotatedImages))
	for _, in := range opts.AnnotatedImages {
		ai := AnnotatedImage{ReportID: report.ID, OriginalImageID: in.OriginalImageID, Path: in.Path}
		if err := tx.Omit(clause.Associations).Create(&ai).Error; err != nil {
			return rollback(err, "insert_annotated_image")
		}
		report.AnnotatedImages = append(report.AnnotatedImages, ai)
	}

	if err := tx.Commit().Error; err != nil {
		ds.recordRollback("store_report")
		return nil, dbError(fmt.Errorf("committing report: %w", err), "store_report", errors.PriorityHigh, "scan_id", scanID)
	}

	ds.log.Info("report stored",
		logger.Uint64("scan_id", uint64(scanID)),
		logger.Uint64("report_id", uint64(report.ID)),
		logger.Int("features", len(report.Features)),
		logger.Bool("is_normal", report.IsNormal))
	return report, nil
}

// GetLatestReport returns the newest report of a scan with its features and annotated images
func (ds *DataStore) GetLatestReport(ctx context.Context, scanID uint) (report *Report, err error) {
	defer ds.track("get_latest_report")(&err)

	var r Report
	err = ds.db(ctx).
		Preload("Features", orderBy("feature_id")).
		Preload("AnnotatedImages", orderBy("annotated_image_id")).
		Where("scan_id = ?", scanID).
		Order("report_id DESC").
		First(&r).Error
	if err != nil {
		return nil, lookupError(err, "Report", "get_latest_report", scanID)
	}
	return &r, nil
}
