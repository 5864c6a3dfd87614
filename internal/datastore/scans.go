package datastore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// ScanDateLayout is the stored scan date format
const ScanDateLayout = "2006-01-02"

func orderBy(column string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(column)
	}
}

// CreateScan inserts a scan at step "created"; an empty date becomes today
func (ds *DataStore) CreateScan(ctx context.Context, scan *Scan) (err error) {
	defer ds.track("create_scan")(&err)

	if scan.PatientID == "" {
		return validationError("Patient ID is required", "patientId", "")
	}
	if scan.ScanDate == "" {
		scan.ScanDate = time.Now().Format(ScanDateLayout)
	} else if _, perr := time.Parse(ScanDateLayout, scan.ScanDate); perr != nil {
		return validationError("Scan date must be YYYY-MM-DD", "scanDate", scan.ScanDate)
	}
	scan.AnalysisStep = StepCreated

	if err := ds.db(ctx).Omit(clause.Associations).Create(scan).Error; err != nil {
		if isForeignKeyViolation(err) {
			return notFoundError("Patient", scan.PatientID)
		}
		return dbError(err, "create_scan", errors.PriorityHigh, "patient_id", scan.PatientID)
	}
	ds.log.Debug("scan created",
		logger.Uint64("scan_id", uint64(scan.ID)),
		logger.String("patient_id", scan.PatientID))
	return nil
}

// GetScan returns the scan row without associations
func (ds *DataStore) GetScan(ctx context.Context, scanID uint) (scan *Scan, err error) {
	defer ds.track("get_scan")(&err)

	var s Scan
	if err := ds.db(ctx).First(&s, scanID).Error; err != nil {
		return nil, lookupError(err, "Scan", "get_scan", scanID)
	}
	return &s, nil
}

// StoreImage records the stored path of an uploaded image and advances a
// freshly created scan to "image_stored" in the same transaction.
func (ds *DataStore) StoreImage(ctx context.Context, scanID uint, path string) (image *Image, err error) {
	defer ds.track("store_image")(&err)

	if strings.TrimSpace(path) == "" {
		return nil, validationError("Image path is required", "image_path", path)
	}

	tx := ds.db(ctx).Begin()
	if tx.Error != nil {
		return nil, dbError(tx.Error, "store_image", errors.PriorityHigh)
	}

	// Roll back the transaction if a panic occurs
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var scan Scan
	if err := tx.Select("scan_id", "analysis_step").First(&scan, scanID).Error; err != nil {
		tx.Rollback()
		return nil, lookupError(err, "Scan", "store_image", scanID)
	}

	img := &Image{ScanID: scanID, Path: path}
	if err := tx.Create(img).Error; err != nil {
		tx.Rollback()
		ds.recordRollback("store_image")
		return nil, dbError(err, "store_image", errors.PriorityHigh, "scan_id", scanID)
	}

	if scan.AnalysisStep == StepCreated {
		if err := tx.Model(&Scan{}).Where("scan_id = ?", scanID).
			Update("analysis_step", StepImageStored).Error; err != nil {
			tx.Rollback()
			ds.recordRollback("store_image")
			return nil, dbError(err, "store_image", errors.PriorityHigh, "scan_id", scanID)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, dbError(err, "store_image", errors.PriorityHigh, "scan_id", scanID)
	}
	return img, nil
}

// MarkScanStep records a saga step and the error that caused it, if any
func (ds *DataStore) MarkScanStep(ctx context.Context, scanID uint, step ScanStep, lastError string) (err error) {
	defer ds.track("mark_scan_step")(&err)

	switch step {
	case StepCreated, StepImageStored, StepAnalyzing, StepReportStored, StepAnalysisFailed:
	default:
		return validationError("Unknown analysis step", "analysis_step", step)
	}

	result := ds.db(ctx).Model(&Scan{}).Where("scan_id = ?", scanID).
		Updates(map[string]any{"analysis_step": step, "last_error": lastError})
	if result.Error != nil {
		return dbError(result.Error, "mark_scan_step", errors.PriorityHigh, "scan_id", scanID)
	}
	if result.RowsAffected == 0 {
		return ds.scanExists(ctx, scanID, "mark_scan_step")
	}
	return nil
}

// ClaimScanForAnalysis moves a scan from a retryable step to "analyzing".
// A scan left "analyzing" for longer than lease is taken over as well, so a
// claim orphaned by a crashed process does not block retries; lease <= 0
// disables the takeover. It returns false when the scan exists but cannot be
// claimed, which includes a live claim held by a concurrent caller.
func (ds *DataStore) ClaimScanForAnalysis(ctx context.Context, scanID uint, lease time.Duration) (claimed bool, err error) {
	defer ds.track("claim_scan")(&err)

	now := ds.DB.NowFunc()
	q := ds.db(ctx).Model(&Scan{}).Where("scan_id = ?", scanID)
	retryable := []ScanStep{StepImageStored, StepAnalysisFailed}
	if lease > 0 {
		q = q.Where("(analysis_step IN ? OR (analysis_step = ? AND updated_at < ?))",
			retryable, StepAnalyzing, now.Add(-lease))
	} else {
		q = q.Where("analysis_step IN ?", retryable)
	}

	result := q.Updates(map[string]any{"analysis_step": StepAnalyzing, "last_error": "", "updated_at": now})
	if result.Error != nil {
		return false, dbError(result.Error, "claim_scan", errors.PriorityHigh, "scan_id", scanID)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if err := ds.scanExists(ctx, scanID, "claim_scan"); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateScanNotes replaces the free-text notes of a scan
func (ds *DataStore) UpdateScanNotes(ctx context.Context, scanID uint, notes string) (err error) {
	defer ds.track("update_scan_notes")(&err)

	// checked first: MySQL reports zero affected rows when notes are unchanged
	if err := ds.scanExists(ctx, scanID, "update_scan_notes"); err != nil {
		return err
	}
	if err := ds.db(ctx).Model(&Scan{}).Where("scan_id = ?", scanID).Update("notes", notes).Error; err != nil {
		return dbError(err, "update_scan_notes", errors.PriorityMedium, "scan_id", scanID)
	}
	return nil
}

func (ds *DataStore) scanExists(ctx context.Context, scanID uint, operation string) error {
	var count int64
	if err := ds.db(ctx).Model(&Scan{}).Where("scan_id = ?", scanID).Count(&count).Error; err != nil {
		return dbError(err, operation, errors.PriorityMedium, "scan_id", scanID)
	}
	if count == 0 {
		return notFoundError("Scan", scanID)
	}
	return nil
}

// GetScanWithDetails loads a scan with its patient, images, and reports
// including their features and annotated images
func (ds *DataStore) GetScanWithDetails(ctx context.Context, scanID uint) (scan *Scan, err error) {
	defer ds.track("get_scan_details")(&err)

	var s Scan
	err = ds.db(ctx).
		Preload("Patient").
		Preload("Images", orderBy("image_id")).
		Preload("Reports", orderBy("report_id")).
		Preload("Reports.Features", orderBy("feature_id")).
		Preload("Reports.AnnotatedImages", orderBy("annotated_image_id")).
		First(&s, scanID).Error
	if err != nil {
		return nil, lookupError(err, "Scan", "get_scan_details", scanID)
	}
	return &s, nil
}

// GetPatientScans lists a patient's scans with image and report counts, newest first
func (ds *DataStore) GetPatientScans(ctx context.Context, patientID string) (scans []ScanSummary, err error) {
	defer ds.track("get_patient_scans")(&err)

	p, err := ds.findPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFoundError("Patient", patientID)
	}

	scans = make([]ScanSummary, 0)
	err = ds.db(ctx).Table("scans AS s").
		Select(`s.scan_id, s.patient_id, s.scan_date, s.gestational_age, s.notes, s.plane_type,
			s.analysis_step, s.created_at,
			(SELECT COUNT(*) FROM images i WHERE i.scan_id = s.scan_id) AS image_count,
			(SELECT COUNT(*) FROM ai_reports r WHERE r.scan_id = s.scan_id) AS report_count`).
		Where("s.patient_id = ?", patientID).
		Order("s.scan_date DESC").Order("s.created_at DESC").Order("s.scan_id DESC").
		Scan(&scans).Error
	if err != nil {
		return nil, dbError(err, "get_patient_scans", errors.PriorityMedium, "patient_id", patientID)
	}
	return scans, nil
}
