package datastore

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
)

const historySelect = `s.scan_id, s.patient_id, p.patient_name, s.scan_date, s.gestational_age, s.analysis_step,
	r.report_id, r.num_abnormalities_detected, r.confidence_score, r.image_quality, r.processing_time, r.is_normal,
	i.image_path`

// ListHistory pages scans joined with their patient, latest report and first
// image. Search matches patient ID or name case-insensitively.
func (ds *DataStore) ListHistory(ctx context.Context, query HistoryQuery) (entries []HistoryEntry, total int64, err error) {
	defer ds.track("list_history")(&err)

	base := ds.db(ctx).Table("scans AS s").
		Joins("LEFT JOIN patients p ON p.patient_id = s.patient_id")
	if s := strings.TrimSpace(query.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		base = base.Where("LOWER(s.patient_id) LIKE ? OR LOWER(p.patient_name) LIKE ?", like, like)
	}
	base = base.Session(&gorm.Session{})

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "list_history", errors.PriorityMedium)
	}

	entries = make([]HistoryEntry, 0)
	err = base.
		Joins("LEFT JOIN ai_reports r ON r.report_id = (SELECT MAX(r2.report_id) FROM ai_reports r2 WHERE r2.scan_id = s.scan_id)").
		Joins("LEFT JOIN images i ON i.image_id = (SELECT MIN(i2.image_id) FROM images i2 WHERE i2.scan_id = s.scan_id)").
		Select(historySelect).
		Order("s.scan_date DESC").Order("s.created_at DESC").Order("s.scan_id DESC").
		Limit(clampLimit(query.Limit)).Offset(max(query.Offset, 0)).
		Scan(&entries).Error
	if err != nil {
		return nil, 0, dbError(err, "list_history", errors.PriorityMedium)
	}
	return entries, total, nil
}
