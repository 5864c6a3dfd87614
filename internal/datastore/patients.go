package datastore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const (
	maxPatientIDAttempts = 10
	defaultListLimit     = 50
	maxListLimit         = 500
)

var patientIDPattern = regexp.MustCompile(`^(P-\d{5}|\d+)$`)

// ValidPatientID reports whether id has the "P-XXXXX" or numeric form
func ValidPatientID(id string) bool {
	return patientIDPattern.MatchString(id)
}

var titleCaser = cases.Title(language.Und)

// NormalizeDisplayName collapses whitespace and title-cases names entered in
// a single case ("jane DOE" is kept, "JANE DOE" becomes "Jane Doe").
func NormalizeDisplayName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	hasLower := strings.IndexFunc(name, unicode.IsLower) >= 0
	hasUpper := strings.IndexFunc(name, unicode.IsUpper) >= 0
	if hasLower && hasUpper {
		return name
	}
	return titleCaser.String(name)
}

func generatePatientID() string {
	return fmt.Sprintf("P-%05d", rand.IntN(100000))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// CreateOrGetPatient resolves the patient for a new scan. A known ID is
// returned as is; an unknown ID is created only when a name is supplied;
// a name alone creates a patient with a generated ID.
func (ds *DataStore) CreateOrGetPatient(ctx context.Context, lookup PatientLookup) (patient *Patient, created bool, err error) {
	defer ds.track("create_or_get_patient")(&err)

	id := strings.TrimSpace(lookup.ID)
	name := NormalizeDisplayName(lookup.Name)

	switch {
	case id != "":
		if !ValidPatientID(id) {
			return nil, false, validationError("Invalid patient ID format", "patientId", id)
		}
		existing, err := ds.findPatient(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		if name == "" {
			return nil, false, notFoundError("Patient", id)
		}
		p := &Patient{ID: id, Name: name, Status: PatientActive}
		if err := ds.db(ctx).Create(p).Error; err != nil {
			if isDuplicateKey(err) {
				// created concurrently
				existing, ferr := ds.findPatient(ctx, id)
				if ferr == nil && existing != nil {
					return existing, false, nil
				}
			}
			return nil, false, dbError(err, "create_patient", errors.PriorityMedium, "patient_id", id)
		}
		ds.log.Info("patient created", logger.String("patient_id", id))
		return p, true, nil

	case name != "":
		p, err := ds.createWithGeneratedID(ctx, name)
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	}

	return nil, false, validationError("Either patientId or patientName is required", "patientId", "")
}

func (ds *DataStore) createWithGeneratedID(ctx context.Context, name string) (*Patient, error) {
	var lastErr error
	for range maxPatientIDAttempts {
		p := &Patient{ID: generatePatientID(), Name: name, Status: PatientActive}
		err := ds.db(ctx).Create(p).Error
		if err == nil {
			ds.log.Info("patient created", logger.String("patient_id", p.ID))
			return p, nil
		}
		if !isDuplicateKey(err) {
			return nil, dbError(err, "create_patient", errors.PriorityMedium)
		}
		lastErr = err
	}
	return nil, conflictError(fmt.Sprintf("could not allocate a patient ID after %d attempts: %v",
		maxPatientIDAttempts, lastErr), "create_patient")
}

// findPatient returns nil without error when the patient does not exist
func (ds *DataStore) findPatient(ctx context.Context, id string) (*Patient, error) {
	var patients []Patient
	if err := ds.db(ctx).Where("patient_id = ?", id).Limit(1).Find(&patients).Error; err != nil {
		return nil, dbError(err, "get_patient", errors.PriorityMedium, "patient_id", id)
	}
	if len(patients) == 0 {
		return nil, nil
	}
	return &patients[0], nil
}

// CreatePatient inserts a patient; an empty ID is generated and a duplicate ID is a conflict.
func (ds *DataStore) CreatePatient(ctx context.Context, patient *Patient) (err error) {
	defer ds.track("create_patient")(&err)

	patient.Name = NormalizeDisplayName(patient.Name)
	if patient.Name == "" {
		return validationError("Patient name is required", "patientName", "")
	}
	if patient.Status == "" {
		patient.Status = PatientActive
	}
	if !patient.Status.Valid() {
		return validationError("Status must be Active or Inactive", "status", patient.Status)
	}

	if patient.ID == "" {
		p, err := ds.createWithGeneratedID(ctx, patient.Name)
		if err != nil {
			return err
		}
		if p.Status != patient.Status {
			if err := ds.db(ctx).Model(p).Update("status", patient.Status).Error; err != nil {
				return dbError(err, "create_patient", errors.PriorityMedium)
			}
			p.Status = patient.Status
		}
		*patient = *p
		return nil
	}

	if !ValidPatientID(patient.ID) {
		return validationError("Invalid patient ID format", "patientId", patient.ID)
	}
	if err := ds.db(ctx).Create(patient).Error; err != nil {
		if isDuplicateKey(err) {
			return conflictError("Patient ID already exists", "create_patient")
		}
		return dbError(err, "create_patient", errors.PriorityMedium, "patient_id", patient.ID)
	}
	return nil
}

// GetPatient returns the patient with id or a "Patient not found" error
func (ds *DataStore) GetPatient(ctx context.Context, id string) (patient *Patient, err error) {
	defer ds.track("get_patient")(&err)

	var p Patient
	if err := ds.db(ctx).Where("patient_id = ?", id).First(&p).Error; err != nil {
		return nil, lookupError(err, "Patient", "get_patient", id)
	}
	return &p, nil
}

// ListPatients pages patients matching an optional search over ID and name, newest first
func (ds *DataStore) ListPatients(ctx context.Context, query PatientQuery) (patients []Patient, total int64, err error) {
	defer ds.track("list_patients")(&err)

	q := ds.db(ctx).Model(&Patient{})
	if s := strings.TrimSpace(query.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(patient_id) LIKE ? OR LOWER(patient_name) LIKE ?", like, like)
	}
	q = q.Session(&gorm.Session{})

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "list_patients", errors.PriorityMedium)
	}

	patients = make([]Patient, 0)
	if err := q.Order("created_at DESC").Order("patient_id ASC").
		Limit(clampLimit(query.Limit)).Offset(max(query.Offset, 0)).
		Find(&patients).Error; err != nil {
		return nil, 0, dbError(err, "list_patients", errors.PriorityMedium)
	}
	return patients, total, nil
}

// UpdatePatientStatus sets a patient Active or Inactive
func (ds *DataStore) UpdatePatientStatus(ctx context.Context, id string, status PatientStatus) (patient *Patient, err error) {
	defer ds.track("update_patient_status")(&err)

	if !status.Valid() {
		return nil, validationError("Status must be Active or Inactive", "status", status)
	}

	p, err := ds.findPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFoundError("Patient", id)
	}

	if err := ds.db(ctx).Model(&Patient{}).Where("patient_id = ?", id).Update("status", status).Error; err != nil {
		return nil, dbError(err, "update_patient_status", errors.PriorityMedium, "patient_id", id)
	}
	p.Status = status
	return p, nil
}
