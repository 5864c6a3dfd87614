// model.go defines the relational data model for patients, scans and reports
package datastore

import "time"

// PatientStatus is the lifecycle state of a patient record
type PatientStatus string

const (
	PatientActive   PatientStatus = "Active"
	PatientInactive PatientStatus = "Inactive"
)

// Valid reports whether the status is one of the known values
func (s PatientStatus) Valid() bool {
	return s == PatientActive || s == PatientInactive
}

// ScanStep records how far the ingestion of a scan has progressed.
// The ingestion is a saga: each completed step is written to the scan row so a
// failed analysis can be retried without re-uploading the image.
type ScanStep string

const (
	StepCreated        ScanStep = "created"
	StepImageStored    ScanStep = "image_stored"
	StepAnalyzing      ScanStep = "analyzing"
	StepReportStored   ScanStep = "report_stored"
	StepAnalysisFailed ScanStep = "analysis_failed"
)

// Retryable reports whether an analysis may be (re)started from this step
func (s ScanStep) Retryable() bool {
	return s == StepImageStored || s == StepAnalysisFailed
}

// Patient is identified by a "P-XXXXX" or numeric string
type Patient struct {
	ID        string        `gorm:"primaryKey;column:patient_id;size:32" json:"patient_id"`
	Name      string        `gorm:"column:patient_name;size:255;index" json:"patient_name"`
	Status    PatientStatus `gorm:"size:16;not null;default:Active" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Scan belongs to exactly one patient and owns its images and reports
type Scan struct {
	ID             uint      `gorm:"primaryKey;column:scan_id" json:"scan_id"`
	PatientID      string    `gorm:"column:patient_id;size:32;not null;index" json:"patient_id"`
	Patient        *Patient  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"patient,omitempty"`
	ScanDate       string    `gorm:"column:scan_date;size:10;not null;index" json:"scan_date"` // YYYY-MM-DD
	GestationalAge int       `gorm:"column:gestational_age;not null" json:"gestational_age"`
	Notes          string    `gorm:"type:text" json:"notes"`
	PlaneType      string    `gorm:"column:plane_type;size:32" json:"plane_type"`
	AnalysisStep   ScanStep  `gorm:"column:analysis_step;size:32;not null;default:created;index" json:"analysis_step"`
	LastError      string    `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Images         []Image   `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"images,omitempty"`
	Reports        []Report  `gorm:"foreignKey:ScanID;constraint:OnDelete:CASCADE" json:"reports,omitempty"`
}

// Image stores the path of an uploaded file, never its bytes
type Image struct {
	ID         uint      `gorm:"primaryKey;column:image_id" json:"image_id"`
	ScanID     uint      `gorm:"column:scan_id;not null;index" json:"scan_id"`
	Path       string    `gorm:"column:image_path;size:512;not null" json:"image_path"`
	UploadedAt time.Time `gorm:"column:upload_date;autoCreateTime" json:"upload_date"`
}

// Report is the persisted outcome of one inference call
type Report struct {
	ID               uint             `gorm:"primaryKey;column:report_id" json:"report_id"`
	ScanID           uint             `gorm:"column:scan_id;not null;index" json:"scan_id"`
	PrimaryFindings  string           `gorm:"column:primary_findings;type:text" json:"primary_findings"`
	ConfidenceScore  float64          `gorm:"column:confidence_score" json:"confidence_score"`
	ImageQuality     string           `gorm:"column:image_quality;size:64" json:"image_quality"`
	IsNormal         bool             `gorm:"column:is_normal" json:"is_normal"`
	NumAbnormalities int              `gorm:"column:num_abnormalities_detected" json:"num_abnormalities_detected"`
	ProcessingTime   float64          `gorm:"column:processing_time" json:"processing_time"` // seconds
	Details          string           `gorm:"type:text" json:"details,omitempty"`
	Recommendation   string           `gorm:"type:text" json:"recommendation,omitempty"`
	GeneratedAt      time.Time        `gorm:"column:report_generated_date;autoCreateTime" json:"report_generated_date"`
	Features         []Feature        `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE" json:"features"`
	AnnotatedImages  []AnnotatedImage `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE" json:"annotated_images"`
}

// TableName keeps the historical table name
func (Report) TableName() string { return "ai_reports" }

// Feature is a per-measurement finding attached to a report
type Feature struct {
	ID              uint    `gorm:"primaryKey;column:feature_id" json:"feature_id"`
	ReportID        uint    `gorm:"column:report_id;not null;index" json:"report_id"`
	Name            string  `gorm:"column:feature_name;size:32;not null" json:"feature_name"`
	Description     string  `gorm:"column:feature_description;type:text" json:"feature_description"`
	ConfidenceScore float64 `gorm:"column:confidence_score" json:"confidence_score"`
}

// TableName keeps the historical table name
func (Feature) TableName() string { return "detected_features" }

// AnnotatedImage links a report to a derived visualization of one of the scan's images
type AnnotatedImage struct {
	ID              uint   `gorm:"primaryKey;column:annotated_image_id" json:"annotated_image_id"`
	ReportID        uint   `gorm:"column:report_id;not null;index" json:"report_id"`
	OriginalImageID uint   `gorm:"column:original_image_id;not null;index" json:"original_image_id"`
	OriginalImage   *Image `gorm:"foreignKey:OriginalImageID;references:ID" json:"-"`
	Path            string `gorm:"column:annotation_path;size:512" json:"annotation_path"`
}

// User is an account for the web interface
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"` // bcrypt hash
	CreatedAt time.Time `json:"created_at"`
}

// PasswordResetToken is a single-use token mailed to a user
type PasswordResetToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null;index"`
	User      *User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Token     string    `gorm:"size:64;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	UsedAt    *time.Time
	CreatedAt time.Time
}

// ScanSummary is a scan row with aggregate counts, used by patient views
type ScanSummary struct {
	ScanID         uint      `gorm:"column:scan_id" json:"scan_id"`
	PatientID      string    `gorm:"column:patient_id" json:"patient_id"`
	ScanDate       string    `gorm:"column:scan_date" json:"scan_date"`
	GestationalAge int       `gorm:"column:gestational_age" json:"gestational_age"`
	Notes          string    `gorm:"column:notes" json:"notes"`
	PlaneType      string    `gorm:"column:plane_type" json:"plane_type"`
	AnalysisStep   ScanStep  `gorm:"column:analysis_step" json:"analysis_step"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	ImageCount     int64     `gorm:"column:image_count" json:"image_count"`
	ReportCount    int64     `gorm:"column:report_count" json:"report_count"`
}

// HistoryEntry is one row of the scan history listing; report and image
// columns are nil when the scan has none yet.
type HistoryEntry struct {
	ScanID           uint     `gorm:"column:scan_id"`
	PatientID        string   `gorm:"column:patient_id"`
	PatientName      *string  `gorm:"column:patient_name"`
	ScanDate         string   `gorm:"column:scan_date"`
	GestationalAge   int      `gorm:"column:gestational_age"`
	AnalysisStep     ScanStep `gorm:"column:analysis_step"`
	ReportID         *uint    `gorm:"column:report_id"`
	NumAbnormalities *int     `gorm:"column:num_abnormalities_detected"`
	ConfidenceScore  *float64 `gorm:"column:confidence_score"`
	ImageQuality     *string  `gorm:"column:image_quality"`
	ProcessingTime   *float64 `gorm:"column:processing_time"`
	IsNormal         *bool    `gorm:"column:is_normal"`
	ImagePath        *string  `gorm:"column:image_path"`
}

// PatientLookup identifies the patient for a new scan by ID, name, or both
type PatientLookup struct {
	ID   string
	Name string
}

// PatientQuery filters and pages the patient list
type PatientQuery struct {
	Search string
	Limit  int
	Offset int
}

// HistoryQuery filters and pages the scan history
type HistoryQuery struct {
	Search string // matched against patient ID and patient name
	Limit  int
	Offset int
}

// AnnotatedImageInput describes an annotated image stored with a report
type AnnotatedImageInput struct {
	OriginalImageID uint
	Path            string
}

// StoreReportOptions carries the optional rows written with a report
type StoreReportOptions struct {
	AnnotatedImages []AnnotatedImageInput
}
