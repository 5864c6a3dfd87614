package ingest

import (
	"context"
	"io"
	"time"

	"github.com/fetalscan/fetalscan/internal/imagestore"
	"github.com/fetalscan/fetalscan/internal/inference"
)

const (
	MinGestationalAge = 10
	MaxGestationalAge = 40
	// DefaultUploadLimit is the maximum accepted image size
	DefaultUploadLimit = 10 << 20
	// DefaultAnalysisLease bounds how long an orphaned "analyzing" claim blocks retries
	DefaultAnalysisLease = 10 * time.Minute
)

// Upload is the image part of an analysis request.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Data        io.Reader
}

// Request is one analysis submission. GestationalAge is the raw form value.
type Request struct {
	Plane          inference.Plane
	PatientID      string
	PatientName    string
	GestationalAge string
	ScanDate       string // YYYY-MM-DD, defaults to today
	Notes          string
	Image          *Upload

	// Cleanup releases the temporary upload; it runs once after the analysis
	// step, or on early return. Errors are logged only.
	Cleanup func() error
}

// Result is the composed response of a successful analysis.
type Result struct {
	inference.NormalizedReport
	PatientID          string `json:"patientId"`
	PatientName        string `json:"patientName,omitempty"`
	ScanID             uint   `json:"scanId"`
	ImageID            uint   `json:"imageId,omitempty"`
	ReportID           uint   `json:"reportId"`
	ImagePath          string `json:"imagePath"`
	AnnotatedImagePath string `json:"annotatedImagePath,omitempty"`
	AlreadyAnalyzed    bool   `json:"alreadyAnalyzed,omitempty"`
}

// ReportEvent is published after a report is stored.
type ReportEvent struct {
	ScanID           uint            `json:"scan_id"`
	ReportID         uint            `json:"report_id"`
	PatientID        string          `json:"patient_id"`
	Plane            inference.Plane `json:"plane_type"`
	IsNormal         bool            `json:"is_normal"`
	NumAbnormalities int             `json:"num_abnormalities_detected"`
	ProcessingTime   float64         `json:"processing_time"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// Publisher delivers report events to an external broker.
type Publisher interface {
	PublishReport(ctx context.Context, event ReportEvent) error
}

// Metrics receives saga outcomes.
type Metrics interface {
	RecordAnalysis(plane, outcome string, duration time.Duration)
	RecordStepFailure(plane, step string)
	RecordRetry(outcome string)
}

// ImageStore is the subset of imagestore.Store used by the saga.
type ImageStore interface {
	Save(patientID string, scanID uint, anatomy, originalName string, data io.Reader) (*imagestore.StoredImage, error)
	Open(webPath string) (io.ReadCloser, error)
	Remove(webPath string) error
}

var _ ImageStore = (*imagestore.Store)(nil)
