// Package ingest runs the scan ingestion saga: validate, resolve the patient,
// create the scan, store the image, analyze it, and store the report. Each
// completed step is recorded on the scan so a failed analysis can be retried.
package ingest

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/imagestore"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// AnalysisError is returned when the inference step fails. Its message is
// the client-facing "<Anatomy> analysis failed." text.
type AnalysisError struct {
	Plane  inference.Plane
	ScanID uint
	Err    error
}

func (e *AnalysisError) Error() string { return e.Plane.FailureMessage() }

func (e *AnalysisError) Unwrap() error { return e.Err }

// Orchestrator sequences the ingestion steps over its injected collaborators.
type Orchestrator struct {
	store       datastore.Interface
	images      ImageStore
	analyzer    inference.Analyzer
	publisher   Publisher
	metrics     Metrics
	log         logger.Logger
	uploadLimit int64
	lease       time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher publishes a ReportEvent after each stored report.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMetrics records saga outcomes on m.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger replaces the default ingest module logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithUploadLimit sets the maximum image size in bytes.
func WithUploadLimit(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.uploadLimit = n
		}
	}
}

// WithAnalysisLease sets how long an "analyzing" claim is honoured before
// RetryAnalysis may take it over. Zero keeps claims forever.
func WithAnalysisLease(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.lease = d
		}
	}
}

// New creates an orchestrator.
func New(store datastore.Interface, images ImageStore, analyzer inference.Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		images:      images,
		analyzer:    analyzer,
		log:         logger.Global().Module("ingest"),
		uploadLimit: DefaultUploadLimit,
		lease:       DefaultAnalysisLease,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze runs the full saga for one upload. Cancellation of ctx, such as a
// client disconnect, does not interrupt the saga; its values are kept.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (res *Result, err error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := o.log.WithContext(ctx).With(logger.String("plane", string(req.Plane)))

	cleanup := o.cleanupOnce(log, req.Cleanup)
	defer cleanup()
	defer func() {
		o.recordAnalysis(req.Plane, err, time.Since(start))
	}()

	// 1. validate
	age, err := o.validate(&req)
	if err != nil {
		return nil, err
	}

	// 2. resolve patient
	patient, created, err := o.store.CreateOrGetPatient(ctx, datastore.PatientLookup{ID: req.PatientID, Name: req.PatientName})
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("patient created for upload", logger.String("patient_id", patient.ID))
	}

	// 3. create scan
	scan := &datastore.Scan{
		PatientID:      patient.ID,
		ScanDate:       req.ScanDate,
		GestationalAge: age,
		Notes:          req.Notes,
		PlaneType:      string(req.Plane),
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		o.stepFailed(req.Plane, "create_scan")
		return nil, err
	}
	log = log.With(logger.Uint64("scan_id", uint64(scan.ID)))

	// 4. persist image
	stored, err := o.images.Save(patient.ID, scan.ID, req.Plane.Anatomy(), req.Image.FileName, req.Image.Data)
	if err != nil {
		o.stepFailed(req.Plane, "store_image")
		log.Error("failed to store image", logger.Error(err))
		return nil, err
	}
	image, err := o.store.StoreImage(ctx, scan.ID, stored.WebPath)
	if err != nil {
		o.stepFailed(req.Plane, "store_image")
		if rerr := o.images.Remove(stored.WebPath); rerr != nil {
			log.Warn("failed to remove orphaned image", logger.String("path", stored.WebPath), logger.Error(rerr))
		}
		return nil, err
	}

	claimed, err := o.store.ClaimScanForAnalysis(ctx, scan.ID, o.lease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, conflict("Analysis already in progress for this scan", scan.ID)
	}

	// 5-7. analyze, persist report, compose
	res, err = o.analyzeStored(ctx, log, analysisTarget{
		plane:       req.Plane,
		scanID:      scan.ID,
		patientID:   patient.ID,
		patientName: patient.Name,
		image:       *image,
		contentType: req.Image.ContentType,
		age:         age,
	}, cleanup)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RetryAnalysis re-runs the analysis of a scan from its stored image. A scan
// that already has a report is returned unchanged without writes. Like
// Analyze it runs to completion once started.
func (o *Orchestrator) RetryAnalysis(ctx context.Context, scanID uint) (res *Result, err error) {
	ctx = context.WithoutCancel(ctx)
	log := o.log.WithContext(ctx).With(logger.Uint64("scan_id", uint64(scanID)))
	outcome := "error"
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordRetry(outcome)
		}
	}()

	scan, err := o.store.GetScanWithDetails(ctx, scanID)
	if err != nil {
		return nil, err
	}

	switch {
	case scan.AnalysisStep == datastore.StepReportStored:
		outcome = "already_stored"
		return o.existingResult(ctx, scan)
	case len(scan.Images) == 0,
		scan.AnalysisStep != datastore.StepAnalyzing && !scan.AnalysisStep.Retryable():
		outcome = "conflict"
		return nil, conflict("Scan has no stored image to analyze", scanID)
	}

	plane, err := inference.ParsePlane(scan.PlaneType)
	if err != nil {
		return nil, err
	}

	// an "analyzing" scan is only claimed once its lease has expired
	claimed, err := o.store.ClaimScanForAnalysis(ctx, scanID, o.lease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// lost the race: either the winner finished or it is still running
		current, gerr := o.store.GetScanWithDetails(ctx, scanID)
		if gerr == nil && current.AnalysisStep == datastore.StepReportStored {
			outcome = "already_stored"
			return o.existingResult(ctx, current)
		}
		outcome = "conflict"
		return nil, conflict("Analysis already in progress for this scan", scanID)
	}

	log.Info("retrying analysis", logger.String("previous_error", scan.LastError))

	patientName := ""
	if scan.Patient != nil {
		patientName = scan.Patient.Name
	}
	start := time.Now()
	res, err = o.analyzeStored(ctx, log, analysisTarget{
		plane:       plane,
		scanID:      scanID,
		patientID:   scan.PatientID,
		patientName: patientName,
		image:       scan.Images[0],
		contentType: mime.TypeByExtension(path.Ext(scan.Images[0].Path)),
		age:         scan.GestationalAge,
	}, func() {})
	o.recordAnalysis(plane, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	outcome = "success"
	return res, nil
}

type analysisTarget struct {
	plane       inference.Plane
	scanID      uint
	patientID   string
	patientName string
	image       datastore.Image
	contentType string
	age         int
}

// analyzeStored runs steps 5 to 7 on a claimed scan
func (o *Orchestrator) analyzeStored(ctx context.Context, log logger.Logger, t analysisTarget, cleanup func()) (*Result, error) {
	outcome, err := o.callAnalyzer(ctx, t)
	cleanup()
	if err != nil {
		o.stepFailed(t.plane, "analyze")
		o.markFailed(ctx, log, t.scanID, err)
		log.Error("analysis failed", logger.Error(err))
		return nil, errors.New(&AnalysisError{Plane: t.plane, ScanID: t.scanID, Err: err}).
			Component("ingest").
			Category(errors.CategoryInference).
			Context("scan_id", t.scanID).
			Build()
	}

	opts := datastore.StoreReportOptions{}
	annotated := ""
	if t.plane == inference.PlaneTransThalamic {
		annotated = imagestore.AnnotatedPath(t.image.Path)
		opts.AnnotatedImages = []datastore.AnnotatedImageInput{{OriginalImageID: t.image.ID, Path: annotated}}
	}

	report, err := o.store.StoreReport(ctx, t.scanID, &outcome.Report, opts)
	if err != nil {
		o.stepFailed(t.plane, "store_report")
		if !errors.IsCategory(err, errors.CategoryState) {
			o.markFailed(ctx, log, t.scanID, err)
		}
		return nil, err
	}

	res := &Result{
		NormalizedReport:   outcome.Report,
		PatientID:          t.patientID,
		PatientName:        t.patientName,
		ScanID:             t.scanID,
		ImageID:            t.image.ID,
		ReportID:           report.ID,
		ImagePath:          t.image.Path,
		AnnotatedImagePath: annotated,
	}
	o.publish(ctx, log, res, report.GeneratedAt)
	return res, nil
}

func (o *Orchestrator) callAnalyzer(ctx context.Context, t analysisTarget) (*inference.Outcome, error) {
	rc, err := o.images.Open(t.image.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			o.log.Debug("failed to close stored image", logger.Error(cerr))
		}
	}()

	return o.analyzer.Analyze(ctx, t.plane, inference.Image{
		Name:        path.Base(t.image.Path),
		ContentType: t.contentType,
		Data:        rc,
	}, t.age)
}

// markFailed records analysis_failed even when the request context is gone
func (o *Orchestrator) markFailed(ctx context.Context, log logger.Logger, scanID uint, cause error) {
	if err := o.store.MarkScanStep(context.WithoutCancel(ctx), scanID, datastore.StepAnalysisFailed, cause.Error()); err != nil {
		log.Error("failed to record analysis failure", logger.Error(err))
	}
}

// existingResult composes a result from the scan's stored report
func (o *Orchestrator) existingResult(ctx context.Context, scan *datastore.Scan) (*Result, error) {
	report, err := o.store.GetLatestReport(ctx, scan.ID)
	if err != nil {
		return nil, err
	}

	plane, _ := inference.ParsePlane(scan.PlaneType)
	nr := inference.NormalizedReport{
		Plane:            plane,
		PrimaryFindings:  report.PrimaryFindings,
		Confidence:       report.ConfidenceScore,
		ImageQuality:     report.ImageQuality,
		IsNormal:         report.IsNormal,
		Status:           inference.StatusNormal,
		NumAbnormalities: report.NumAbnormalities,
		ProcessingTime:   report.ProcessingTime,
		Details:          report.Details,
		Recommendation:   report.Recommendation,
		Measurements:     make([]inference.Measurement, 0, len(report.Features)),
	}
	if !report.IsNormal {
		nr.Status = inference.StatusAbnormal
	}
	for _, f := range report.Features {
		nr.Measurements = append(nr.Measurements, inference.Measurement{
			Name:        f.Name,
			Description: f.Description,
			Confidence:  f.ConfidenceScore,
		})
	}

	res := &Result{
		NormalizedReport: nr,
		PatientID:        scan.PatientID,
		ScanID:           scan.ID,
		ReportID:         report.ID,
		AlreadyAnalyzed:  true,
	}
	if scan.Patient != nil {
		res.PatientName = scan.Patient.Name
	}
	if len(scan.Images) > 0 {
		res.ImageID = scan.Images[0].ID
		res.ImagePath = scan.Images[0].Path
	}
	if len(report.AnnotatedImages) > 0 {
		res.AnnotatedImagePath = report.AnnotatedImages[0].Path
	}
	return res, nil
}

func (o *Orchestrator) publish(ctx context.Context, log logger.Logger, res *Result, generatedAt time.Time) {
	if o.publisher == nil {
		return
	}
	event := ReportEvent{
		ScanID:           res.ScanID,
		ReportID:         res.ReportID,
		PatientID:        res.PatientID,
		Plane:            res.Plane,
		IsNormal:         res.IsNormal,
		NumAbnormalities: res.NumAbnormalities,
		ProcessingTime:   res.ProcessingTime,
		GeneratedAt:      generatedAt,
	}
	if err := o.publisher.PublishReport(ctx, event); err != nil {
		log.Warn("failed to publish report event", logger.Error(err))
	}
}

// validate checks the request and returns the parsed gestational age
func (o *Orchestrator) validate(req *Request) (int, error) {
	if !req.Plane.Valid() {
		return 0, validation(fmt.Sprintf("Unknown plane type %q", req.Plane))
	}
	if req.Image == nil || req.Image.Data == nil {
		return 0, validation("Image file is required")
	}
	if !strings.HasPrefix(strings.ToLower(req.Image.ContentType), "image/") {
		return 0, validation("Only image files are allowed")
	}
	if req.Image.Size > o.uploadLimit {
		return 0, validation(fmt.Sprintf("Image exceeds the %d MB size limit", o.uploadLimit>>20))
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	if req.PatientID == "" && req.PatientName == "" {
		return 0, validation("Either patientId or patientName is required")
	}
	if req.PatientID != "" && !datastore.ValidPatientID(req.PatientID) {
		return 0, validation("Invalid patient ID format")
	}

	age, err := strconv.Atoi(strings.TrimSpace(req.GestationalAge))
	if err != nil || age < MinGestationalAge || age > MaxGestationalAge {
		return 0, validation("Invalid gestational age. Must be between 10 and 40 weeks.")
	}

	req.ScanDate = strings.TrimSpace(req.ScanDate)
	if req.ScanDate != "" {
		if _, err := time.Parse(datastore.ScanDateLayout, req.ScanDate); err != nil {
			return 0, validation("Scan date must be in YYYY-MM-DD format")
		}
	}
	return age, nil
}

// cleanupOnce wraps fn so it runs at most once and only logs its error
func (o *Orchestrator) cleanupOnce(log logger.Logger, fn func() error) func() {
	var once sync.Once
	return func() {
		if fn == nil {
			return
		}
		once.Do(func() {
			if err := fn(); err != nil {
				log.Warn("failed to clean up upload", logger.Error(err))
			}
		})
	}
}

func (o *Orchestrator) recordAnalysis(plane inference.Plane, err error, d time.Duration) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.IsCategory(err, errors.CategoryValidation):
		outcome = "invalid"
	case errors.IsNotFound(err):
		outcome = "not_found"
	case errors.IsCategory(err, errors.CategoryInference):
		outcome = "analysis_failed"
	default:
		outcome = "error"
	}
	o.metrics.RecordAnalysis(string(plane), outcome, d)
}

func (o *Orchestrator) stepFailed(plane inference.Plane, step string) {
	if o.metrics != nil {
		o.metrics.RecordStepFailure(string(plane), step)
	}
}

func validation(message string) error {
	return errors.Newf("%s", message).
		Component("ingest").
		Category(errors.CategoryValidation).
		Build()
}

func conflict(message string, scanID uint) error {
	return errors.Newf("%s", message).
		Component("ingest").
		Category(errors.CategoryConflict).
		Context("scan_id", scanID).
		Build()
}
