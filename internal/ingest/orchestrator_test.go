package ingest

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/httpclient"
	"github.com/fetalscan/fetalscan/internal/imagestore"
	"github.com/fetalscan/fetalscan/internal/inference"
	"github.com/fetalscan/fetalscan/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const (
	brainURL       = "http://brain.test/api/analyze-brain"
	cerebellumURL  = "http://cerebellum.test/analyze-cerebellum"
	ventricularURL = "http://ventricular.test/analyze-ventricles"

	normalBrain = `{"bpd_mm": 70, "bpd_status": "normal", "hc_mm": 260, "hc_status": "normal", "summary": "Normal brain development"}`
)

type fakeMetrics struct {
	mu       sync.Mutex
	analyses []string
	steps    []string
	retries  []string
}

func (m *fakeMetrics) RecordAnalysis(plane, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses = append(m.analyses, plane+":"+outcome)
}

func (m *fakeMetrics) RecordStepFailure(plane, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, plane+":"+step)
}

func (m *fakeMetrics) RecordRetry(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, outcome)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []ReportEvent
}

func (p *fakePublisher) PublishReport(_ context.Context, event ReportEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type harness struct {
	orch      *Orchestrator
	store     datastore.Interface
	fs        afero.Fs
	mock      *httpmock.MockTransport
	metrics   *fakeMetrics
	publisher *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)

	settings := &conf.Settings{}
	settings.Datastore.Type = "sqlite"
	settings.Datastore.SQLite.Path = filepath.Join(t.TempDir(), "ingest_test.db")
	store, err := datastore.New(settings, log)
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	memFs := afero.NewMemMapFs()
	images, err := imagestore.New(memFs, "/data", log)
	require.NoError(t, err)

	mock := httpmock.NewMockTransport()
	client := httpclient.New(&httpclient.Config{Transport: mock})
	t.Cleanup(client.Close)
	gateway, err := inference.New(conf.InferenceSettings{
		BrainURL:       brainURL,
		CerebellumURL:  cerebellumURL,
		VentricularURL: ventricularURL,
	}, client, inference.WithLogger(log))
	require.NoError(t, err)

	h := &harness{store: store, fs: memFs, mock: mock, metrics: &fakeMetrics{}, publisher: &fakePublisher{}}
	h.orch = New(store, images, gateway,
		WithLogger(log),
		WithMetrics(h.metrics),
		WithPublisher(h.publisher),
		WithUploadLimit(1<<20))
	return h
}

// countFiles returns the number of regular files under the image root
func (h *harness) countFiles(t *testing.T) int {
	t.Helper()
	n := 0
	err := afero.Walk(h.fs, "/data", func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

type cleanupCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *cleanupCounter) fn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func validRequest(plane inference.Plane) (Request, *cleanupCounter) {
	counter := &cleanupCounter{}
	return Request{
		Plane:          plane,
		PatientName:    "jane doe",
		GestationalAge: "24",
		Image: &Upload{
			FileName:    "scan.jpg",
			ContentType: "image/jpeg",
			Size:        4,
			Data:        strings.NewReader("jpeg"),
		},
		Cleanup: counter.fn,
	}, counter
}

func TestAnalyzeRejectsInvalidInputWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		msg    string
	}{
		{"missing image", func(r *Request) { r.Image = nil }, "Image file is required"},
		{"not an image", func(r *Request) { r.Image.ContentType = "application/pdf" }, "Only image files are allowed"},
		{"too large", func(r *Request) { r.Image.Size = 2 << 20 }, "size limit"},
		{"no patient", func(r *Request) { r.PatientName = "  " }, "Either patientId or patientName is required"},
		{"bad patient id", func(r *Request) { r.PatientID = "X-1" }, "Invalid patient ID format"},
		{"age too low", func(r *Request) { r.GestationalAge = "9" }, "Must be between 10 and 40 weeks"},
		{"age too high", func(r *Request) { r.GestationalAge = "41" }, "Must be between 10 and 40 weeks"},
		{"age not a number", func(r *Request) { r.GestationalAge = "abc" }, "Must be between 10 and 40 weeks"},
		{"bad scan date", func(r *Request) { r.ScanDate = "24/01/2025" }, "YYYY-MM-DD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req, cleanup := validRequest(inference.PlaneTransThalamic)
			tt.mutate(&req)

			res, err := h.orch.Analyze(t.Context(), req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)

			_, total, err := h.store.ListPatients(t.Context(), datastore.PatientQuery{})
			require.NoError(t, err)
			assert.Zero(t, total, "no patient may be created")
			assert.Zero(t, h.countFiles(t), "no file may be written")
			assert.Zero(t, h.mock.GetTotalCallCount(), "inference must not be called")
			assert.Equal(t, 1, cleanup.calls)
		})
	}
}

func TestAnalyzeUnknownPatientWithoutName(t *testing.T) {
	h := newHarness(t)
	req, _ := validRequest(inference.PlaneTransThalamic)
	req.PatientID = "P-00042"
	req.PatientName = ""

	_, err := h.orch.Analyze(t.Context(), req)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, "Patient not found", err.Error())
	assert.Zero(t, h.countFiles(t))
}

func TestAnalyzeBrainScenario(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, brainURL, httpmock.NewStringResponder(http.StatusOK, normalBrain))

	req, cleanup := validRequest(inference.PlaneTransThalamic)
	req.ScanDate = "2025-01-24"
	req.Notes = "routine"

	res, err := h.orch.Analyze(t.Context(), req)
	require.NoError(t, err)

	assert.True(t, datastore.ValidPatientID(res.PatientID))
	assert.Equal(t, "Jane Doe", res.PatientName)
	assert.True(t, res.IsNormal)
	assert.Equal(t, inference.StatusNormal, res.Status)
	assert.Equal(t, "Normal brain development", res.PrimaryFindings)
	assert.InDelta(t, 95.0, res.Confidence, 0.001)
	assert.Len(t, res.Measurements, 2)
	assert.NotZero(t, res.ReportID)
	assert.True(t, strings.HasPrefix(res.ImagePath, imagestore.WebPrefix+"/scans/"))
	assert.Equal(t, imagestore.AnnotatedPath(res.ImagePath), res.AnnotatedImagePath)
	assert.False(t, res.AlreadyAnalyzed)
	assert.Equal(t, 1, cleanup.calls)
	assert.Equal(t, 1, h.countFiles(t))

	scan, err := h.store.GetScanWithDetails(t.Context(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StepReportStored, scan.AnalysisStep)
	assert.Equal(t, "2025-01-24", scan.ScanDate)
	assert.Equal(t, 24, scan.GestationalAge)
	assert.Equal(t, "routine", scan.Notes)
	require.Len(t, scan.Images, 1)
	require.Len(t, scan.Reports, 1)
	require.Len(t, scan.Reports[0].AnnotatedImages, 1)
	assert.Equal(t, scan.Images[0].ID, scan.Reports[0].AnnotatedImages[0].OriginalImageID)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, res.ReportID, h.publisher.events[0].ReportID)
	assert.Equal(t, []string{"trans-thalamic:success"}, h.metrics.analyses)
}

func TestAnalyzeStoresAbnormalHCReport(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, brainURL, httpmock.NewStringResponder(http.StatusOK,
		`{"bpd_mm": 70, "bpd_status": "normal", "hc_mm": 260, "hc_status": "abnormal", "summary": "HC abnormal"}`))

	req, _ := validRequest(inference.PlaneTransThalamic)
	req.PatientID = "P-10001"
	req.GestationalAge = "28"

	res, err := h.orch.Analyze(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "P-10001", res.PatientID)

	scan, err := h.store.GetScanWithDetails(t.Context(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, "P-10001", scan.PatientID)
	assert.Equal(t, 28, scan.GestationalAge)
	require.Len(t, scan.Reports, 1)

	report := scan.Reports[0]
	assert.False(t, report.IsNormal)
	assert.Equal(t, 1, report.NumAbnormalities)
	assert.Equal(t, "HC abnormal", report.PrimaryFindings)
	require.Len(t, report.Features, 2)
	assert.Equal(t, "BPD", report.Features[0].Name)
	assert.Equal(t, "HC", report.Features[1].Name)
	assert.Equal(t, "HC measurement: 260mm - abnormal", report.Features[1].Description)
}

func TestAnalyzeCompletesAfterClientDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	h.mock.RegisterResponder(http.MethodPost, brainURL, func(req *http.Request) (*http.Response, error) {
		cancel()
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(20 * time.Millisecond):
		}
		return httpmock.NewStringResponse(http.StatusOK, normalBrain), nil
	})

	req, _ := validRequest(inference.PlaneTransThalamic)
	res, err := h.orch.Analyze(ctx, req)
	require.NoError(t, err)
	require.Error(t, ctx.Err(), "the caller went away during inference")

	scan, err := h.store.GetScanWithDetails(t.Context(), res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StepReportStored, scan.AnalysisStep)
	assert.Len(t, scan.Reports, 1)
}

func TestRetryAnalysisTakesOverExpiredClaim(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, brainURL, httpmock.NewStringResponder(http.StatusOK, normalBrain))
	h.orch.lease = time.Nanosecond

	_, _, err := h.store.CreateOrGetPatient(t.Context(), datastore.PatientLookup{ID: "P-00002", Name: "B"})
	require.NoError(t, err)
	scan := &datastore.Scan{PatientID: "P-00002", GestationalAge: 22, PlaneType: string(inference.PlaneTransThalamic)}
	require.NoError(t, h.store.CreateScan(t.Context(), scan))
	require.NoError(t, afero.WriteFile(h.fs, "/data/scans/orphan.jpg", []byte("jpeg"), 0o644))
	_, err = h.store.StoreImage(t.Context(), scan.ID, imagestore.WebPrefix+"/scans/orphan.jpg")
	require.NoError(t, err)

	// a claim whose owner never finished
	claimed, err := h.store.ClaimScanForAnalysis(t.Context(), scan.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	time.Sleep(5 * time.Millisecond)

	res, err := h.orch.RetryAnalysis(t.Context(), scan.ID)
	require.NoError(t, err)
	assert.NotZero(t, res.ReportID)

	got, err := h.store.GetScan(t.Context(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StepReportStored, got.AnalysisStep)
}

func TestAnalyzeReusesExistingPatient(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, ventricularURL,
		httpmock.NewStringResponder(http.StatusOK, `{"lvw_mm": 7.5, "status": "normal"}`))

	req, _ := validRequest(inference.PlaneTransVentricular)
	req.PatientID = "12345"
	first, err := h.orch.Analyze(t.Context(), req)
	require.NoError(t, err)
	assert.Empty(t, first.AnnotatedImagePath, "only brain scans get an annotated image")

	req, _ = validRequest(inference.PlaneTransVentricular)
	req.PatientID = "12345"
	req.PatientName = ""
	second, err := h.orch.Analyze(t.Context(), req)
	require.NoError(t, err)

	assert.Equal(t, "12345", second.PatientID)
	assert.NotEqual(t, first.ScanID, second.ScanID)

	scans, err := h.store.GetPatientScans(t.Context(), "12345")
	require.NoError(t, err)
	assert.Len(t, scans, 2)
}

func TestAnalyzeFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, cerebellumURL,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "model loading"))

	req, cleanup := validRequest(inference.PlaneTransCerebellum)
	_, err := h.orch.Analyze(t.Context(), req)
	require.Error(t, err)
	assert.Equal(t, "Cerebellum analysis failed.", err.Error())
	assert.True(t, errors.IsCategory(err, errors.CategoryInference))
	assert.Equal(t, 1, cleanup.calls)

	var analysisErr *AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.ErrorIs(t, err, inference.ErrAnalysisFailed)

	scan, err := h.store.GetScanWithDetails(t.Context(), analysisErr.ScanID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StepAnalysisFailed, scan.AnalysisStep)
	assert.NotEmpty(t, scan.LastError)
	assert.Empty(t, scan.Reports)
	assert.Equal(t, 1, h.countFiles(t), "the stored image is kept for retry")
	assert.Contains(t, h.metrics.steps, "trans-cerebellum:analyze")

	h.mock.RegisterResponder(http.MethodPost, cerebellumURL,
		httpmock.NewStringResponder(http.StatusOK, `{"tcd_mm": 24, "assessment": "Abnormal vermis", "status": "normal"}`))

	res, err := h.orch.RetryAnalysis(t.Context(), analysisErr.ScanID)
	require.NoError(t, err)
	assert.False(t, res.IsNormal)
	assert.Equal(t, 1, res.NumAbnormalities)
	assert.Equal(t, scan.Images[0].Path, res.ImagePath)

	scan, err = h.store.GetScan(t.Context(), analysisErr.ScanID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StepReportStored, scan.AnalysisStep)
	assert.Empty(t, scan.LastError)
	assert.Equal(t, []string{"success"}, h.metrics.retries)
}

func TestRetryAnalysisIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.mock.RegisterResponder(http.MethodPost, brainURL, httpmock.NewStringResponder(http.StatusOK, normalBrain))

	req, _ := validRequest(inference.PlaneTransThalamic)
	res, err := h.orch.Analyze(t.Context(), req)
	require.NoError(t, err)
	calls := h.mock.GetTotalCallCount()

	again, err := h.orch.RetryAnalysis(t.Context(), res.ScanID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyAnalyzed)
	assert.Equal(t, res.ReportID, again.ReportID)
	assert.Equal(t, res.PrimaryFindings, again.PrimaryFindings)
	assert.Equal(t, res.AnnotatedImagePath, again.AnnotatedImagePath)
	assert.Equal(t, calls, h.mock.GetTotalCallCount(), "no inference call on a finished scan")

	scan, err := h.store.GetScanWithDetails(t.Context(), res.ScanID)
	require.NoError(t, err)
	assert.Len(t, scan.Reports, 1)
	assert.Equal(t, []string{"already_stored"}, h.metrics.retries)
}

func TestRetryAnalysisErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.RetryAnalysis(t.Context(), 999)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, _, err = h.store.CreateOrGetPatient(t.Context(), datastore.PatientLookup{ID: "P-00001", Name: "A"})
	require.NoError(t, err)
	scan := &datastore.Scan{PatientID: "P-00001", GestationalAge: 20, PlaneType: string(inference.PlaneTransThalamic)}
	require.NoError(t, h.store.CreateScan(t.Context(), scan))

	_, err = h.orch.RetryAnalysis(t.Context(), scan.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.Equal(t, "Scan has no stored image to analyze", err.Error())

	_, err = h.store.StoreImage(t.Context(), scan.ID, "/storage/scans/missing.jpg")
	require.NoError(t, err)
	claimed, err := h.store.ClaimScanForAnalysis(t.Context(), scan.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.orch.RetryAnalysis(t.Context(), scan.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.Zero(t, h.mock.GetTotalCallCount())
}
