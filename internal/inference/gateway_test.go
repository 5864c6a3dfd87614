package inference

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/httpclient"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const (
	brainURL       = "http://brain.test/api/analyze-brain"
	cerebellumURL  = "http://cerebellum.test/analyze-cerebellum"
	ventricularURL = "http://ventricular.test/analyze-ventricles"
)

type recordedCall struct {
	plane, status string
}

type recordingMetrics struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (m *recordingMetrics) RecordInference(plane, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{plane, status})
}

func newTestGateway(t *testing.T) (*Gateway, *httpmock.MockTransport, *recordingMetrics) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	client := httpclient.New(&httpclient.Config{Transport: mock})
	t.Cleanup(client.Close)

	metrics := &recordingMetrics{}
	g, err := New(conf.InferenceSettings{
		BrainURL:       brainURL,
		CerebellumURL:  cerebellumURL,
		VentricularURL: ventricularURL,
	}, client,
		WithMetrics(metrics),
		WithLogger(logger.NewSlogLogger(nil, logger.LogLevelError, nil)))
	require.NoError(t, err)
	return g, mock, metrics
}

func testImage() Image {
	return Image{Name: "scan.jpg", ContentType: "image/jpeg", Data: strings.NewReader("jpeg")}
}

func TestAnalyzeBrainScenario(t *testing.T) {
	g, mock, metrics := newTestGateway(t)

	mock.RegisterResponder(http.MethodPost, brainURL, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseMultipartForm(1<<20))
		assert.Equal(t, "28", req.FormValue("gestationalAge"))
		_, header, err := req.FormFile("image")
		require.NoError(t, err)
		assert.Equal(t, "scan.jpg", header.Filename)
		return httpmock.NewStringResponse(http.StatusOK,
			`{"bpd_mm": 70, "bpd_status": "normal", "hc_mm": 260, "hc_status": "abnormal", "summary": "HC abnormal"}`), nil
	})

	outcome, err := g.Analyze(t.Context(), PlaneTransThalamic, testImage(), 28)
	require.NoError(t, err)

	report := outcome.Report
	assert.False(t, report.IsNormal)
	assert.Equal(t, 1, report.NumAbnormalities)
	assert.Equal(t, StatusAbnormal, report.Status)
	assert.Equal(t, "HC abnormal", report.PrimaryFindings)
	assert.InDelta(t, DefaultConfidence, report.Confidence, 0.001)
	assert.Equal(t, DefaultImageQuality, report.ImageQuality)
	assert.GreaterOrEqual(t, report.ProcessingTime, 0.0)

	require.Len(t, report.Measurements, 2)
	assert.Equal(t, "BPD", report.Measurements[0].Name)
	assert.Equal(t, "BPD measurement: 70mm - normal", report.Measurements[0].Description)
	assert.Equal(t, "HC", report.Measurements[1].Name)
	assert.Equal(t, "HC measurement: 260mm - abnormal", report.Measurements[1].Description)

	_, isBrain := outcome.Result.(*BrainResult)
	assert.True(t, isBrain)
	assert.Equal(t, []recordedCall{{"trans-thalamic", "200"}}, metrics.calls)
}

func TestAnalyzeCerebellumAbnormalAssessment(t *testing.T) {
	g, mock, _ := newTestGateway(t)
	mock.RegisterResponder(http.MethodPost, cerebellumURL, httpmock.NewStringResponder(http.StatusOK,
		`{"assessment": "Cerebellum appears abnormal", "tcd_mm": 21.5, "details": "TCD was 21.5mm", "recommendation": "Follow up"}`))

	outcome, err := g.Analyze(t.Context(), PlaneTransCerebellum, testImage(), 22)
	require.NoError(t, err)

	report := outcome.Report
	assert.Equal(t, StatusAbnormal, report.Status)
	assert.False(t, report.IsNormal)
	assert.Equal(t, 1, report.NumAbnormalities)
	assert.Equal(t, "Follow up", report.Recommendation)
	require.Len(t, report.Measurements, 1)
	assert.Equal(t, "TCD", report.Measurements[0].Name)
	assert.Contains(t, report.Measurements[0].Description, "21.5")
	assert.Equal(t, "TCD measurement: 21.5mm - Cerebellum appears abnormal", report.Measurements[0].Description)
}

func TestAnalyzeVentricularNormal(t *testing.T) {
	g, mock, _ := newTestGateway(t)
	mock.RegisterResponder(http.MethodPost, ventricularURL, httpmock.NewStringResponder(http.StatusOK,
		`{"lvw_mm": 7.2, "gestational_age_weeks": 24, "status": "normal", "summary": "Normal LVW", "confidence_score": 88, "image_quality": "Fair"}`))

	outcome, err := g.Analyze(t.Context(), PlaneTransVentricular, testImage(), 24)
	require.NoError(t, err)

	report := outcome.Report
	assert.True(t, report.IsNormal)
	assert.Equal(t, 0, report.NumAbnormalities)
	assert.InDelta(t, 88.0, report.Confidence, 0.001)
	assert.Equal(t, "Fair", report.ImageQuality)
	assert.Equal(t, "LVW measurement: 7.2mm - normal", report.Measurements[0].Description)
}

func TestAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name        string
		responder   httpmock.Responder
		wantMetric  string
		isMalformed bool
	}{
		{
			name:       "non-2xx status",
			responder:  httpmock.NewStringResponder(http.StatusInternalServerError, `{"error": "Could not analyze image"}`),
			wantMetric: "500",
		},
		{
			name:        "error key on 200",
			responder:   httpmock.NewStringResponder(http.StatusOK, `{"error": "Invalid image"}`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:        "missing measurement",
			responder:   httpmock.NewStringResponder(http.StatusOK, `{"bpd_mm": 70, "summary": "partial"}`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:        "string measurement",
			responder:   httpmock.NewStringResponder(http.StatusOK, `{"bpd_mm": "70", "hc_mm": 260}`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:        "negative measurement",
			responder:   httpmock.NewStringResponder(http.StatusOK, `{"bpd_mm": -1, "hc_mm": 260}`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:        "unknown status",
			responder:   httpmock.NewStringResponder(http.StatusOK, `{"bpd_mm": 70, "hc_mm": 260, "bpd_status": "borderline"}`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:        "not json",
			responder:   httpmock.NewStringResponder(http.StatusOK, `<html>oops</html>`),
			wantMetric:  "malformed",
			isMalformed: true,
		},
		{
			name:       "network error",
			responder:  httpmock.NewErrorResponder(errors.NewStd("connection refused")),
			wantMetric: "network_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mock, metrics := newTestGateway(t)
			mock.RegisterResponder(http.MethodPost, brainURL, tt.responder)

			outcome, err := g.Analyze(t.Context(), PlaneTransThalamic, testImage(), 28)
			require.Error(t, err)
			assert.Nil(t, outcome)
			require.ErrorIs(t, err, ErrAnalysisFailed)
			assert.Equal(t, tt.isMalformed, errors.Is(err, ErrMalformedResponse))
			assert.True(t, errors.IsCategory(err, errors.CategoryInference))
			require.Len(t, metrics.calls, 1)
			assert.Equal(t, tt.wantMetric, metrics.calls[0].status)
		})
	}
}

func TestNewRequiresAllEndpoints(t *testing.T) {
	t.Parallel()

	_, err := New(conf.InferenceSettings{BrainURL: brainURL}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
