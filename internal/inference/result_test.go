package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestBrainNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		bpd, hc      string
		wantNormal   bool
		wantAbnormal int
	}{
		{"both normal", "normal", "normal", true, 0},
		{"bpd abnormal", "abnormal", "normal", false, 1},
		{"both abnormal", "ABNORMAL", "Abnormal", false, 2},
		{"statuses absent", "", "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &BrainResult{BPDMM: ptr(70), HCMM: ptr(260), BPDStatus: tt.bpd, HCStatus: tt.hc}
			report := r.Normalize()
			assert.Equal(t, tt.wantNormal, report.IsNormal)
			assert.Equal(t, tt.wantAbnormal, report.NumAbnormalities)
			assert.Equal(t, PlaneTransThalamic, report.Plane)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	report := (&VentricularResult{LVWMM: ptr(8)}).Normalize()
	assert.Equal(t, DefaultPrimaryFindings, report.PrimaryFindings)
	assert.InDelta(t, DefaultConfidence, report.Confidence, 0.001)
	assert.Equal(t, DefaultImageQuality, report.ImageQuality)
	require.Len(t, report.Measurements, 1)
	assert.Equal(t, "LVW measurement: 8mm - analyzed", report.Measurements[0].Description)
	assert.InDelta(t, FeatureConfidence, report.Measurements[0].Confidence, 0.001)
}

func TestCerebellumNormalize(t *testing.T) {
	t.Parallel()

	t.Run("status abnormal without assessment", func(t *testing.T) {
		t.Parallel()
		report := (&CerebellumResult{TCDMM: ptr(18), Status: "abnormal"}).Normalize()
		assert.False(t, report.IsNormal)
		assert.Equal(t, "TCD measurement: 18mm - analyzed", report.Measurements[0].Description)
	})

	t.Run("assessment used as findings fallback", func(t *testing.T) {
		t.Parallel()
		report := (&CerebellumResult{TCDMM: ptr(22), Assessment: "TCD normal"}).Normalize()
		assert.True(t, report.IsNormal)
		assert.Equal(t, "TCD normal", report.PrimaryFindings)
	})
}

func TestBrainDetailsJoined(t *testing.T) {
	t.Parallel()

	r := &BrainResult{BPDMM: ptr(70), HCMM: ptr(260), BPDDetail: "BPD within range.", HCDetail: "HC within range."}
	report := r.Normalize()
	assert.Equal(t, "BPD within range. HC within range.", report.Details)
	assert.Equal(t, "BPD within range. HC within range.", report.PrimaryFindings)
}

func TestParsePlane(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]Plane{
		"trans-thalamic":    PlaneTransThalamic,
		"brain":             PlaneTransThalamic,
		"Trans-Cerebellum":  PlaneTransCerebellum,
		"ventricular":       PlaneTransVentricular,
		"trans-ventricular": PlaneTransVentricular,
	} {
		got, err := ParsePlane(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := ParsePlane("sagittal")
	require.Error(t, err)
	assert.Equal(t, "Cerebellum analysis failed.", PlaneTransCerebellum.FailureMessage())
	assert.Equal(t, "Image analysis failed.", PlaneTransThalamic.FailureMessage())
}
