package inference

import (
	"strconv"
	"strings"
)

const (
	// DefaultConfidence is used when the service reports no confidence score.
	DefaultConfidence = 95.0
	// DefaultImageQuality is used when the service reports no image quality.
	DefaultImageQuality = "Good"
	// DefaultPrimaryFindings is used when the service returns no summary text.
	DefaultPrimaryFindings = "No significant abnormalities detected"
	// FeatureConfidence is the confidence recorded on each measurement feature.
	FeatureConfidence = 98.0

	StatusNormal   = "normal"
	StatusAbnormal = "abnormal"
)

// Result is the decoded response of one inference service. The concrete
// type is one of *BrainResult, *CerebellumResult or *VentricularResult.
type Result interface {
	Plane() Plane
	Normalize() NormalizedReport
}

// Measurement is one millimeter measurement extracted from a result.
type Measurement struct {
	Name        string  `json:"name"` // BPD, HC, TCD or LVW
	ValueMM     float64 `json:"value_mm"`
	Status      string  `json:"status,omitempty"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// NormalizedReport is the plane-independent form of a result, ready to be persisted.
type NormalizedReport struct {
	Plane            Plane         `json:"plane_type"`
	PrimaryFindings  string        `json:"primary_findings"`
	Confidence       float64       `json:"confidence_score"`
	ImageQuality     string        `json:"image_quality"`
	IsNormal         bool          `json:"is_normal"`
	Status           string        `json:"status"`
	NumAbnormalities int           `json:"num_abnormalities_detected"`
	ProcessingTime   float64       `json:"processing_time"` // seconds
	Details          string        `json:"details,omitempty"`
	Recommendation   string        `json:"recommendation,omitempty"`
	Measurements     []Measurement `json:"measurements"`
}

// common fields every service may return
type commonFields struct {
	Summary        string   `json:"summary,omitempty"`
	Details        string   `json:"details,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Confidence     *float64 `json:"confidence_score,omitempty"`
	ImageQuality   string   `json:"image_quality,omitempty"`
}

func (c commonFields) base(plane Plane, abnormal int, fallbacks ...string) NormalizedReport {
	findings := c.Summary
	for _, f := range append([]string{c.Details}, fallbacks...) {
		if findings != "" {
			break
		}
		findings = f
	}
	if findings == "" {
		findings = DefaultPrimaryFindings
	}

	confidence := DefaultConfidence
	if c.Confidence != nil {
		confidence = *c.Confidence
	}
	quality := c.ImageQuality
	if quality == "" {
		quality = DefaultImageQuality
	}

	status := StatusNormal
	if abnormal > 0 {
		status = StatusAbnormal
	}

	return NormalizedReport{
		Plane:            plane,
		PrimaryFindings:  findings,
		Confidence:       confidence,
		ImageQuality:     quality,
		IsNormal:         abnormal == 0,
		Status:           status,
		NumAbnormalities: abnormal,
		Details:          c.Details,
		Recommendation:   c.Recommendation,
	}
}

// BrainResult is the trans-thalamic response: biparietal diameter and head circumference.
type BrainResult struct {
	commonFields
	BPDMM     *float64 `json:"bpd_mm"`
	HCMM      *float64 `json:"hc_mm"`
	BPDStatus string   `json:"bpd_status,omitempty"`
	HCStatus  string   `json:"hc_status,omitempty"`
	BPDDetail string   `json:"bpd_detail,omitempty"`
	HCDetail  string   `json:"hc_detail,omitempty"`
}

func (*BrainResult) Plane() Plane { return PlaneTransThalamic }

// Normalize counts each abnormal BPD or HC status as one abnormality.
func (r *BrainResult) Normalize() NormalizedReport {
	abnormal := 0
	if isAbnormalStatus(r.BPDStatus) {
		abnormal++
	}
	if isAbnormalStatus(r.HCStatus) {
		abnormal++
	}

	c := r.commonFields
	if c.Details == "" {
		c.Details = joinNonEmpty(" ", r.BPDDetail, r.HCDetail)
	}
	report := c.base(PlaneTransThalamic, abnormal)
	report.Measurements = []Measurement{
		measurement("BPD", deref(r.BPDMM), normalizeStatus(r.BPDStatus), normalizeStatus(r.BPDStatus)),
		measurement("HC", deref(r.HCMM), normalizeStatus(r.HCStatus), normalizeStatus(r.HCStatus)),
	}
	return report
}

// CerebellumResult is the trans-cerebellum response: transcerebellar diameter and a free-text assessment.
type CerebellumResult struct {
	commonFields
	TCDMM      *float64 `json:"tcd_mm"`
	Assessment string   `json:"assessment,omitempty"`
	Status     string   `json:"status,omitempty"`
}

func (*CerebellumResult) Plane() Plane { return PlaneTransCerebellum }

// Normalize treats an assessment containing "abnormal" or an abnormal status as one abnormality.
func (r *CerebellumResult) Normalize() NormalizedReport {
	abnormal := 0
	if strings.Contains(strings.ToLower(r.Assessment), StatusAbnormal) || isAbnormalStatus(r.Status) {
		abnormal = 1
	}
	report := r.base(PlaneTransCerebellum, abnormal, r.Assessment)
	status := StatusNormal
	if abnormal > 0 {
		status = StatusAbnormal
	}
	report.Measurements = []Measurement{
		measurement("TCD", deref(r.TCDMM), status, r.Assessment),
	}
	return report
}

// VentricularResult is the trans-ventricular response: lateral ventricular width.
type VentricularResult struct {
	commonFields
	LVWMM               *float64 `json:"lvw_mm"`
	Status              string   `json:"status,omitempty"`
	GestationalAgeWeeks int      `json:"gestational_age_weeks,omitempty"`
}

func (*VentricularResult) Plane() Plane { return PlaneTransVentricular }

// Normalize treats an abnormal status as one abnormality.
func (r *VentricularResult) Normalize() NormalizedReport {
	abnormal := 0
	if isAbnormalStatus(r.Status) {
		abnormal = 1
	}
	report := r.base(PlaneTransVentricular, abnormal)
	report.Measurements = []Measurement{
		measurement("LVW", deref(r.LVWMM), normalizeStatus(r.Status), normalizeStatus(r.Status)),
	}
	return report
}

// measurement builds a feature such as "TCD measurement: 21.5mm - TCD normal".
// An empty label reads "analyzed".
func measurement(name string, value float64, status, label string) Measurement {
	if label == "" {
		label = "analyzed"
	}
	return Measurement{
		Name:        name,
		ValueMM:     value,
		Status:      status,
		Description: name + " measurement: " + formatMM(value) + "mm - " + label,
		Confidence:  FeatureConfidence,
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isAbnormalStatus(s string) bool {
	return normalizeStatus(s) == StatusAbnormal
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
