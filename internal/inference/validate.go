package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/fetalscan/fetalscan/internal/errors"
)

var (
	// ErrMalformedResponse is returned when a service response does not match the expected shape.
	ErrMalformedResponse = errors.NewStd("malformed inference response")
	// ErrAnalysisFailed is the single failure condition surfaced to callers of Analyze.
	ErrAnalysisFailed = errors.NewStd("analysis failed")
)

// validator is implemented by every Result variant
type validator interface {
	validate() []string
}

func malformed(plane Plane, problems ...string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(problems, "; "))).
		Component("inference").
		Category(errors.CategoryInference).
		Context("plane", string(plane)).
		Build()
}

// DecodeResult decodes a service response body for plane into its typed
// Result, rejecting bodies that carry an "error" key, have missing or
// non-positive measurements, or unknown status values.
func DecodeResult(plane Plane, body []byte) (Result, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, malformed(plane, "body is not a JSON object: "+err.Error())
	}
	if raw, ok := probe["error"]; ok {
		return nil, malformed(plane, "service reported error: "+strings.Trim(string(raw), `"`))
	}

	var result Result
	switch plane {
	case PlaneTransThalamic:
		result = &BrainResult{}
	case PlaneTransCerebellum:
		result = &CerebellumResult{}
	case PlaneTransVentricular:
		result = &VentricularResult{}
	default:
		return nil, malformed(plane, "unsupported plane")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(result); err != nil {
		return nil, malformed(plane, "unexpected field type: "+err.Error())
	}

	if problems := result.(validator).validate(); len(problems) > 0 {
		return nil, malformed(plane, problems...)
	}
	return result, nil
}

func (c commonFields) validate() []string {
	var problems []string
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 100 || math.IsNaN(*c.Confidence)) {
		problems = append(problems, fmt.Sprintf("confidence_score %v outside [0,100]", *c.Confidence))
	}
	return problems
}

func (r *BrainResult) validate() []string {
	problems := r.commonFields.validate()
	problems = append(problems, requirePositive("bpd_mm", r.BPDMM)...)
	problems = append(problems, requirePositive("hc_mm", r.HCMM)...)
	problems = append(problems, checkStatus("bpd_status", r.BPDStatus)...)
	problems = append(problems, checkStatus("hc_status", r.HCStatus)...)
	return problems
}

func (r *CerebellumResult) validate() []string {
	problems := r.commonFields.validate()
	problems = append(problems, requirePositive("tcd_mm", r.TCDMM)...)
	problems = append(problems, checkStatus("status", r.Status)...)
	return problems
}

func (r *VentricularResult) validate() []string {
	problems := r.commonFields.validate()
	problems = append(problems, requirePositive("lvw_mm", r.LVWMM)...)
	problems = append(problems, checkStatus("status", r.Status)...)
	return problems
}

func requirePositive(field string, v *float64) []string {
	switch {
	case v == nil:
		return []string{field + " is missing"}
	case *v <= 0 || math.IsInf(*v, 0) || math.IsNaN(*v):
		return []string{fmt.Sprintf("%s must be positive, got %v", field, *v)}
	}
	return nil
}

func checkStatus(field, value string) []string {
	if value == "" {
		return nil
	}
	if !slices.Contains([]string{StatusNormal, StatusAbnormal}, normalizeStatus(value)) {
		return []string{fmt.Sprintf("%s must be normal or abnormal, got %q", field, value)}
	}
	return nil
}
