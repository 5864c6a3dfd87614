package inference

import (
	"strings"

	"github.com/fetalscan/fetalscan/internal/errors"
)

// Plane is the anatomical ultrasound view of an image. It selects the
// inference service and the shape of its response.
type Plane string

const (
	PlaneTransThalamic    Plane = "trans-thalamic"
	PlaneTransCerebellum  Plane = "trans-cerebellum"
	PlaneTransVentricular Plane = "trans-ventricular"
)

// Planes lists every supported plane.
var Planes = []Plane{PlaneTransThalamic, PlaneTransCerebellum, PlaneTransVentricular}

// ParsePlane accepts a plane name or its anatomy alias ("brain", "cerebellum", "ventricular").
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(PlaneTransThalamic), "brain":
		return PlaneTransThalamic, nil
	case string(PlaneTransCerebellum), "cerebellum":
		return PlaneTransCerebellum, nil
	case string(PlaneTransVentricular), "ventricular":
		return PlaneTransVentricular, nil
	}
	return "", errors.Newf("unknown plane type %q", s).
		Component("inference").
		Category(errors.CategoryValidation).
		Build()
}

// Valid reports whether p is a supported plane.
func (p Plane) Valid() bool {
	switch p {
	case PlaneTransThalamic, PlaneTransCerebellum, PlaneTransVentricular:
		return true
	}
	return false
}

// Anatomy is the short name used in stored file names.
func (p Plane) Anatomy() string {
	switch p {
	case PlaneTransThalamic:
		return "brain"
	case PlaneTransCerebellum:
		return "cerebellum"
	case PlaneTransVentricular:
		return "ventricular"
	}
	return ""
}

// FailureMessage is the client-facing message when analysis for p fails.
func (p Plane) FailureMessage() string {
	switch p {
	case PlaneTransCerebellum:
		return "Cerebellum analysis failed."
	case PlaneTransVentricular:
		return "Ventricular analysis failed."
	}
	return "Image analysis failed."
}
