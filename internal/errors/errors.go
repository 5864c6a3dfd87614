// Package errors wraps errors with the component, category and context that
// the API maps to status codes and that Sentry groups events by.
//
//	return errors.New(err).
//	    Component("datastore").
//	    Category(errors.CategoryDatabase).
//	    Context("operation", "store_report").
//	    Build()
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"maps"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors by how callers react to them.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryState         ErrorCategory = "state"
	CategoryLimit         ErrorCategory = "limit"
	CategoryDatabase      ErrorCategory = "database"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryNetwork       ErrorCategory = "network"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryInference     ErrorCategory = "inference"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryAuth          ErrorCategory = "authentication"
	CategoryNotification  ErrorCategory = "notification"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryGeneric       ErrorCategory = "generic"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is reported for errors built without a component.
const ComponentUnknown = "unknown"

// EnhancedError is an error with its origin and context attached. Values
// are immutable once built.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	Priority  string
	Timestamp time.Time

	component string
	context   map[string]any
	reported  atomic.Bool
}

func (ee *EnhancedError) Error() string { return ee.Err.Error() }

func (ee *EnhancedError) Unwrap() error { return ee.Err }

// Is matches another EnhancedError of the same category, or anything the
// wrapped error matches.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetComponent returns the component or ComponentUnknown.
func (ee *EnhancedError) GetComponent() string {
	if ee.component == "" {
		return ComponentUnknown
	}
	return ee.component
}

// GetPriority returns the explicit priority, or "".
func (ee *EnhancedError) GetPriority() string { return ee.Priority }

// GetContext returns a copy of the attached context.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.context == nil {
		return nil
	}
	return maps.Clone(ee.context)
}

// MarkReported records that telemetry has seen this error.
func (ee *EnhancedError) MarkReported() { ee.reported.Store(true) }

// IsReported reports whether telemetry has seen this error.
func (ee *EnhancedError) IsReported() bool { return ee.reported.Load() }

// ErrorBuilder collects metadata until Build.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts building an error around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts building an error from a format string; %w is honored.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority overrides the severity telemetry derives. Unknown values become medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case "":
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any, 4)
	}
	eb.context[key] = value
	return eb
}

// Build returns the error and hands it to the telemetry reporter, if one is set.
func (eb *ErrorBuilder) Build() *EnhancedError {
	err := eb.err
	if err == nil {
		err = stderrors.New("unknown error")
	}
	category := eb.category
	if category == "" {
		category = detectCategory(err, eb.component)
	}

	ee := &EnhancedError{
		Err:       err,
		Category:  category,
		Priority:  eb.priority,
		Timestamp: time.Now(),
		component: eb.component,
		context:   eb.context,
	}
	if reportingActive.Load() {
		reportToTelemetry(ee)
	}
	return ee
}

// detectCategory picks a category for errors built without one: from a
// wrapped EnhancedError, from well-known sentinels, then from the component.
func detectCategory(err error, component string) ErrorCategory {
	var inner *EnhancedError
	var netErr net.Error
	switch {
	case stderrors.As(err, &inner) && inner.Category != "":
		return inner.Category
	case stderrors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case stderrors.Is(err, fs.ErrNotExist):
		return CategoryNotFound
	case stderrors.Is(err, fs.ErrPermission):
		return CategoryFileIO
	case stderrors.As(err, &netErr):
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	case strings.Contains(strings.ToLower(err.Error()), "not found"):
		return CategoryNotFound
	}

	switch component {
	case "datastore":
		return CategoryDatabase
	case "imagestore":
		return CategoryFileIO
	case "inference":
		return CategoryInference
	case "mqtt":
		return CategoryNetwork
	case "notification":
		return CategoryNotification
	case "conf":
		return CategoryConfiguration
	}
	return CategoryGeneric
}

// NotFound builds the not-found error for resource id.
func NotFound(component, resource string, id any) *EnhancedError {
	return Newf("%s not found", resource).
		Component(component).
		Category(CategoryNotFound).
		Context("resource", resource).
		Context("id", fmt.Sprint(id)).
		Build()
}

// NewStd is errors.New from the standard library.
func NewStd(text string) error { return stderrors.New(text) }

func Is(err, target error) bool     { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }
func Join(errs ...error) error      { return stderrors.Join(errs...) }

// IsCategory reports whether err wraps an EnhancedError of category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return stderrors.As(err, &ee) && ee.Category == category
}

func IsNotFound(err error) bool { return IsCategory(err, CategoryNotFound) }

// CategoryOf returns the category of the outermost EnhancedError in err,
// or CategoryGeneric.
func CategoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Category
	}
	return CategoryGeneric
}
