package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TelemetryReporter receives every error built while it is installed.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu      sync.RWMutex
	reporter        TelemetryReporter
	reportingActive atomic.Bool
)

// SetTelemetryReporter installs r; nil turns reporting off.
func SetTelemetryReporter(r TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
	reportingActive.Store(r != nil && r.IsEnabled())
}

func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

// SentryOptions configures InitSentry.
type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
	Debug       bool
}

// InitSentry starts the Sentry client and installs a SentryReporter. Events
// never carry user, request or host data, and patient identifiers and email
// addresses are masked before sending.
func InitSentry(opts SentryOptions) error {
	if strings.TrimSpace(opts.DSN) == "" {
		return Newf("sentry DSN is empty").
			Component("telemetry").
			Category(CategoryConfiguration).
			Build()
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		Debug:       opts.Debug,
		SampleRate:  1.0,
		BeforeSend:  scrubEvent,
	}); err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	SetTelemetryReporter(&SentryReporter{})
	return nil
}

// FlushSentry waits up to timeout for queued events. It returns true when
// nothing is pending or reporting is off.
func FlushSentry(timeout time.Duration) bool {
	if !reportingActive.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// SentryReporter sends server-side errors to Sentry. Client errors
// (validation, not found, conflict, limit) are skipped.
type SentryReporter struct {
	// capture replaces sentry.CaptureEvent in tests
	capture func(*sentry.Event)
}

func (r *SentryReporter) IsEnabled() bool { return true }

func (r *SentryReporter) ReportError(ee *EnhancedError) {
	if ee.IsReported() {
		return
	}
	switch ee.Category {
	case CategoryValidation, CategoryNotFound, CategoryConflict, CategoryLimit, CategoryAuth:
		return
	}
	ee.MarkReported()

	title := eventTitle(ee)
	message := scrubMessageForPrivacy(ee.Err.Error())
	level := sentryLevel(ee)

	event := sentry.NewEvent()
	event.Level = level
	event.Message = message
	event.Exception = []sentry.Exception{{Type: title, Value: message}}
	event.Fingerprint = []string{ee.GetComponent(), string(ee.Category), title}
	event.Tags = map[string]string{
		"component":  ee.GetComponent(),
		"category":   string(ee.Category),
		"error_type": fmt.Sprintf("%T", ee.Err),
	}
	if p := ee.GetPriority(); p != "" {
		event.Tags["priority"] = p
	}
	if ctx := ee.GetContext(); len(ctx) > 0 {
		details := make(map[string]any, len(ctx))
		for k, v := range ctx {
			if s, ok := v.(string); ok {
				v = scrubMessageForPrivacy(s)
			}
			details[k] = v
		}
		event.Contexts = map[string]sentry.Context{"details": details}
	}

	if r.capture != nil {
		r.capture(event)
		return
	}
	sentry.CaptureEvent(event)
}

var titleCaser = cases.Title(language.English)

// eventTitle reads like "Datastore Database Error Store Report"
func eventTitle(ee *EnhancedError) string {
	var parts []string
	if c := ee.GetComponent(); c != ComponentUnknown {
		parts = append(parts, titleCaser.String(c))
	}
	parts = append(parts, titleCaser.String(strings.ReplaceAll(string(ee.Category), "-", " "))+" Error")
	if op, ok := ee.GetContext()["operation"].(string); ok && op != "" {
		parts = append(parts, titleCaser.String(strings.NewReplacer("_", " ", "-", " ").Replace(op)))
	}
	return strings.Join(parts, " ")
}

func sentryLevel(ee *EnhancedError) sentry.Level {
	switch ee.GetPriority() {
	case PriorityCritical:
		return sentry.LevelFatal
	case PriorityLow:
		return sentry.LevelInfo
	}
	switch ee.Category {
	case CategoryNetwork, CategoryTimeout, CategoryInference, CategoryNotification:
		return sentry.LevelWarning
	}
	return sentry.LevelError
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.ServerName = ""
	event.User = sentry.User{}
	event.Request = nil
	event.Message = scrubMessageForPrivacy(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = scrubMessageForPrivacy(event.Exception[i].Value)
	}
	return event
}

var privacyRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(https?://[^?\s]+)\?\S*`), "$1?[REDACTED]"},
	{regexp.MustCompile(`(?i)(password|token|secret|api[_-]?key)[=:]\S+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`\bP-\d{5}\b`), "[PATIENT_ID]"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
}

// scrubMessageForPrivacy masks query strings, credentials, patient IDs and emails.
func scrubMessageForPrivacy(message string) string {
	for _, rule := range privacyRules {
		message = rule.re.ReplaceAllString(message, rule.repl)
	}
	return message
}
