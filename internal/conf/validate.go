package conf

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// minSessionSecretLength applies to configured secrets; generated ones are longer.
const minSessionSecretLength = 16

// ValidationError lists every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return "invalid settings: " + strings.Join(ve.Errors, "; ")
}

// ValidateSettings runs all section validators and returns a ValidationError
// when any of them reports a problem.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateWebServerSettings,
		validateInferenceSettings,
		validateDatastoreSettings,
		validateSecuritySettings,
		validateMailSettings,
		validateMQTTSettings,
		validateObservabilitySettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateWebServerSettings(s *Settings) []string {
	var errs []string
	if port, err := strconv.Atoi(s.WebServer.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("webserver.port must be a valid port number, got %q", s.WebServer.Port))
	}
	if s.WebServer.UploadLimit <= 0 {
		errs = append(errs, "webserver.uploadlimit must be positive")
	}
	if rl := s.WebServer.RateLimit; rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		errs = append(errs, "webserver.ratelimit requires positive requestsperminute and burst")
	}
	if s.Storage.Dir == "" {
		errs = append(errs, "storage.dir must be set")
	}
	return errs
}

func validateInferenceSettings(s *Settings) []string {
	var errs []string
	for _, ep := range [...]struct{ key, url string }{
		{"inference.brainurl", s.Inference.BrainURL},
		{"inference.cerebellumurl", s.Inference.CerebellumURL},
		{"inference.ventricularurl", s.Inference.VentricularURL},
	} {
		if err := validateHTTPURL(ep.url); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ep.key, err))
		}
	}
	if s.Inference.Timeout < 0 {
		errs = append(errs, "inference.timeout must not be negative")
	}
	if s.Inference.AnalysisLease < 0 {
		errs = append(errs, "inference.analysislease must not be negative")
	}
	return errs
}

func validateDatastoreSettings(s *Settings) []string {
	var errs []string
	switch strings.ToLower(s.Datastore.Type) {
	case "sqlite":
		if s.Datastore.SQLite.Path == "" {
			errs = append(errs, "datastore.sqlite.path must be set")
		}
	case "mysql":
		if s.Datastore.MySQL.Host == "" || s.Datastore.MySQL.Database == "" {
			errs = append(errs, "datastore.mysql requires host and database")
		}
	case "postgres":
		if s.Datastore.Postgres.Host == "" || s.Datastore.Postgres.Database == "" {
			errs = append(errs, "datastore.postgres requires host and database")
		}
	default:
		errs = append(errs, fmt.Sprintf("datastore.type must be sqlite, mysql or postgres, got %q", s.Datastore.Type))
	}
	return errs
}

func validateSecuritySettings(s *Settings) []string {
	var errs []string
	if s.Security.SessionMaxAge <= 0 {
		errs = append(errs, "security.sessionmaxage must be positive")
	}
	if s.Security.BcryptCost < 4 || s.Security.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("security.bcryptcost must be between 4 and 31, got %d", s.Security.BcryptCost))
	}
	if n := len(s.Security.SessionSecret); n > 0 && n < minSessionSecretLength {
		errs = append(errs, fmt.Sprintf("security.sessionsecret must be at least %d characters", minSessionSecretLength))
	}
	if s.Security.ResetTokenTTL <= 0 {
		errs = append(errs, "security.resettokenttl must be positive")
	}
	return errs
}

func validateMailSettings(s *Settings) []string {
	if !s.Mail.Enabled {
		return nil
	}
	var errs []string
	if !strings.HasPrefix(s.Mail.SMTPURL, "smtp://") {
		errs = append(errs, "mail.smtpurl must be an smtp:// URL when mail is enabled")
	}
	if err := validateHTTPURL(s.Mail.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("mail.baseurl: %v", err))
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker must be set when mqtt is enabled")
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic must be set when mqtt is enabled")
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS))
	}
	return errs
}

func validateObservabilitySettings(s *Settings) []string {
	if s.Observability.Enabled && s.Observability.Listen == "" {
		return []string{"observability.listen must be set when metrics are enabled"}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return err
	case u.Scheme != "http" && u.Scheme != "https", u.Host == "":
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	return nil
}
