package conf

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/fetalscan/fetalscan/internal/errors"
)

// envVar maps one environment variable onto one or more config keys.
// DB_* variables feed both server drivers; DB_TYPE picks the one in use.
type envVar struct {
	name  string
	keys  []string
	check func(string) error
}

var envVars = []envVar{
	{"DB_TYPE", []string{"datastore.type"}, validateEnvDBType},
	{"DB_HOST", []string{"datastore.mysql.host", "datastore.postgres.host"}, nil},
	{"DB_PORT", []string{"datastore.mysql.port", "datastore.postgres.port"}, validateEnvPort},
	{"DB_USER", []string{"datastore.mysql.username", "datastore.postgres.username"}, nil},
	{"DB_PASSWORD", []string{"datastore.mysql.password", "datastore.postgres.password"}, nil},
	{"DB_NAME", []string{"datastore.mysql.database", "datastore.postgres.database"}, nil},
	{"SQLITE_PATH", []string{"datastore.sqlite.path"}, validateEnvPath},

	{"SESSION_SECRET", []string{"security.sessionsecret"}, validateEnvSecret},
	{"STORAGE_DIR", []string{"storage.dir"}, validateEnvPath},
	{"PORT", []string{"webserver.port"}, validateEnvPort},

	{"INFERENCE_BRAIN_URL", []string{"inference.brainurl"}, validateEnvURL},
	{"INFERENCE_CEREBELLUM_URL", []string{"inference.cerebellumurl"}, validateEnvURL},
	{"INFERENCE_VENTRICULAR_URL", []string{"inference.ventricularurl"}, validateEnvURL},

	{"SMTP_URL", []string{"mail.smtpurl"}, validateEnvURL},
	{"MAIL_FROM", []string{"mail.from"}, nil},
	{"APP_BASE_URL", []string{"mail.baseurl"}, validateEnvURL},

	{"SENTRY_DSN", []string{"sentry.dsn"}, validateEnvURL},
	{"MQTT_BROKER", []string{"mqtt.broker"}, validateEnvURL},
	{"LOG_LEVEL", []string{"logging.default_level"}, validateEnvLogLevel},
}

// configureEnvironmentVariables binds envVars into viper. Set variables that
// fail their check are reported together; the bindings stay in place.
func configureEnvironmentVariables() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var problems []error
	for _, v := range envVars {
		for _, key := range v.keys {
			if err := viper.BindEnv(key, v.name); err != nil {
				problems = append(problems, fmt.Errorf("bind %s: %w", v.name, err))
			}
		}
		value, set := os.LookupEnv(v.name)
		if !set || value == "" || v.check == nil {
			continue
		}
		if err := v.check(value); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", v.name, err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.Join(problems...)).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("operation", "bind_environment").
		Build()
}

func oneOf(value string, allowed ...string) error {
	if slices.Contains(allowed, strings.ToLower(value)) {
		return nil
	}
	return fmt.Errorf("%q is not one of %s", value, strings.Join(allowed, ", "))
}

func validateEnvDBType(value string) error {
	return oneOf(value, "sqlite", "mysql", "postgres")
}

func validateEnvLogLevel(value string) error {
	return oneOf(value, "trace", "debug", "info", "warn", "error")
}

func validateEnvPort(value string) error {
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("port %q is not in 1-65535", value)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	switch {
	case err != nil:
		return err
	case u.Scheme == "" || u.Host == "":
		return fmt.Errorf("%q needs a scheme and a host", value)
	}
	return nil
}

func validateEnvSecret(value string) error {
	if len(value) < minSessionSecretLength {
		return fmt.Errorf("session secret must be at least %d characters", minSessionSecretLength)
	}
	return nil
}

// validateEnvPath rejects paths that still climb out after cleaning.
func validateEnvPath(value string) error {
	clean := filepath.Clean(value)
	if slices.Contains(strings.Split(clean, string(os.PathSeparator)), "..") {
		return fmt.Errorf("path %q escapes its base directory", clean)
	}
	return nil
}
