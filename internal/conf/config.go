// config.go: settings struct for FetalScan and functions to load it.
package conf

import (
	"crypto/rand"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/fetalscan/fetalscan/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// WebServerSettings contains settings for the HTTP API.
type WebServerSettings struct {
	Port           string        // port the API listens on
	UploadLimit    int64         // maximum accepted image size in bytes
	RequestTimeout time.Duration // timeout applied to read requests
	RateLimit      RateLimitSettings
	AllowedOrigins []string // CORS origins allowed to send session cookies
}

// RateLimitSettings throttles the analyze endpoints per client IP.
type RateLimitSettings struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// StorageSettings describes where uploaded scan images are kept.
type StorageSettings struct {
	Dir string // root directory served under /storage
}

// InferenceSettings holds the fixed endpoint of each inference service.
type InferenceSettings struct {
	BrainURL       string // trans-thalamic plane
	CerebellumURL  string // trans-cerebellum plane
	VentricularURL string // trans-ventricular plane
	Timeout        time.Duration
	UserAgent      string
	// AnalysisLease is how long a scan may stay "analyzing" before a retry
	// may take it over; 0 disables takeover
	AnalysisLease time.Duration
}

// SQLiteSettings configures the embedded database.
type SQLiteSettings struct {
	Path string
}

// MySQLSettings configures a MySQL server connection.
type MySQLSettings struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// PostgresSettings configures a PostgreSQL server connection.
type PostgresSettings struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

// DatastoreSettings selects and configures the relational store.
type DatastoreSettings struct {
	Type               string // sqlite, mysql or postgres
	SlowQueryThreshold time.Duration
	MaxOpenConns       int
	MaxIdleConns       int
	SQLite             SQLiteSettings
	MySQL              MySQLSettings
	Postgres           PostgresSettings
}

// SecuritySettings contains session and account settings.
type SecuritySettings struct {
	SessionSecret string
	SessionMaxAge time.Duration
	SecureCookie  bool // set the Secure flag on the session cookie
	RequireAuth   bool // require a session for patient and scan routes
	BcryptCost    int
	ResetTokenTTL time.Duration
	CookieName    string
}

// MailSettings configures password reset mail.
type MailSettings struct {
	Enabled bool
	SMTPURL string // shoutrrr smtp:// URL
	From    string
	BaseURL string // public URL used in reset links
	Timeout time.Duration
}

// MQTTSettings configures report event publishing.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
	Retain   bool
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
}

// ObservabilitySettings configures the Prometheus endpoint.
type ObservabilitySettings struct {
	Enabled bool
	Listen  string
}

// Settings contains all configuration options for FetalScan.
type Settings struct {
	Debug     bool
	Version   string `yaml:"-" mapstructure:"-"` // set from build flags
	BuildDate string `yaml:"-" mapstructure:"-"`

	WebServer     WebServerSettings
	Storage       StorageSettings
	Inference     InferenceSettings
	Datastore     DatastoreSettings
	Security      SecuritySettings
	Mail          MailSettings
	MQTT          MQTTSettings
	Sentry        SentrySettings
	Observability ObservabilitySettings
	Logging       logger.LoggingConfig
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
// An empty configFile searches the default config paths.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Sessions survive restarts only with a configured secret
	if settings.Security.SessionSecret == "" {
		settings.Security.SessionSecret = GenerateRandomSecret()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, binds environment variables and reads the config file.
func initViper(configFile string) error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded config.yaml into dir and reads it
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, configFileName)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	data, err := getDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the embedded default configuration
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, configFileName)
	if err != nil {
		return nil, fmt.Errorf("error reading embedded config: %w", err)
	}
	return data, nil
}

// GetSettings returns the most recently loaded settings
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// GenerateRandomSecret returns 32 random bytes as URL-safe base64.
func GenerateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
