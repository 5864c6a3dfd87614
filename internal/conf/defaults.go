// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default limits shared with the API and ingestion packages.
const (
	DefaultUploadLimit     = 10 << 20 // 10 MiB
	DefaultPort            = "5000"
	DefaultSessionMaxAge   = 24 * time.Hour
	DefaultResetTokenTTL   = time.Hour
	DefaultBcryptCost      = 10
	DefaultMetricsListen   = "127.0.0.1:9090"
	DefaultMQTTTopic       = "fetalscan/reports"
	DefaultSessionCookie   = "fetalscan_session"
	DefaultSQLitePath      = "fetalscan.db"
	DefaultStorageDir      = "storage"
	DefaultInferenceAgent  = "FetalScan/1.0"
	DefaultSlowQueryMillis = 200
	DefaultAnalysisLease   = 10 * time.Minute
)

// setDefaultConfig sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("webserver.port", DefaultPort)
	viper.SetDefault("webserver.uploadlimit", DefaultUploadLimit)
	viper.SetDefault("webserver.requesttimeout", 30*time.Second)
	viper.SetDefault("webserver.ratelimit.enabled", true)
	viper.SetDefault("webserver.ratelimit.requestsperminute", 30)
	viper.SetDefault("webserver.ratelimit.burst", 10)
	viper.SetDefault("webserver.allowedorigins", []string{"http://localhost:3000"})

	viper.SetDefault("storage.dir", DefaultStorageDir)

	viper.SetDefault("inference.brainurl", "http://localhost:5001/analyze")
	viper.SetDefault("inference.cerebellumurl", "http://localhost:5002/analyze")
	viper.SetDefault("inference.ventricularurl", "http://localhost:5003/analyze")
	viper.SetDefault("inference.timeout", 0)
	viper.SetDefault("inference.useragent", DefaultInferenceAgent)
	viper.SetDefault("inference.analysislease", DefaultAnalysisLease)

	viper.SetDefault("datastore.type", "sqlite")
	viper.SetDefault("datastore.slowquerythreshold", DefaultSlowQueryMillis*time.Millisecond)
	viper.SetDefault("datastore.maxopenconns", 10)
	viper.SetDefault("datastore.maxidleconns", 5)
	viper.SetDefault("datastore.sqlite.path", DefaultSQLitePath)
	viper.SetDefault("datastore.mysql.host", "localhost")
	viper.SetDefault("datastore.mysql.port", "3306")
	viper.SetDefault("datastore.mysql.database", "fetalscan")
	viper.SetDefault("datastore.postgres.host", "localhost")
	viper.SetDefault("datastore.postgres.port", "5432")
	viper.SetDefault("datastore.postgres.database", "fetalscan")
	viper.SetDefault("datastore.postgres.sslmode", "disable")

	viper.SetDefault("security.sessionsecret", "")
	viper.SetDefault("security.sessionmaxage", DefaultSessionMaxAge)
	viper.SetDefault("security.securecookie", false)
	viper.SetDefault("security.requireauth", false)
	viper.SetDefault("security.bcryptcost", DefaultBcryptCost)
	viper.SetDefault("security.resettokenttl", DefaultResetTokenTTL)
	viper.SetDefault("security.cookiename", DefaultSessionCookie)

	viper.SetDefault("mail.enabled", false)
	viper.SetDefault("mail.from", "no-reply@fetalscan.local")
	viper.SetDefault("mail.baseurl", "http://localhost:3000")
	viper.SetDefault("mail.timeout", 10*time.Second)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.clientid", "fetalscan")
	viper.SetDefault("mqtt.topic", DefaultMQTTTopic)
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.retain", false)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.environment", "production")

	viper.SetDefault("observability.enabled", false)
	viper.SetDefault("observability.listen", DefaultMetricsListen)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/fetalscan.log")
	viper.SetDefault("logging.file_output.level", "debug")
}
