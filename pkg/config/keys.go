package config

// EnvPrefix passed to envconfig.Process. Empty because every struct tag
// carries the full variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Database drivers accepted by OPSDESK_DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultSQLiteDSN is the on-disk database used when the sqlite flag is
// set without an explicit DSN.
const DefaultSQLiteDSN = "file:opsdesk.db?cache=shared"

// Variable names referenced outside struct tags (tests, ensureDSN errors).
const (
	EnvAppEnv       = "OPSDESK_APP_ENV"
	EnvPort         = "OPSDESK_APP_PORT"
	EnvDBDSN        = "OPSDESK_DB_DSN"
	EnvDBHost       = "OPSDESK_DB_HOST"
	EnvDBUser       = "OPSDESK_DB_USER"
	EnvDBName       = "OPSDESK_DB_NAME"
	EnvRedisURL     = "OPSDESK_REDIS_URL"
	EnvKafkaBrokers = "OPSDESK_KAFKA_BROKERS"
	EnvUseSQLite    = "OPSDESK_USE_SQLITE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
