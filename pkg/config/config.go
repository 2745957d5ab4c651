package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Bulk         BulkConfig
	Cache        CacheConfig
	Tracking     TrackingConfig
	RateLimit    RateLimitConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	BigQuery     BigQueryConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DriverSQLite
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"OPSDESK_APP_ENV" required:"true"`
	Port         string   `envconfig:"OPSDESK_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"OPSDESK_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"OPSDESK_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"OPSDESK_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"OPSDESK_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"OPSDESK_DB_DSN"`
	Driver string `envconfig:"OPSDESK_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"OPSDESK_DB_HOST"`
	LegacyPort     int    `envconfig:"OPSDESK_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"OPSDESK_DB_USER"`
	LegacyPassword string `envconfig:"OPSDESK_DB_PASSWORD"`
	LegacyName     string `envconfig:"OPSDESK_DB_NAME"`
	LegacySSLMode  string `envconfig:"OPSDESK_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"OPSDESK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"OPSDESK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"OPSDESK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"OPSDESK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"OPSDESK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"OPSDESK_REDIS_ADDR"`
	Password     string        `envconfig:"OPSDESK_REDIS_PASSWORD"`
	DB           int           `envconfig:"OPSDESK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"OPSDESK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"OPSDESK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"OPSDESK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"OPSDESK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"OPSDESK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type KafkaConfig struct {
	Brokers  []string `envconfig:"OPSDESK_KAFKA_BROKERS" default:"localhost:9092"`
	ClientID string   `envconfig:"OPSDESK_KAFKA_CLIENT_ID" default:"opsdesk-backend"`

	BulkTopic               string `envconfig:"OPSDESK_KAFKA_BULK_TOPIC" default:"ticket.bulk.requests"`
	BulkPartitions          int    `envconfig:"OPSDESK_KAFKA_BULK_PARTITIONS" default:"5"`
	BulkRetentionDays       int    `envconfig:"OPSDESK_KAFKA_BULK_RETENTION_DAYS" default:"7"`
	DLTRetentionDays        int    `envconfig:"OPSDESK_KAFKA_DLT_RETENTION_DAYS" default:"30"`
	NotificationsTopic      string `envconfig:"OPSDESK_KAFKA_NOTIFICATIONS_TOPIC" default:"ticket.bulk.notifications"`
	NotificationsPartitions int    `envconfig:"OPSDESK_KAFKA_NOTIFICATIONS_PARTITIONS" default:"3"`
	ConsumerGroup           string `envconfig:"OPSDESK_KAFKA_CONSUMER_GROUP" default:"bulk-consumers"`

	ProducerSendTimeoutS int `envconfig:"OPSDESK_KAFKA_PRODUCER_SEND_TIMEOUT_S" default:"30"`
}

// DLTTopic derives the dead letter topic from the bulk topic.
func (k KafkaConfig) DLTTopic() string {
	return k.BulkTopic + ".DLT"
}

// DLTGroup derives the dead letter consumer group from the bulk group.
func (k KafkaConfig) DLTGroup() string {
	return k.ConsumerGroup + "-dlt"
}

func (k KafkaConfig) ProducerSendTimeout() time.Duration {
	if k.ProducerSendTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(k.ProducerSendTimeoutS) * time.Second
}

type BulkConfig struct {
	ChunkSize      int `envconfig:"OPSDESK_BULK_CHUNK_SIZE" default:"100"`
	MaxRecords     int `envconfig:"OPSDESK_BULK_MAX_RECORDS" default:"10000"`
	MaxFileSizeMiB int `envconfig:"OPSDESK_BULK_MAX_FILE_SIZE_MIB" default:"10"`

	Concurrency    int `envconfig:"OPSDESK_BULK_CONCURRENCY" default:"3"`
	MaxPollRecords int `envconfig:"OPSDESK_BULK_MAX_POLL_RECORDS" default:"100"`

	MaxAttempts       int     `envconfig:"OPSDESK_BULK_MAX_ATTEMPTS" default:"3"`
	InitialIntervalMS int     `envconfig:"OPSDESK_BULK_INITIAL_INTERVAL_MS" default:"1000"`
	Multiplier        float64 `envconfig:"OPSDESK_BULK_MULTIPLIER" default:"2.0"`
	MaxIntervalMS     int     `envconfig:"OPSDESK_BULK_MAX_INTERVAL_MS" default:"10000"`
}

func (b BulkConfig) MaxFileSizeBytes() int64 {
	return int64(b.MaxFileSizeMiB) << 20
}

func (b BulkConfig) InitialInterval() time.Duration {
	return time.Duration(b.InitialIntervalMS) * time.Millisecond
}

func (b BulkConfig) MaxInterval() time.Duration {
	return time.Duration(b.MaxIntervalMS) * time.Millisecond
}

type CacheConfig struct {
	TTLMinutes int `envconfig:"OPSDESK_CACHE_TTL_MINUTES" default:"30"`
}

func (c CacheConfig) TTL() time.Duration {
	if c.TTLMinutes <= 0 {
		return 0
	}
	return time.Duration(c.TTLMinutes) * time.Minute
}

type TrackingConfig struct {
	BatchTTLHours int `envconfig:"OPSDESK_TRACKING_BATCH_TTL_HOURS" default:"24"`
	DLTTTLDays    int `envconfig:"OPSDESK_TRACKING_DLT_TTL_DAYS" default:"7"`
}

func (t TrackingConfig) BatchTTL() time.Duration {
	return time.Duration(t.BatchTTLHours) * time.Hour
}

func (t TrackingConfig) DLTTTL() time.Duration {
	return time.Duration(t.DLTTTLDays) * 24 * time.Hour
}

type RateLimitConfig struct {
	UploadWindow  time.Duration `envconfig:"OPSDESK_RATE_LIMIT_UPLOAD_WINDOW" default:"1m"`
	UploadIPLimit int           `envconfig:"OPSDESK_RATE_LIMIT_UPLOAD_IP_LIMIT" default:"10"`
	StatusWindow  time.Duration `envconfig:"OPSDESK_RATE_LIMIT_STATUS_WINDOW" default:"1m"`
	StatusIPLimit int           `envconfig:"OPSDESK_RATE_LIMIT_STATUS_IP_LIMIT" default:"120"`
}

type CronConfig struct {
	SweepInterval time.Duration `envconfig:"OPSDESK_CRON_SWEEP_INTERVAL" default:"5m"`
	StaleAfter    time.Duration `envconfig:"OPSDESK_CRON_STALE_AFTER" default:"25h"`
	LockTTL       time.Duration `envconfig:"OPSDESK_CRON_LOCK_TTL" default:"4m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"OPSDESK_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"OPSDESK_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"OPSDESK_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"OPSDESK_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"OPSDESK_GOOGLE_APPLICATION_CREDENTIALS"`
}

type BigQueryConfig struct {
	Dataset         string `envconfig:"OPSDESK_BIGQUERY_DATASET" default:"opsdesk"`
	BatchFactsTable string `envconfig:"OPSDESK_BIGQUERY_BATCH_FACTS_TABLE" default:"bulk_batch_facts"`
}

// ReportingEnabled reports whether warehouse streaming is configured.
func (g GCPConfig) ReportingEnabled() bool {
	return strings.TrimSpace(g.ProjectID) != ""
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if strings.EqualFold(db.Driver, DriverSQLite) {
		db.DSN = DefaultSQLiteDSN
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
