package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures runtime configuration for the gatesim service.
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Service   ServiceConfig
	Auth      AuthConfig
	QPay      QPayConfig
	Airalo    AiraloConfig
	SMTP      SMTPConfig
	Reconcile ReconcileConfig
}

type HTTPConfig struct {
	Port          int
	ShutdownGrace time.Duration
	PublicBaseURL string
}

type DatabaseConfig struct {
	URL            string
	AutoMigrate    bool
	MigrationsPath string
}

type RedisConfig struct {
	// Addr is empty when Redis is disabled; caches then fall back to no-ops.
	Addr     string
	Password string
	DB       int
}

type TelemetryConfig struct {
	LogLevel      string
	OTelEndpoint  string
	EnableTracing bool
	EnableMetrics bool
	SampleRate    float64
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

type AuthConfig struct {
	WebhookSecret string
	OperatorToken string
	CronSecret    string
}

type QPayConfig struct {
	BaseURL     string
	Username    string
	Password    string
	InvoiceCode string
	Timeout     time.Duration
}

type AiraloConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether outgoing mail is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

type ReconcileConfig struct {
	StaleLockAfter   time.Duration
	ProvisionTimeout time.Duration
	WebhookWait      time.Duration
	SweepConcurrency int
	SweepBatchSize   int
	SweepMaxAge      time.Duration
	SweepLockTTL     time.Duration
	PaidCacheTTL     time.Duration
	PollRateLimit    int
	PollRateWindow   time.Duration
	IdempotencyTTL   time.Duration
}

const (
	defaultHTTPPort         = 8080
	defaultShutdownGrace    = 15 * time.Second
	defaultMigrationsPath   = "migrations"
	defaultAutoMigrate      = true
	defaultServiceName      = "gatesim"
	defaultServiceVersion   = "0.1.0"
	defaultEnvironment      = "development"
	defaultLogLevel         = "info"
	defaultOTelSampleRate   = 1.0
	defaultQPayBaseURL      = "https://merchant.qpay.mn/v2"
	defaultAiraloBaseURL    = "https://partners-api.airalo.com/v2"
	defaultGatewayTimeout   = 15 * time.Second
	defaultSMTPPort         = 587
	defaultStaleLockAfter   = 5 * time.Minute
	defaultProvisionTimeout = 45 * time.Second
	defaultWebhookWait      = 8 * time.Second
	defaultSweepConcurrency = 4
	defaultSweepBatchSize   = 100
	defaultSweepMaxAge      = 48 * time.Hour
	defaultSweepLockTTL     = 2 * time.Minute
	minSweepLockTTL         = 3 * time.Second
	defaultPaidCacheTTL     = 24 * time.Hour
	defaultPollRateLimit    = 30
	defaultPollRateWindow   = time.Minute
	defaultIdempotencyTTL   = 72 * time.Hour
)

// LoadDotEnv populates the environment from a .env file when one exists.
// Variables already set in the environment take precedence.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults when needed.
func Load() (*Config, error) {
	httpCfg, err := loadHTTPConfig()
	if err != nil {
		return nil, fmt.Errorf("loading HTTP config: %w", err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		return nil, fmt.Errorf("loading redis config: %w", err)
	}

	telCfg, err := loadTelemetryConfig()
	if err != nil {
		return nil, fmt.Errorf("loading telemetry config: %w", err)
	}

	qpayCfg, err := loadQPayConfig()
	if err != nil {
		return nil, fmt.Errorf("loading qpay config: %w", err)
	}

	airaloCfg, err := loadAiraloConfig()
	if err != nil {
		return nil, fmt.Errorf("loading airalo config: %w", err)
	}

	smtpCfg, err := loadSMTPConfig()
	if err != nil {
		return nil, fmt.Errorf("loading smtp config: %w", err)
	}

	reconcileCfg, err := loadReconcileConfig()
	if err != nil {
		return nil, fmt.Errorf("loading reconcile config: %w", err)
	}

	return &Config{
		HTTP:      httpCfg,
		Database:  loadDatabaseConfig(),
		Redis:     redisCfg,
		Telemetry: telCfg,
		Service:   loadServiceConfig(),
		Auth:      loadAuthConfig(),
		QPay:      qpayCfg,
		Airalo:    airaloCfg,
		SMTP:      smtpCfg,
		Reconcile: reconcileCfg,
	}, nil
}

func loadHTTPConfig() (HTTPConfig, error) {
	port, err := getIntEnv("API_HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return HTTPConfig{}, err
	}

	shutdownGrace, err := getDurationEnv("API_SHUTDOWN_GRACE", defaultShutdownGrace)
	if err != nil {
		return HTTPConfig{}, err
	}

	return HTTPConfig{
		Port:          port,
		ShutdownGrace: shutdownGrace,
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
	}, nil
}

func loadDatabaseConfig() DatabaseConfig {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = buildDatabaseURL()
	}

	return DatabaseConfig{
		URL:            databaseURL,
		AutoMigrate:    getBoolEnv("AUTO_MIGRATE", defaultAutoMigrate),
		MigrationsPath: getEnvOrDefault("MIGRATIONS_PATH", defaultMigrationsPath),
	}
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := getIntEnv("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	sampleRate := defaultOTelSampleRate
	if value, ok := os.LookupEnv("OTEL_SAMPLE_RATE"); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return TelemetryConfig{}, fmt.Errorf("invalid OTEL_SAMPLE_RATE: %w", err)
		}
		sampleRate = parsed
	}

	return TelemetryConfig{
		LogLevel:      getEnvOrDefault("LOG_LEVEL", defaultLogLevel),
		OTelEndpoint:  getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		EnableTracing: getBoolEnv("OTEL_ENABLE_TRACING", true),
		EnableMetrics: getBoolEnv("OTEL_ENABLE_METRICS", true),
		SampleRate:    sampleRate,
	}, nil
}

func loadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:        getEnvOrDefault("SERVICE_NAME", defaultServiceName),
		Version:     getEnvOrDefault("SERVICE_VERSION", defaultServiceVersion),
		Environment: getEnvOrDefault("ENVIRONMENT", defaultEnvironment),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		WebhookSecret: os.Getenv("QPAY_WEBHOOK_SECRET"),
		OperatorToken: os.Getenv("OPERATOR_TOKEN"),
		CronSecret:    os.Getenv("CRON_SECRET"),
	}
}

func loadQPayConfig() (QPayConfig, error) {
	timeout, err := getDurationEnv("QPAY_TIMEOUT", defaultGatewayTimeout)
	if err != nil {
		return QPayConfig{}, err
	}

	return QPayConfig{
		BaseURL:     strings.TrimRight(getEnvOrDefault("QPAY_BASE_URL", defaultQPayBaseURL), "/"),
		Username:    os.Getenv("QPAY_USERNAME"),
		Password:    os.Getenv("QPAY_PASSWORD"),
		InvoiceCode: os.Getenv("QPAY_INVOICE_CODE"),
		Timeout:     timeout,
	}, nil
}

func loadAiraloConfig() (AiraloConfig, error) {
	timeout, err := getDurationEnv("AIRALO_TIMEOUT", defaultGatewayTimeout)
	if err != nil {
		return AiraloConfig{}, err
	}

	return AiraloConfig{
		BaseURL:      strings.TrimRight(getEnvOrDefault("AIRALO_BASE_URL", defaultAiraloBaseURL), "/"),
		ClientID:     os.Getenv("AIRALO_CLIENT_ID"),
		ClientSecret: os.Getenv("AIRALO_CLIENT_SECRET"),
		Timeout:      timeout,
	}, nil
}

func loadSMTPConfig() (SMTPConfig, error) {
	port, err := getIntEnv("SMTP_PORT", defaultSMTPPort)
	if err != nil {
		return SMTPConfig{}, err
	}

	return SMTPConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     port,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	}, nil
}

func loadReconcileConfig() (ReconcileConfig, error) {
	var (
		cfg ReconcileConfig
		err error
	)

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"RECONCILE_STALE_LOCK_AFTER", defaultStaleLockAfter, &cfg.StaleLockAfter},
		{"RECONCILE_PROVISION_TIMEOUT", defaultProvisionTimeout, &cfg.ProvisionTimeout},
		{"RECONCILE_WEBHOOK_WAIT", defaultWebhookWait, &cfg.WebhookWait},
		{"SWEEP_MAX_AGE", defaultSweepMaxAge, &cfg.SweepMaxAge},
		{"SWEEP_LOCK_TTL", defaultSweepLockTTL, &cfg.SweepLockTTL},
		{"PAID_CACHE_TTL", defaultPaidCacheTTL, &cfg.PaidCacheTTL},
		{"POLL_RATE_WINDOW", defaultPollRateWindow, &cfg.PollRateWindow},
		{"IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.IdempotencyTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDurationEnv(d.key, d.def); err != nil {
			return ReconcileConfig{}, err
		}
	}

	if cfg.SweepConcurrency, err = getIntEnv("SWEEP_CONCURRENCY", defaultSweepConcurrency); err != nil {
		return ReconcileConfig{}, err
	}
	if cfg.SweepBatchSize, err = getIntEnv("SWEEP_BATCH_SIZE", defaultSweepBatchSize); err != nil {
		return ReconcileConfig{}, err
	}
	if cfg.PollRateLimit, err = getIntEnv("POLL_RATE_LIMIT", defaultPollRateLimit); err != nil {
		return ReconcileConfig{}, err
	}

	if cfg.StaleLockAfter <= cfg.ProvisionTimeout {
		return ReconcileConfig{}, fmt.Errorf("RECONCILE_STALE_LOCK_AFTER (%s) must exceed RECONCILE_PROVISION_TIMEOUT (%s)",
			cfg.StaleLockAfter, cfg.ProvisionTimeout)
	}
	if cfg.SweepConcurrency < 1 {
		return ReconcileConfig{}, errors.New("SWEEP_CONCURRENCY must be at least 1")
	}
	// The sweeper refreshes its lock every third of the ttl.
	if cfg.SweepLockTTL < minSweepLockTTL {
		return ReconcileConfig{}, fmt.Errorf("SWEEP_LOCK_TTL must be at least %s", minSweepLockTTL)
	}

	return cfg, nil
}

func buildDatabaseURL() string {
	host := getEnvOrDefault("DB_HOST", "localhost")
	port := getEnvOrDefault("DB_PORT", "5432")
	user := getEnvOrDefault("DB_USER", "postgres")
	password := getEnvOrDefault("DB_PASSWORD", "postgres")
	dbName := getEnvOrDefault("DB_NAME", "gatesim")
	sslMode := getEnvOrDefault("DB_SSLMODE", "disable")

	maxConns := getEnvOrDefault("DB_MAX_CONNS", "25")
	minConns := getEnvOrDefault("DB_MIN_CONNS", "5")
	maxLifetime := getEnvOrDefault("DB_MAX_CONN_LIFETIME", "5m")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%s&pool_min_conns=%s&pool_max_conn_lifetime=%s",
		user, password, host, port, dbName, sslMode, maxConns, minConns, maxLifetime,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		return value == "true"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
