package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AppConfig encapsulates all runtime configuration knobs.
type AppConfig struct {
	App      AppSettings
	HTTP     HTTPSettings
	Auth     AuthSettings
	Log      LogSettings
	Database DatabaseSettings
	Audit    AuditSettings
	Gateway  GatewaySettings
	Emission EmissionSettings
	Redis    RedisSettings
	Cache    CacheSettings
	Metrics  MetricsSettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type HTTPSettings struct {
	Port                 int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	WriteTimeoutEmission time.Duration // emit and resubmit wait for the first gateway answer
	IdleTimeout          time.Duration
	ShutdownTimeout      time.Duration
	AllowedOrigins       []string
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

type LogSettings struct {
	Level string
}

type DatabaseSettings struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuditSettings struct {
	Enabled         bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
}

// GatewaySettings configures the OpenFactura client.
type GatewaySettings struct {
	BaseURL            string
	EmitTimeout        time.Duration
	StatusTimeout      time.Duration
	MaxConcurrent      int
	RateLimitRPS       float64
	RateLimitBurst     int
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// EmissionSettings tunes the document state machine and its re-poll workers.
type EmissionSettings struct {
	RepollMaxAttempts   int
	RepollInitialDelay  time.Duration
	RepollMaxDelay      time.Duration
	RepollWorkers       int
	RepollQueueSize     int
	SweepInterval       time.Duration
	SweepBatch          int
	FinalConsumerLimit  decimal.Decimal
	DefaultEmail        string
	CertificatePath     string
	CertificatePassword string
}

// RedisSettings enables the cross-replica re-poll lock. An empty Addr keeps
// the lock in memory.
type RedisSettings struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// Enabled reports whether a Redis address is configured.
func (r RedisSettings) Enabled() bool {
	return r.Addr != ""
}

type CacheSettings struct {
	IssuerTTL time.Duration
}

type MetricsSettings struct {
	Enabled bool
	Path    string
}

// Load resolves the application configuration from environment variables.
// A .env file is read first when present; variables already set in the
// process environment win.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "ms_facturacion_sri"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		HTTP: HTTPSettings{
			Port:                 getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:          getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getEnvAsDuration("HTTP_WRITE_TIMEOUT", 150*time.Second),
			WriteTimeoutEmission: getEnvAsDuration("HTTP_WRITE_TIMEOUT_EMISSION", 3*time.Minute),
			IdleTimeout:          getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:      getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:       getEnvAsCSV("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", false),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health", "/metrics"}),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseSettings{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "ms_facturacion_sri"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Audit: AuditSettings{
			Enabled:         getEnvAsBool("AUDIT_ENABLED", true),
			LogRequestBody:  getEnvAsBool("AUDIT_LOG_REQUEST_BODY", true),
			LogResponseBody: getEnvAsBool("AUDIT_LOG_RESPONSE_BODY", true),
			MaxBodySize:     getEnvAsInt("AUDIT_MAX_BODY_SIZE", 102400),
		},
		Gateway: GatewaySettings{
			BaseURL:            strings.TrimSpace(getEnv("OPEN_FACTURA_API_BASE", "http://127.0.0.1:8090/api/v1")),
			EmitTimeout:        getEnvAsDuration("GATEWAY_EMIT_TIMEOUT", 120*time.Second),
			StatusTimeout:      getEnvAsDuration("GATEWAY_STATUS_TIMEOUT", 45*time.Second),
			MaxConcurrent:      getEnvAsInt("GATEWAY_MAX_CONCURRENT", 20),
			RateLimitRPS:       getEnvAsFloat("GATEWAY_RATE_LIMIT_RPS", 10),
			RateLimitBurst:     getEnvAsInt("GATEWAY_RATE_LIMIT_BURST", 20),
			BreakerMaxFailures: getEnvAsInt("GATEWAY_BREAKER_MAX_FAILURES", 10),
			BreakerCooldown:    getEnvAsDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
		},
		Emission: EmissionSettings{
			RepollMaxAttempts:   getEnvAsInt("EMISSION_REPOLL_MAX_ATTEMPTS", 12),
			RepollInitialDelay:  getEnvAsDuration("EMISSION_REPOLL_INITIAL_DELAY", 5*time.Second),
			RepollMaxDelay:      getEnvAsDuration("EMISSION_REPOLL_MAX_DELAY", 5*time.Minute),
			RepollWorkers:       getEnvAsInt("EMISSION_REPOLL_WORKERS", 4),
			RepollQueueSize:     getEnvAsInt("EMISSION_REPOLL_QUEUE_SIZE", 256),
			SweepInterval:       getEnvAsDuration("EMISSION_SWEEP_INTERVAL", time.Minute),
			SweepBatch:          getEnvAsInt("EMISSION_SWEEP_BATCH", 50),
			DefaultEmail:        getEnv("EMISSION_DEFAULT_EMAIL", "correo@ejemplo.com"),
			CertificatePath:     strings.TrimSpace(os.Getenv("EMISSION_CERT_PATH")),
			CertificatePassword: os.Getenv("EMISSION_CERT_PASSWORD"),
		},
		Redis: RedisSettings{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("EMISSION_LOCK_TTL", 2*time.Minute),
		},
		Cache: CacheSettings{
			IssuerTTL: getEnvAsDuration("ISSUER_CACHE_TTL", 10*time.Minute),
		},
		Metrics: MetricsSettings{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	limit, err := decimal.NewFromString(getEnv("EMISSION_FINAL_CONSUMER_LIMIT", "50.00"))
	if err != nil {
		return cfg, errors.New("invalid config: EMISSION_FINAL_CONSUMER_LIMIT must be a decimal amount")
	}
	if !limit.IsPositive() {
		return cfg, errors.New("invalid config: EMISSION_FINAL_CONSUMER_LIMIT must be greater than 0")
	}
	cfg.Emission.FinalConsumerLimit = limit

	if cfg.Gateway.BaseURL == "" {
		return cfg, errors.New("invalid config: OPEN_FACTURA_API_BASE is required")
	}
	if cfg.Gateway.MaxConcurrent <= 0 {
		return cfg, errors.New("invalid config: GATEWAY_MAX_CONCURRENT must be greater than 0")
	}
	if cfg.Gateway.RateLimitRPS <= 0 {
		return cfg, errors.New("invalid config: GATEWAY_RATE_LIMIT_RPS must be greater than 0")
	}

	if cfg.Emission.RepollMaxAttempts <= 0 {
		return cfg, errors.New("invalid config: EMISSION_REPOLL_MAX_ATTEMPTS must be greater than 0")
	}
	if cfg.Emission.RepollInitialDelay > cfg.Emission.RepollMaxDelay {
		return cfg, errors.New("invalid config: EMISSION_REPOLL_INITIAL_DELAY cannot exceed EMISSION_REPOLL_MAX_DELAY")
	}
	if cfg.Emission.RepollWorkers <= 0 {
		return cfg, errors.New("invalid config: EMISSION_REPOLL_WORKERS must be greater than 0")
	}
	if cfg.Emission.SweepInterval <= 0 {
		return cfg, errors.New("invalid config: EMISSION_SWEEP_INTERVAL must be greater than 0")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.IssuerURI == "" {
			return cfg, errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if cfg.Auth.JWKSetURI == "" {
			return cfg, errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}

	return cfg, nil
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
