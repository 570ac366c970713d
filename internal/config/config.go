package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type AuditBackend string

const (
	AuditBackendNone     AuditBackend = "none"
	AuditBackendSQLite   AuditBackend = "sqlite"
	AuditBackendPostgres AuditBackend = "postgres"
)

// Config is the broker's full process configuration, assembled once at
// startup from the environment (with a .env file loaded first if present).
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	GPU        GPUConfig
	Reaper     ReaperConfig
	Resilience ResilienceConfig
	Audit      AuditConfig
	Events     EventsConfig
	Admin      AdminConfig
}

// ServerConfig controls the TCP wire endpoint clients dial to allocate and
// release GPUs.
type ServerConfig struct {
	ListenHost string
	ListenPort int
	// HolderPath is the path to the holder child-process binary. Empty
	// means "look next to the running broker binary".
	HolderPath string
}

type LoggingConfig struct {
	// Dir is the directory containing hashpwd.log, the broker's
	// process-wide append-only log.
	Dir   string
	Level string
}

type GPUConfig struct {
	// Inspector selects the Device Inspector backend: "nvml-smi" shells
	// out to nvidia-smi; "mock" drives an in-memory simulated device set
	// for development and tests without GPU hardware.
	Inspector string
	// MockDeviceCount configures the mock inspector's device count.
	MockDeviceCount int
}

type ReaperConfig struct {
	Interval time.Duration
}

type ResilienceConfig struct {
	CircuitBreakerFailureThreshold float64
	CircuitBreakerMinRequests      uint32
	CircuitBreakerTimeout          time.Duration
}

type AuditConfig struct {
	Backend  AuditBackend
	SQLite   SQLiteAuditConfig
	Postgres PostgresAuditConfig
}

type SQLiteAuditConfig struct {
	Path string
}

type PostgresAuditConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type EventsConfig struct {
	RedisEnabled bool
	RedisHost    string
	RedisPort    int
	RedisPass    string
	RedisDB      int
	RedisChannel string
}

type AdminConfig struct {
	Enabled     bool
	ListenAddr  string
	JWTSecret   string
	Environment string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			ListenHost: getEnv("BROKER_LISTEN_HOST", "localhost"),
			ListenPort: getEnvAsInt("BROKER_LISTEN_PORT", 13105),
			HolderPath: getEnv("BROKER_HOLDER_PATH", ""),
		},
		Logging: LoggingConfig{
			Dir:   getEnv("BROKER_LOG_DIR", "/var/log/gpubroker"),
			Level: getEnv("BROKER_LOG_LEVEL", "INFO"),
		},
		GPU: GPUConfig{
			Inspector:       getEnv("BROKER_GPU_INSPECTOR", "nvml-smi"),
			MockDeviceCount: getEnvAsInt("BROKER_MOCK_DEVICE_COUNT", 2),
		},
		Reaper: ReaperConfig{
			Interval: getEnvAsDuration("BROKER_REAPER_INTERVAL", 5*time.Second),
		},
		Resilience: ResilienceConfig{
			CircuitBreakerFailureThreshold: getEnvAsFloat("BROKER_CB_FAILURE_THRESHOLD", 0.6),
			CircuitBreakerMinRequests:      uint32(getEnvAsInt("BROKER_CB_MIN_REQUESTS", 5)),
			CircuitBreakerTimeout:          getEnvAsDuration("BROKER_CB_TIMEOUT", 30*time.Second),
		},
		Audit: AuditConfig{
			Backend: AuditBackend(getEnv("BROKER_AUDIT_BACKEND", "none")),
			SQLite: SQLiteAuditConfig{
				Path: getEnv("BROKER_AUDIT_SQLITE_PATH", "./gpubroker-audit.db"),
			},
			Postgres: PostgresAuditConfig{
				Host:     getEnv("BROKER_AUDIT_PG_HOST", "localhost"),
				Port:     getEnvAsInt("BROKER_AUDIT_PG_PORT", 5432),
				User:     getEnv("BROKER_AUDIT_PG_USER", "postgres"),
				Password: getEnv("BROKER_AUDIT_PG_PASSWORD", ""),
				DBName:   getEnv("BROKER_AUDIT_PG_DBNAME", "gpubroker"),
				SSLMode:  getEnv("BROKER_AUDIT_PG_SSLMODE", "disable"),
			},
		},
		Events: EventsConfig{
			RedisEnabled: getEnvAsBool("BROKER_EVENTS_REDIS_ENABLED", false),
			RedisHost:    getEnv("BROKER_EVENTS_REDIS_HOST", "localhost"),
			RedisPort:    getEnvAsInt("BROKER_EVENTS_REDIS_PORT", 6379),
			RedisPass:    getEnv("BROKER_EVENTS_REDIS_PASSWORD", ""),
			RedisDB:      getEnvAsInt("BROKER_EVENTS_REDIS_DB", 0),
			RedisChannel: getEnv("BROKER_EVENTS_REDIS_CHANNEL", "gpubroker.reservations"),
		},
		Admin: AdminConfig{
			Enabled:     getEnvAsBool("BROKER_ADMIN_ENABLED", true),
			ListenAddr:  getEnv("BROKER_ADMIN_LISTEN_ADDR", "localhost:13180"),
			JWTSecret:   getEnv("BROKER_ADMIN_JWT_SECRET", "changeme"),
			Environment: getEnv("BROKER_ENVIRONMENT", "development"),
		},
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Admin.Enabled && c.Admin.JWTSecret == "changeme" && c.Admin.Environment == "production" {
		return fmt.Errorf("BROKER_ADMIN_JWT_SECRET must be set in production")
	}

	switch c.Audit.Backend {
	case AuditBackendNone, AuditBackendSQLite, AuditBackendPostgres:
	default:
		return fmt.Errorf("invalid audit backend: %s", c.Audit.Backend)
	}

	switch c.GPU.Inspector {
	case "nvml-smi", "mock":
	default:
		return fmt.Errorf("invalid GPU inspector backend: %s", c.GPU.Inspector)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value float64
	if _, err := fmt.Sscanf(valueStr, "%f", &value); err != nil {
		return defaultValue
	}
	return value
}
