package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Storage   ObjectStorageConfig
	Identity  IdentityConfig
	Sync      SyncConfig

	// AdaptersFile points at the externally managed adapter credentials.
	AdaptersFile string
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string

	RateLimitRPS   int
	RateLimitBurst int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

// RedisConfig configures the distributed sync lease. An empty Addr selects
// the in-process locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// KafkaConfig configures the vector trap feed consumer.
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	GroupID  string
	SourceID string
}

// ObjectStorageConfig configures where rendered reports are written.
type ObjectStorageConfig struct {
	Enabled bool
	Bucket  string
	Prefix  string
}

// IdentityConfig holds the secret shared with the upstream auth proxy.
type IdentityConfig struct {
	Secret string
}

// SyncConfig holds the sync engine policy knobs.
type SyncConfig struct {
	CaseDestination     string
	PushBatchSize       int
	AdapterTimeout      time.Duration
	RetryAttempts       int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	ReportableTestTypes []string
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 50),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "surveillance"),
			Password: getEnv("DB_PASSWORD", "surveillance"),
			Database: getEnv("DB_NAME", "surveillance"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LeaseTTL: getEnvDuration("SYNC_LEASE_TTL", 15*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled:  getEnvBool("KAFKA_ENABLED", false),
			Brokers:  getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:    getEnv("KAFKA_VECTOR_TOPIC", "vector-trap-collections"),
			GroupID:  getEnv("KAFKA_GROUP_ID", "surveillance-vector-ingest"),
			SourceID: getEnv("KAFKA_VECTOR_SOURCE_ID", "vector-feed"),
		},
		Storage: ObjectStorageConfig{
			Enabled: getEnvBool("REPORT_STORAGE_ENABLED", false),
			Bucket:  getEnv("REPORT_STORAGE_BUCKET", "surveillance-reports"),
			Prefix:  getEnv("REPORT_STORAGE_PREFIX", "reports"),
		},
		Identity: IdentityConfig{
			Secret: getEnv("IDENTITY_SECRET", "dev-identity-secret-change-in-prod"),
		},
		Sync: SyncConfig{
			CaseDestination:     getEnv("SYNC_CASE_DESTINATION", "nedss"),
			PushBatchSize:       getEnvInt("SYNC_PUSH_BATCH_SIZE", 50),
			AdapterTimeout:      getEnvDuration("SYNC_ADAPTER_TIMEOUT", 60*time.Second),
			RetryAttempts:       getEnvInt("SYNC_RETRY_ATTEMPTS", 3),
			RetryInitialBackoff: getEnvDuration("SYNC_RETRY_INITIAL_BACKOFF", 2*time.Second),
			RetryMaxBackoff:     getEnvDuration("SYNC_RETRY_MAX_BACKOFF", 30*time.Second),
			ReportableTestTypes: getEnvSlice("REPORTABLE_TEST_TYPES", nil),
		},
		AdaptersFile: getEnv("ADAPTERS_CONFIG", "adapters.yaml"),
	}

	if cfg.Sync.PushBatchSize <= 0 {
		return nil, fmt.Errorf("SYNC_PUSH_BATCH_SIZE must be positive")
	}
	if cfg.IsProduction() && strings.HasPrefix(cfg.Identity.Secret, "dev-") {
		return nil, fmt.Errorf("IDENTITY_SECRET must be set in production")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
