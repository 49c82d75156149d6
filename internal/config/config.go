package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"identity-service/internal/util"
)

// Config holds all runtime configuration for the identity service.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Auth          AuthConfig
	Otp           OtpConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	CertFile     string
	KeyFile      string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AuthConfig configures the identity-provider token verifier.
type AuthConfig struct {
	// PEM-encoded RSA public key used to verify provider-issued ID tokens.
	PublicKeyPath string
	Issuer        string
	Audience      string
}

// OtpConfig configures challenge issuance and verification.
type OtpConfig struct {
	// Expiry is the logical lifetime of a code; the Redis ledger keeps
	// entries slightly longer so expiry can be reported distinctly from
	// absence.
	Expiry time.Duration
	// PhoneRegion selects the phone digit pattern: "IN", "US" or empty
	// for the permissive 10-15 digit fallback.
	PhoneRegion string
	EmailFrom   string
	SMSSenderID string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	EmailTopic  string
	SMSTopic    string
	EventsTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL          string
	Username     string
	Password     string
	ProfileIndex string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	ProfileBuckets int
}

var (
	instance *Config
	loadOnce sync.Once
)

// LoadConfig loads configuration from the environment, reading a .env file
// first if one is present.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		instance = &Config{
			Environment: util.GetEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         util.GetEnvInt("SERVER_PORT", 8080),
				ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
				CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
				KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			},
			Logging: LoggingConfig{
				Level:  util.GetEnv("LOG_LEVEL", "info"),
				Format: util.GetEnv("LOG_FORMAT", "json"),
			},
			Auth: AuthConfig{
				PublicKeyPath: util.GetEnv("AUTH_PUBLIC_KEY_PATH", ""),
				Issuer:        util.GetEnv("AUTH_ISSUER", ""),
				Audience:      util.GetEnv("AUTH_AUDIENCE", ""),
			},
			Otp: OtpConfig{
				Expiry:      util.GetEnvDuration("OTP_EXPIRY", 10*time.Minute),
				PhoneRegion: strings.ToUpper(util.GetEnv("PHONE_REGION", "")),
				EmailFrom:   util.GetEnv("OTP_EMAIL_FROM", ""),
				SMSSenderID: util.GetEnv("OTP_SMS_SENDER_ID", ""),
			},
			Redis: RedisConfig{
				URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
				Password: util.GetEnv("REDIS_PASSWORD", ""),
				DB:       util.GetEnvInt("REDIS_DB", 0),
				PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    util.GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "identity"),
				Username: util.GetEnv("SCYLLA_USERNAME", ""),
				Password: util.GetEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:     util.GetEnvList("KAFKA_BROKERS", nil),
				EmailTopic:  util.GetEnv("KAFKA_EMAIL_TOPIC", "otp-email-delivery"),
				SMSTopic:    util.GetEnv("KAFKA_SMS_TOPIC", "otp-sms-delivery"),
				EventsTopic: util.GetEnv("KAFKA_EVENTS_TOPIC", "identity-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      util.GetEnv("CLICKHOUSE_URL", ""),
				Database: util.GetEnv("CLICKHOUSE_DATABASE", "identity_audit"),
				Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:          util.GetEnv("ELASTICSEARCH_URL", ""),
				Username:     util.GetEnv("ELASTICSEARCH_USERNAME", ""),
				Password:     util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
				ProfileIndex: util.GetEnv("ELASTICSEARCH_PROFILE_INDEX", "candidate-profiles"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   util.GetEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:     util.GetEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism:  util.GetEnvInt("ARGON2_PARALLELISM", 4),
				PepperRotationDays: util.GetEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				ProfileBuckets: util.GetEnvInt("PROFILE_BUCKETS", 64),
			},
		}
	})

	return instance
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// GetServerAddress returns the listen address for the HTTP server.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
