package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"probooking/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Booking    BookingConfig    `yaml:"booking"`
	Dispute    DisputeConfig    `yaml:"dispute"`
	Worker     WorkerConfig     `yaml:"worker"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	HTTP        APIHTTPConfig        `yaml:"http"`
	Auth        APIAuthConfig        `yaml:"auth"`
	RateLimit   APIRateLimitConfig   `yaml:"rate_limit"`
	Idempotency APIIdempotencyConfig `yaml:"idempotency"`
	// BookingQuota caps how many bookings one student may create per window.
	BookingQuota BookingQuotaConfig `yaml:"booking_quota"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type APIIdempotencyConfig struct {
	Header string        `yaml:"header"`
	TTL    time.Duration `yaml:"ttl"`
}

type BookingQuotaConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type BookingConfig struct {
	PaymentHold time.Duration `yaml:"payment_hold"`
}

type DisputeConfig struct {
	ResponseWindow  time.Duration `yaml:"response_window"`
	MediationWindow time.Duration `yaml:"mediation_window"`
	CompletionGrace time.Duration `yaml:"completion_grace"`
	// AutoResolveCustomer resolves escalated disputes for the customer with a full refund
	// once the mediation window passes without an admin decision.
	AutoResolveCustomer bool `yaml:"auto_resolve_customer"`
}

type WorkerConfig struct {
	SweepInterval time.Duration      `yaml:"sweep_interval"`
	Notifications NotificationConfig `yaml:"notifications"`
}

type NotificationConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	RequireAcks  int           `yaml:"require_acks"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads .env (when present), expands ${VARS} inside the YAML file and validates the result.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.API.Auth.Enabled {
		if len(c.API.Auth.APIKeys) == 0 {
			return errors.New("api.auth.api_keys must not be empty when auth is enabled")
		}
		seen := make(map[string]bool, len(c.API.Auth.APIKeys))
		for _, k := range c.API.Auth.APIKeys {
			if strings.TrimSpace(k.Key) == "" || strings.TrimSpace(k.Extra) == "" {
				return fmt.Errorf("api key '%s' must have key and extra", k.Name)
			}
			if seen[k.Key] {
				return fmt.Errorf("duplicate api key for client '%s'", k.Name)
			}
			seen[k.Key] = true
		}
	}

	if c.Dispute.ResponseWindow <= 0 || c.Dispute.MediationWindow <= 0 {
		return errors.New("dispute windows must be positive")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		return errors.New("backup.storage_path is required when backups are enabled")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "probooking"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.Idempotency.Header == "" {
		c.API.Idempotency.Header = "Idempotency-Key"
	}
	if c.API.Idempotency.TTL == 0 {
		c.API.Idempotency.TTL = 24 * time.Hour
	}
	if c.API.BookingQuota.Window == 0 {
		c.API.BookingQuota.Window = time.Hour
	}

	if c.Booking.PaymentHold == 0 {
		c.Booking.PaymentHold = models.DefaultPaymentHold
	}

	if c.Dispute.ResponseWindow == 0 {
		c.Dispute.ResponseWindow = models.DefaultResponseWindow
	}
	if c.Dispute.MediationWindow == 0 {
		c.Dispute.MediationWindow = models.DefaultMediationWindow
	}
	if c.Dispute.CompletionGrace == 0 {
		c.Dispute.CompletionGrace = models.DefaultCompletionGrace
	}

	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = time.Minute
	}
	n := &c.Worker.Notifications
	if n.PollInterval == 0 {
		n.PollInterval = 2 * time.Second
	}
	if n.BatchSize == 0 {
		n.BatchSize = 20
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = 5
	}
	if n.InitialDelay == 0 {
		n.InitialDelay = 2 * time.Second
	}
	if n.MaxDelay == 0 {
		n.MaxDelay = time.Minute
	}
	if n.BackoffFactor == 0 {
		n.BackoffFactor = 2
	}

	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 50 * time.Millisecond
	}
	if c.Kafka.MaxAttempts == 0 {
		c.Kafka.MaxAttempts = 3
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
