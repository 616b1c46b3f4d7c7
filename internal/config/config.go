package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Owner lock modes
const (
	OwnerLockPostgres = "postgres"
	OwnerLockLocal    = "local"
)

// Object store backends
const (
	StorageBackendS3         = "s3"
	StorageBackendFilesystem = "filesystem"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Processor ProcessorConfig `yaml:"processor"`
	Storage   StorageConfig   `yaml:"storage"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	User                 string        `yaml:"user"`
	Password             string        `yaml:"password"`
	Database             string        `yaml:"database"`
	SSLMode              string        `yaml:"sslmode"`
	MaxOpenConns         int           `yaml:"max_open_conns"`
	MaxIdleConns         int           `yaml:"max_idle_conns"`
	ConnMaxLifetime      time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime      time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries       int           `yaml:"connect_retries"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	AutoMigrate          bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name               string        `yaml:"name"`
	Durable            bool          `yaml:"durable"`
	AutoDelete         bool          `yaml:"auto_delete"`
	Exclusive          bool          `yaml:"exclusive"`
	DeadLetterExchange string        `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string        `yaml:"dead_letter_queue"`
	DeferQueue         string        `yaml:"defer_queue"`
	DeferDelay         time.Duration `yaml:"defer_delay"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	OwnerLock         string        `yaml:"owner_lock"`
}

// RetryConfig is the retry policy of one workflow step. A nil MaxRetries
// takes the step's default.
type RetryConfig struct {
	MaxRetries        *int          `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// Retries returns MaxRetries or def when unset
func (r RetryConfig) Retries(def int) int {
	if r.MaxRetries == nil {
		return def
	}
	return *r.MaxRetries
}

// WorkflowConfig holds per-step retry policies and credit handling
type WorkflowConfig struct {
	Admission      RetryConfig `yaml:"admission"`
	Dispatch       RetryConfig `yaml:"dispatch"`
	Reconcile      RetryConfig `yaml:"reconcile"`
	ConsumeCredits *bool       `yaml:"consume_credits"`
}

// ShouldConsumeCredits reports whether successful dispatches are charged (default true)
func (w WorkflowConfig) ShouldConsumeCredits() bool {
	return w.ConsumeCredits == nil || *w.ConsumeCredits
}

// ProcessorConfig holds the external processing endpoint settings
type ProcessorConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig holds object store settings
type StorageConfig struct {
	Backend  string   `yaml:"backend"`
	BasePath string   `yaml:"base_path"`
	S3       S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible bucket settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PageSize        int32  `yaml:"page_size"`
}

// ReconcileConfig holds output discovery rules
type ReconcileConfig struct {
	PrefixRule     string `yaml:"prefix_rule"`
	Separator      string `yaml:"separator"`
	RequireOutputs bool   `yaml:"require_outputs"`
}

// SweeperConfig holds stale-job sweeper settings
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file. ${VAR} placeholders are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.OwnerLock == "" {
		c.Worker.OwnerLock = OwnerLockPostgres
	}
	if c.Processor.Timeout == 0 {
		c.Processor.Timeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendS3
	}
	if c.Reconcile.PrefixRule == "" {
		c.Reconcile.PrefixRule = "first_segment"
	}
	if c.Reconcile.Separator == "" {
		c.Reconcile.Separator = "/"
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "*/5 * * * *"
	}
	if c.Sweeper.StaleAfter == 0 {
		c.Sweeper.StaleAfter = 15 * time.Minute
	}
	if c.Sweeper.BatchSize == 0 {
		c.Sweeper.BatchSize = 100
	}
}

// validateInfra checks the database and broker sections shared by both services
func (c *Config) validateInfra() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the sections the api-service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateInfra()
}

// ValidateWorkerConfig checks the sections the worker-service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateInfra(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.OwnerLock != OwnerLockPostgres && c.Worker.OwnerLock != OwnerLockLocal {
		return fmt.Errorf("invalid worker owner_lock: %q (must be %q or %q)", c.Worker.OwnerLock, OwnerLockPostgres, OwnerLockLocal)
	}

	for name, r := range map[string]RetryConfig{
		"admission": c.Workflow.Admission,
		"dispatch":  c.Workflow.Dispatch,
		"reconcile": c.Workflow.Reconcile,
	} {
		if r.Retries(0) < 0 {
			return fmt.Errorf("workflow %s max_retries must not be negative", name)
		}
	}

	if c.Processor.Endpoint == "" {
		return fmt.Errorf("processor endpoint is required")
	}

	switch c.Storage.Backend {
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	case StorageBackendFilesystem:
		if c.Storage.BasePath == "" {
			return fmt.Errorf("storage base_path is required for filesystem backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	if c.Reconcile.PrefixRule != "first_segment" && c.Reconcile.PrefixRule != "parent_dir" {
		return fmt.Errorf("invalid reconcile prefix_rule: %q", c.Reconcile.PrefixRule)
	}

	if c.Sweeper.Enabled {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("invalid sweeper schedule %q: %w", c.Sweeper.Schedule, err)
		}
		if c.Sweeper.StaleAfter <= c.Worker.HeartbeatInterval {
			return fmt.Errorf("sweeper stale_after must exceed worker heartbeat_interval")
		}
	}

	return nil
}
