package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQL store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, mysql, sqlite3
	Path            string        `yaml:"path"`   // sqlite3 only
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	Exchange         ExchangeConfig   `yaml:"exchange"`
	Queue            QueueConfig      `yaml:"queue"`
	RoutingKey       string           `yaml:"routing_key"`        // enrichment requests
	EventsRoutingKey string           `yaml:"events_routing_key"` // job lifecycle events
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
	Consumer         ConsumerConfig   `yaml:"consumer"`
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
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
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
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ConsumerTag     string        `yaml:"consumer_tag"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobsConfig holds job queue configuration
type JobsConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// IngestionConfig holds CSV/XLSX/SQL ingestion settings
type IngestionConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	MaxColumns      int    `yaml:"max_columns"`
	ErrorSampleSize int    `yaml:"error_sample_size"`
	MinProgress     int    `yaml:"min_progress"`
	DefaultSchema   string `yaml:"default_schema"`
	UploadDir       string `yaml:"upload_dir"`
	MaxUploadSize   int64  `yaml:"max_upload_size"`
}

// EnrichmentConfig holds CDR enrichment and tower lookup settings
type EnrichmentConfig struct {
	BaseDir     string   `yaml:"base_dir"`
	TowerTables []string `yaml:"tower_tables"`
	TowerSchema string   `yaml:"tower_schema"`
	ChunkSize   int      `yaml:"chunk_size"`
}

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// Defaults applied by Load to settings left empty
const (
	DefaultBatchSize       = 500
	DefaultMaxColumns      = 200
	DefaultErrorSampleSize = 10
	DefaultMinProgress     = 1
	DefaultSchema          = "autres"
	DefaultChunkSize       = 500
	DefaultMaxUploadSize   = 512 << 20
)

// DefaultTowerTables lists generation tables from most to least recent
var DefaultTowerTables = []string{"5g", "4g", "3g", "2g"}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Ingestion.BatchSize == 0 {
		c.Ingestion.BatchSize = DefaultBatchSize
	}
	if c.Ingestion.MaxColumns == 0 {
		c.Ingestion.MaxColumns = DefaultMaxColumns
	}
	if c.Ingestion.ErrorSampleSize == 0 {
		c.Ingestion.ErrorSampleSize = DefaultErrorSampleSize
	}
	if c.Ingestion.MinProgress == 0 {
		c.Ingestion.MinProgress = DefaultMinProgress
	}
	if c.Ingestion.DefaultSchema == "" {
		c.Ingestion.DefaultSchema = DefaultSchema
	}
	if c.Ingestion.UploadDir == "" {
		c.Ingestion.UploadDir = os.TempDir()
	}
	if c.Ingestion.MaxUploadSize == 0 {
		c.Ingestion.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.Enrichment.BaseDir == "" {
		c.Enrichment.BaseDir = "."
	}
	if len(c.Enrichment.TowerTables) == 0 {
		c.Enrichment.TowerTables = append([]string(nil), DefaultTowerTables...)
	}
	if c.Enrichment.ChunkSize == 0 {
		c.Enrichment.ChunkSize = DefaultChunkSize
	}
}

// ApplyEnv overrides ingestion and enrichment settings from the environment
func (c *Config) ApplyEnv() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"CSV_BATCH_SIZE", &c.Ingestion.BatchSize},
		{"CSV_MAX_COLUMNS", &c.Ingestion.MaxColumns},
		{"CSV_ERROR_SAMPLE_SIZE", &c.Ingestion.ErrorSampleSize},
		{"CSV_MIN_PROGRESS", &c.Ingestion.MinProgress},
		{"BTS_CHUNK_SIZE", &c.Enrichment.ChunkSize},
	}
	for _, v := range ints {
		raw, ok := os.LookupEnv(v.key)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not an integer", v.key, raw)
		}
		*v.dst = n
	}

	if dir := os.Getenv("ENRICH_BASE_DIR"); dir != "" {
		c.Enrichment.BaseDir = dir
	}
	return nil
}

// RabbitMQEnabled reports whether a broker is configured
func (c *Config) RabbitMQEnabled() bool {
	return c.RabbitMQ.Host != ""
}

// ValidateAPIConfig checks the settings the API service needs. The broker
// is optional for the API; job events are only published when it is set.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQEnabled() {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	return c.validatePipeline()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validatePipeline()
}

// ValidateCLIConfig checks the settings the command line tool needs
func (c *Config) ValidateCLIConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
		return nil
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
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

func (c *Config) validatePipeline() error {
	in := c.Ingestion
	if in.BatchSize <= 0 {
		return fmt.Errorf("ingestion batch_size must be greater than 0")
	}
	if in.MaxColumns <= 0 {
		return fmt.Errorf("ingestion max_columns must be greater than 0")
	}
	if in.ErrorSampleSize < 0 {
		return fmt.Errorf("ingestion error_sample_size must not be negative")
	}
	if in.MinProgress < 0 || in.MinProgress > 99 {
		return fmt.Errorf("ingestion min_progress must be between 0 and 99")
	}

	if c.Enrichment.ChunkSize <= 0 {
		return fmt.Errorf("enrichment chunk_size must be greater than 0")
	}
	if len(c.Enrichment.TowerTables) == 0 {
		return fmt.Errorf("enrichment tower_tables must not be empty")
	}

	return nil
}
