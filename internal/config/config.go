package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Provider ProviderConfig `mapstructure:"provider"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Runner   RunnerConfig   `mapstructure:"runner"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
	Debug   bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql or sqlite3
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite3 only
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrations      struct {
		AutoMigrate bool `mapstructure:"auto_migrate"`
	} `mapstructure:"migrations"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type StorageConfig struct {
	Type  string `mapstructure:"type"`
	Local struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"local"`
	S3 struct {
		Bucket       string `mapstructure:"bucket"`
		Region       string `mapstructure:"region"`
		AccessKey    string `mapstructure:"access_key"`
		SecretKey    string `mapstructure:"secret_key"`
		Endpoint     string `mapstructure:"endpoint"`
		Prefix       string `mapstructure:"prefix"`
		UsePathStyle bool   `mapstructure:"use_path_style"`
	} `mapstructure:"s3"`
}

// ProviderConfig points at the mail provider that delivers inbound events and
// serves message bodies and attachments.
type ProviderConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type IngestConfig struct {
	Mode              string        `mapstructure:"mode"` // sync or queue
	AttachmentWorkers int           `mapstructure:"attachment_workers"`
	MaxAttachmentSize int64         `mapstructure:"max_attachment_size"`
	SanitizeHTML      bool          `mapstructure:"sanitize_html"`
	DedupeTTL         time.Duration `mapstructure:"dedupe_ttl"`
	Queue             struct {
		Name    string        `mapstructure:"name"`
		Workers int           `mapstructure:"workers"`
		Block   time.Duration `mapstructure:"block"`
	} `mapstructure:"queue"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	File   struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RunnerConfig struct {
	Enabled         bool                  `mapstructure:"enabled"`
	AttachmentRetry AttachmentRetryConfig `mapstructure:"attachment_retry"`
}

// AttachmentRetryConfig controls the background retry of failed attachments.
type AttachmentRetryConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BatchSize   int           `mapstructure:"batch_size"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key with a default so environment overrides apply
// even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailingest")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mailingest")
	v.SetDefault("database.user", "mailingest")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "mailingest.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local.path", "./data/attachments")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.prefix", "attachments")
	v.SetDefault("storage.s3.use_path_style", false)

	v.SetDefault("provider.base_url", "https://api.resend.com")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.webhook_secret", "")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("provider.retry_backoff", 500*time.Millisecond)

	v.SetDefault("ingest.mode", "sync")
	v.SetDefault("ingest.attachment_workers", 4)
	v.SetDefault("ingest.max_attachment_size", int64(40<<20))
	v.SetDefault("ingest.sanitize_html", false)
	v.SetDefault("ingest.dedupe_ttl", 10*time.Minute)
	v.SetDefault("ingest.queue.name", "mailingest:inbound")
	v.SetDefault("ingest.queue.workers", 2)
	v.SetDefault("ingest.queue.block", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("runner.enabled", true)
	v.SetDefault("runner.attachment_retry.schedule", "@every 1m")
	v.SetDefault("runner.attachment_retry.max_attempts", 5)
	v.SetDefault("runner.attachment_retry.batch_size", 50)
	v.SetDefault("runner.attachment_retry.base_delay", time.Minute)
	v.SetDefault("runner.attachment_retry.timeout", 2*time.Minute)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	SetDefaults(v)

	// Environment variable overrides
	v.SetEnvPrefix("MAILINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()

		// Load default configuration
		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read default config: %w", err)
				return
			}
			err = nil
		}

		// Load environment-specific config (optional)
		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			// It's OK if config.yaml doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if v.ConfigFileUsed() == "" {
			return
		}

		// Watch for config changes
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config %s: %v\n", e.Name, err)
				return
			}
			if err := newCfg.Validate(); err != nil {
				fmt.Printf("Ignoring invalid config %s: %v\n", e.Name, err)
				return
			}

			// Atomic swap
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Printf("Configuration reloaded from %s\n", e.Name)
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Local.Path == "" {
			problems = append(problems, "storage.local.path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not supported", c.Storage.Type))
	}

	if c.Provider.BaseURL == "" {
		problems = append(problems, "provider.base_url is required")
	}
	if c.Provider.APIKey == "" {
		problems = append(problems, "provider.api_key is required")
	}

	switch c.Ingest.Mode {
	case "sync":
	case "queue":
		if !c.Redis.Enabled {
			problems = append(problems, "ingest.mode queue requires redis.enabled")
		}
		if c.Ingest.Queue.Workers <= 0 {
			problems = append(problems, "ingest.queue.workers must be positive")
		}
	default:
		problems = append(problems, fmt.Sprintf("ingest.mode %q is not supported", c.Ingest.Mode))
	}
	if c.Ingest.AttachmentWorkers <= 0 {
		problems = append(problems, "ingest.attachment_workers must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3":
		path := c.Path
		if path == "" {
			path = "mailingest.db"
		}
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// QueueMode reports whether webhook deliveries are handed to queue workers.
func (c *IngestConfig) QueueMode() bool {
	return c.Mode == "queue"
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	cfg = loaded
	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}
