package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// global configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Platform  string          `mapstructure:"platform"`
	Twitter   TwitterConfig   `mapstructure:"twitter"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// HTTP API server configuration
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
}

// logging configuration
type LoggerConfig struct {
	Directory  string            `mapstructure:"directory"`
	Rotation   LogRotationConfig `mapstructure:"rotation"`
	Timezone   string            `mapstructure:"timezone"`
	TimeFormat string            `mapstructure:"time_format"`
	Level      string            `mapstructure:"level"`
}

// log rotation settings
type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// DatabaseConfig selects one of the supported gorm drivers.
// For sqlite, Path is the database file; DSN overrides everything else when set.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Charset  string `mapstructure:"charset"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
	LogLevel string `mapstructure:"log_level"`
	// SQLLogFile sends statement traces to their own rotating file
	SQLLogFile bool `mapstructure:"sql_log_file"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// X (Twitter) API v2 settings
type TwitterConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	// ConsumerKey and ConsumerSecret enable OAuth 1.0a request signing
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	// UserToken and UserSecret serve owners without linked credentials
	UserToken  string        `mapstructure:"user_token"`
	UserSecret string        `mapstructure:"user_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Telegram channel settings
type TelegramConfig struct {
	Token          string `mapstructure:"token"`
	APIServer      string `mapstructure:"api_server"`
	DefaultChannel int64  `mapstructure:"default_channel"`
}

// SchedulerConfig drives the poll loop and the retry policy of the executor.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// caller identity settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

const (
	PlatformTwitter  = "twitter"
	PlatformTelegram = "telegram"
)

var cfg *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("XTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	log.Printf("Using config file: %s", v.ConfigFileUsed())

	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg = loaded
	return cfg, nil
}

// Default returns the configuration built from defaults only. Used by tests
// and by tools that run without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c, err := decode(v)
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return c
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

func Get() *Config {
	if cfg == nil {
		log.Fatal("Configuration not initialized, call Load() first")
	}
	return cfg
}

// Validate checks the settings that would otherwise break the scheduler at runtime.
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformTwitter, PlatformTelegram:
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	s := c.Scheduler
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if s.BatchSize <= 0 || s.Concurrency <= 0 {
		return fmt.Errorf("scheduler.batch_size and scheduler.concurrency must be positive")
	}
	if s.CallTimeout <= 0 {
		return fmt.Errorf("scheduler.call_timeout must be positive")
	}
	// a lease that can expire while the external call is still running would
	// let a second worker claim the same request
	if s.LeaseDuration < 2*s.CallTimeout {
		return fmt.Errorf("scheduler.lease_duration (%s) must be at least twice scheduler.call_timeout (%s)", s.LeaseDuration, s.CallTimeout)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be positive")
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("scheduler.backoff_base must be positive and not above scheduler.backoff_max")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", "0.0.0.0:8080")
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")

	v.SetDefault("logger.directory", "logs")
	v.SetDefault("logger.rotation.max_size", 10)
	v.SetDefault("logger.rotation.max_backups", 30)
	v.SetDefault("logger.rotation.max_age", 90)
	v.SetDefault("logger.rotation.compress", true)
	v.SetDefault("logger.timezone", "Local")
	v.SetDefault("logger.time_format", "2006/01/02 15:04:05")
	v.SetDefault("logger.level", "INFO")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "xthreadcraft.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.sslmode", "require")
	v.SetDefault("database.log_level", "WARNING")
	v.SetDefault("database.sql_log_file", false)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("platform", PlatformTwitter)

	v.SetDefault("twitter.api_base_url", "https://api.twitter.com")
	v.SetDefault("twitter.timeout", 15*time.Second)
	// empty defaults let XTC_* variables supply secrets absent from the file
	v.SetDefault("twitter.consumer_key", "")
	v.SetDefault("twitter.consumer_secret", "")
	v.SetDefault("twitter.user_token", "")
	v.SetDefault("twitter.user_secret", "")

	v.SetDefault("telegram.api_server", "https://api.telegram.org")
	v.SetDefault("telegram.token", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.call_timeout", 10*time.Second)
	v.SetDefault("scheduler.lease_duration", 2*time.Minute)
	v.SetDefault("scheduler.max_attempts", 8)
	v.SetDefault("scheduler.max_age", 24*time.Hour)
	v.SetDefault("scheduler.backoff_base", 30*time.Second)
	v.SetDefault("scheduler.backoff_max", 30*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "xthreadcraft")
}
