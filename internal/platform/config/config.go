package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
}

// WebhooksConfig tunes the delivery pipeline. SecretKey is a hex encoded
// 32 byte key used to encrypt endpoint secrets at rest.
type WebhooksConfig struct {
	SecretKey             string        `mapstructure:"secret_key"`
	UserAgent             string        `mapstructure:"user_agent"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	DefaultTimeoutSeconds int           `mapstructure:"default_timeout_seconds"`
	DefaultRetryCount     int           `mapstructure:"default_retry_count"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	RetrySchedule         string        `mapstructure:"retry_schedule"`
	RetryBatchSize        int           `mapstructure:"retry_batch_size"`
	SweepSchedule         string        `mapstructure:"sweep_schedule"`
	UnprocessedGrace      time.Duration `mapstructure:"unprocessed_grace"`
	MaxResponseBody       int           `mapstructure:"max_response_body"`
	AllowPrivateTargets   bool          `mapstructure:"allow_private_targets"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "file:data/carehub.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_token_ttl", 15*time.Minute)

	v.SetDefault("rate_limit.api_read_per_minute", 1000)
	v.SetDefault("rate_limit.api_write_per_minute", 100)

	v.SetDefault("webhooks.secret_key", "")
	v.SetDefault("webhooks.user_agent", "CareHub-Webhooks/1.0")
	v.SetDefault("webhooks.max_concurrency", 16)
	v.SetDefault("webhooks.default_timeout_seconds", 30)
	v.SetDefault("webhooks.default_retry_count", 3)
	v.SetDefault("webhooks.failure_threshold", 10)
	v.SetDefault("webhooks.retry_schedule", "@every 1m")
	v.SetDefault("webhooks.retry_batch_size", 100)
	v.SetDefault("webhooks.sweep_schedule", "@every 5m")
	v.SetDefault("webhooks.unprocessed_grace", 5*time.Minute)
	v.SetDefault("webhooks.max_response_body", 1000)
	v.SetDefault("webhooks.allow_private_targets", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
}

// Load reads the YAML file at path (if it exists), then applies any .env file
// in the working directory and environment overrides such as WEBHOOKS_SECRET_KEY.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables always win over it
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
