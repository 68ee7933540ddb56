package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// The values are read by Viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	S3       S3Config       `mapstructure:"s3"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Database drivers understood by DatabaseConfig.Driver.
const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URI    string `mapstructure:"uri"`
	Name   string `mapstructure:"name"`
	Path   string `mapstructure:"path"` // sqlite file
}

type S3Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	BucketName      string        `mapstructure:"bucket_name"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	PresignExpiry   time.Duration `mapstructure:"presign_expiry"`
}

// JWTConfig holds the signing secret of the hosted auth provider.
// Tokens are only verified here, never issued.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// OpenAIConfig describes the chat-completion endpoint used for plan generation.
// The batch settings drive chunk processing, the interactive ones the
// single-shot endpoint.
type OpenAIConfig struct {
	BaseURL              string        `mapstructure:"base_url"`
	APIKey               string        `mapstructure:"api_key"`
	Model                string        `mapstructure:"model"`
	InteractiveModel     string        `mapstructure:"interactive_model"`
	MaxTokens            int           `mapstructure:"max_tokens"`
	InteractiveMaxTokens int           `mapstructure:"interactive_max_tokens"`
	Temperature          float64       `mapstructure:"temperature"`
	Timeout              time.Duration `mapstructure:"timeout"`
	InteractiveTimeout   time.Duration `mapstructure:"interactive_timeout"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
}

// Queue kinds understood by WorkerConfig.Queue.
const (
	QueueMemory = "memory"
	QueueNATS   = "nats"
)

type WorkerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	MaxRun             time.Duration `mapstructure:"max_run"`
	ChainLimit         int           `mapstructure:"chain_limit"`
	PurgeStaleSiblings bool          `mapstructure:"purge_stale_siblings"`
	Queue              string        `mapstructure:"queue"`
	NATSURL            string        `mapstructure:"nats_url"`
	NATSSubject        string        `mapstructure:"nats_subject"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// server.address -> SERVER_ADDRESS, openai.api_key -> OPENAI_API_KEY
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	setDefaults(v)

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// Running on env vars and defaults only.
		err = nil
	} else if err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	if err = config.Validate(); err != nil {
		return
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "2m")

	v.SetDefault("database.driver", DriverMongo)
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "runplan")
	v.SetDefault("database.path", "runplan.db")

	// Keys without a real default still need registering so that
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("jwt.secret", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.bucket_name", "")

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("s3.presign_expiry", "15m")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4-1106-preview")
	v.SetDefault("openai.interactive_model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 4096)
	v.SetDefault("openai.interactive_max_tokens", 2048)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", "90s")
	v.SetDefault("openai.interactive_timeout", "25s")
	v.SetDefault("openai.rate_limit_per_minute", 60)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.interval", "2m")
	v.SetDefault("worker.max_run", "15m")
	v.SetDefault("worker.chain_limit", 16)
	v.SetDefault("worker.purge_stale_siblings", true)
	v.SetDefault("worker.queue", QueueMemory)
	v.SetDefault("worker.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("worker.nats_subject", "runplan.chunks.pending")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks the settings the server cannot start without.
func (c Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret must be set")
	}
	switch c.Database.Driver {
	case DriverMongo, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Worker.Queue {
	case QueueMemory, QueueNATS:
	default:
		return fmt.Errorf("unknown worker.queue %q", c.Worker.Queue)
	}
	if !c.Worker.Enabled && c.Worker.Queue == QueueMemory {
		// Nobody else can read an in-process queue.
		return errors.New("worker.enabled=false requires worker.queue=nats")
	}
	if c.OpenAI.Timeout <= 0 || c.OpenAI.InteractiveTimeout <= 0 {
		return errors.New("openai timeouts must be positive")
	}
	if c.Worker.Interval <= 0 || c.Worker.MaxRun <= 0 {
		return errors.New("worker.interval and worker.max_run must be positive")
	}
	return nil
}
