package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"codehakam/internal/common/mq"
	"codehakam/internal/common/storage"
	"codehakam/internal/judge/sandbox"
	"codehakam/internal/judge/service"
	"codehakam/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8083"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultJobQueue      = "judge.submissions"
	defaultJobTTL        = 5 * time.Minute
	defaultMaxPriority   = 10
	defaultDeadLetter    = "judge.failed"
	defaultEventExchange = "codehakam.events"

	defaultWorkerCount   = 4
	defaultWorkerTimeout = 60 * time.Second
	defaultQueueLimit    = 1000
	defaultRateLimit     = 10
	defaultRateWindow    = time.Minute

	defaultBundleRoot = "/var/lib/codehakam/bundles"
	defaultCheckerDir = "/var/lib/codehakam/checkers"
	defaultBucket     = "codehakam"
	defaultJWTIssuer  = "codehakam"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DatabaseConfig holds database settings. Postgres URLs and plain MySQL DSNs
// are both accepted; the scheme picks the driver.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ValkeyConfig holds Valkey settings.
type ValkeyConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// RabbitMQConfig holds broker settings.
type RabbitMQConfig struct {
	URL                string        `yaml:"url"`
	QueueName          string        `yaml:"queueName"`
	MaxPriority        int           `yaml:"maxPriority"`
	JobTTL             time.Duration `yaml:"jobTTL"`
	DeadLetterExchange string        `yaml:"deadLetterExchange"`
	DeadLetterQueue    string        `yaml:"deadLetterQueue"`
	EventExchange      string        `yaml:"eventExchange"`
	PrefetchCount      int           `yaml:"prefetchCount"`
	DialTimeout        time.Duration `yaml:"dialTimeout"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	ReconnectDelay     time.Duration `yaml:"reconnectDelay"`
	MaxReconnectDelay  time.Duration `yaml:"maxReconnectDelay"`
	PublishTimeout     time.Duration `yaml:"publishTimeout"`
}

// BundleConfig holds test-data cache settings.
type BundleConfig struct {
	RootDir    string        `yaml:"rootDir"`
	CheckerDir string        `yaml:"checkerDir"`
	TTL        time.Duration `yaml:"ttl"`
	LockWait   time.Duration `yaml:"lockWait"`
	MaxEntries int           `yaml:"maxEntries"`
	MaxBytes   int64         `yaml:"maxBytes"`
}

// WorkerConfig holds judge pool settings.
type WorkerConfig struct {
	Count   int           `yaml:"count"`
	Timeout time.Duration `yaml:"timeout"`
}

// IntakeConfig holds submission intake settings.
type IntakeConfig struct {
	MaxQueueSize int           `yaml:"maxQueueSize"`
	RateLimit    int           `yaml:"rateLimit"`
	RateWindow   time.Duration `yaml:"rateWindow"`
	SourceBucket string        `yaml:"sourceBucket"`
}

// AuthConfig holds admin token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
}

// TimeoutsConfig bounds calls to each backing service.
type TimeoutsConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// AppConfig holds execution-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database DatabaseConfig      `yaml:"database"`
	Valkey   ValkeyConfig        `yaml:"valkey"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	RabbitMQ RabbitMQConfig      `yaml:"rabbitmq"`
	Sandbox  sandbox.Config      `yaml:"sandbox"`
	Bundle   BundleConfig        `yaml:"bundle"`
	Worker   WorkerConfig        `yaml:"worker"`
	Intake   IntakeConfig        `yaml:"intake"`
	Auth     AuthConfig          `yaml:"auth"`
	Timeouts TimeoutsConfig      `yaml:"timeouts"`
}

// loadAppConfig reads the optional yaml file, layers the platform environment
// variables over it and applies defaults. DATABASE_URL, RABBITMQ_URL and
// JWT_SECRET must be present one way or the other.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file failed: %w", err)
		}
	case os.IsNotExist(err) && path == defaultConfigPath:
		// The config file is optional; the environment can carry everything.
	default:
		return nil, fmt.Errorf("read config file failed: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is required (RABBITMQ_URL)")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required (JWT_SECRET)")
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	envString("DATABASE_URL", &cfg.Database.URL)
	envString("VALKEY_URL", &cfg.Valkey.URL)
	envString("VALKEY_PASSWORD", &cfg.Valkey.Password)
	envString("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	envString("RABBITMQ_QUEUE_NAME", &cfg.RabbitMQ.QueueName)
	envString("MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	envString("MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	envString("MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	envString("MINIO_BUCKET_NAME", &cfg.MinIO.Bucket)
	envString("ISOLATE_PATH", &cfg.Sandbox.IsolatePath)
	envString("ISOLATE_BOX_ROOT", &cfg.Sandbox.BoxRoot)
	envString("JWT_SECRET", &cfg.Auth.JWTSecret)

	if err := envBool("MINIO_USE_SSL", &cfg.MinIO.UseSSL); err != nil {
		return err
	}
	if err := envInt("RABBITMQ_PREFETCH_COUNT", &cfg.RabbitMQ.PrefetchCount); err != nil {
		return err
	}
	if err := envInt("WORKER_COUNT", &cfg.Worker.Count); err != nil {
		return err
	}
	if err := envInt("MAX_QUEUE_SIZE", &cfg.Intake.MaxQueueSize); err != nil {
		return err
	}
	if err := envSeconds("WORKER_TIMEOUT_SECONDS", &cfg.Worker.Timeout); err != nil {
		return err
	}
	if port := os.Getenv("SERVICE_PORT"); port != "" {
		cfg.Server.Addr = net.JoinHostPort("0.0.0.0", port)
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.RabbitMQ.QueueName == "" {
		cfg.RabbitMQ.QueueName = defaultJobQueue
	}
	if cfg.RabbitMQ.MaxPriority <= 0 {
		cfg.RabbitMQ.MaxPriority = defaultMaxPriority
	}
	if cfg.RabbitMQ.JobTTL <= 0 {
		cfg.RabbitMQ.JobTTL = defaultJobTTL
	}
	if cfg.RabbitMQ.DeadLetterExchange == "" {
		cfg.RabbitMQ.DeadLetterExchange = defaultDeadLetter
	}
	if cfg.RabbitMQ.EventExchange == "" {
		cfg.RabbitMQ.EventExchange = defaultEventExchange
	}
	if cfg.RabbitMQ.PrefetchCount < 1 {
		cfg.RabbitMQ.PrefetchCount = 1
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = defaultBucket
	}
	if cfg.Bundle.RootDir == "" {
		cfg.Bundle.RootDir = defaultBundleRoot
	}
	if cfg.Bundle.CheckerDir == "" {
		cfg.Bundle.CheckerDir = defaultCheckerDir
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = defaultWorkerCount
	}
	if cfg.Worker.Timeout <= 0 {
		cfg.Worker.Timeout = defaultWorkerTimeout
	}
	if cfg.Intake.MaxQueueSize <= 0 {
		cfg.Intake.MaxQueueSize = defaultQueueLimit
	}
	if cfg.Intake.RateLimit <= 0 {
		cfg.Intake.RateLimit = defaultRateLimit
	}
	if cfg.Intake.RateWindow <= 0 {
		cfg.Intake.RateWindow = defaultRateWindow
	}
	if cfg.Intake.SourceBucket == "" {
		cfg.Intake.SourceBucket = cfg.MinIO.Bucket
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = defaultJWTIssuer
	}
	if cfg.Timeouts.DB <= 0 {
		cfg.Timeouts.DB = 5 * time.Second
	}
	if cfg.Timeouts.Cache <= 0 {
		cfg.Timeouts.Cache = 2 * time.Second
	}
	if cfg.Timeouts.MQ <= 0 {
		cfg.Timeouts.MQ = 5 * time.Second
	}
	if cfg.Timeouts.Storage <= 0 {
		cfg.Timeouts.Storage = 15 * time.Second
	}
}

func envString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func envInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s failed: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s failed: %w", key, err)
	}
	*dst = time.Duration(parsed) * time.Second
	return nil
}

func envBool(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s failed: %w", key, err)
	}
	*dst = parsed
	return nil
}

func (r RabbitMQConfig) toMQConfig() mq.RabbitConfig {
	return mq.RabbitConfig{
		URL:                r.URL,
		ConnectionName:     "execution-service",
		JobQueue:           r.QueueName,
		JobMaxPriority:     uint8(r.MaxPriority),
		JobTTL:             r.JobTTL,
		DeadLetterExchange: r.DeadLetterExchange,
		DeadLetterQueue:    r.DeadLetterQueue,
		EventExchange:      r.EventExchange,
		DialTimeout:        r.DialTimeout,
		Heartbeat:          r.Heartbeat,
		ReconnectDelay:     r.ReconnectDelay,
		MaxReconnectDelay:  r.MaxReconnectDelay,
		PublishTimeout:     r.PublishTimeout,
	}
}

func (t TimeoutsConfig) toServiceTimeouts() service.Timeouts {
	return service.Timeouts{
		DB:      t.DB,
		Cache:   t.Cache,
		MQ:      t.MQ,
		Storage: t.Storage,
	}
}
