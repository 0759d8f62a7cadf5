// Package config reads the settings of the client and the signing server from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal/storage"
	"github.com/gostones/s3queue/internal/upload"
)

// Config is parsed from environment variables.
type Config struct {
	// AWS credentials are read from environment variables
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	BucketName      string `env:"AWS_BUCKET_NAME"`
	Region          string `env:"AWS_REGION" envDefault:"us-west-2"`
	Endpoint        string `env:"AWS_ENDPOINT"`
	ForcePathStyle  bool   `env:"AWS_S3_FORCE_PATH_STYLE" envDefault:"false"`

	ChunkSizeMB   int           `env:"S3UPLOAD_CHUNK_SIZE_MB" envDefault:"100"`
	Concurrency   int           `env:"S3UPLOAD_CONCURRENCY" envDefault:"0"`
	PresignExpiry time.Duration `env:"S3UPLOAD_PRESIGN_EXPIRY" envDefault:"15m"`
	AbortOnCancel bool          `env:"S3UPLOAD_ABORT_ON_CANCEL" envDefault:"true"`
	Checksum      bool          `env:"S3UPLOAD_CHECKSUM" envDefault:"false"`
	KeyPrefix     string        `env:"S3UPLOAD_KEY_PREFIX" envDefault:"uploads/"`
	ServerURL     string        `env:"S3UPLOAD_SERVER_URL"`
	Port          int           `env:"S3UPLOAD_PORT" envDefault:"4000"`
	LogLevel      string        `env:"S3UPLOAD_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing env variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ChunkSize() < upload.MinChunkSize {
		return fmt.Errorf("chunk size %d MB is below the 5 MB minimum part size", c.ChunkSizeMB)
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ChunkSize is the part size in bytes.
func (c *Config) ChunkSize() int64 {
	return int64(c.ChunkSizeMB) * upload.MiB
}

// S3 returns the settings of a backend signing with local credentials.
func (c *Config) S3() storage.S3Config {
	return storage.S3Config{
		Bucket:          c.BucketName,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		ForcePathStyle:  c.ForcePathStyle,
		PresignExpiry:   c.PresignExpiry,
	}
}

// Backend returns the signing server client when ServerURL is set, S3 otherwise.
func (c *Config) Backend(log logrus.FieldLogger) (storage.Backend, error) {
	if c.ServerURL != "" {
		return storage.NewRemoteBackend(c.ServerURL), nil
	}
	return storage.NewS3Backend(c.S3(), log)
}

func (c *Config) UploadOptions(log logrus.FieldLogger) upload.Options {
	return upload.Options{
		ChunkSize:     c.ChunkSize(),
		Concurrency:   c.Concurrency,
		AbortOnCancel: c.AbortOnCancel,
		Checksum:      c.Checksum,
		Log:           log,
	}
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
