// Package evidence stores compliance check evidence in S3 for auditors.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection settings for the evidence bucket.
type Config struct {
	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is the key prefix for all evidence objects.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is an optional custom endpoint (for S3-compatible storage).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials (optional, uses IAM if not set).
	AccessKeyID string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`

	// SecretAccessKey for static credentials.
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`

	// KMSKeyID for KMS encryption.
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// RetryMaxAttempts for failed operations.
	RetryMaxAttempts int `json:"retry_max_attempts" yaml:"retry_max_attempts"`

	// Timeout for individual archive operations.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "sentinel-soar-evidence",
		Prefix:           "evidence/",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("evidence: region is required")
	}
	if c.Bucket == "" {
		return errors.New("evidence: bucket is required")
	}
	return nil
}

// objectAPI is the slice of the S3 API the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive writes evidence records to S3. Satisfies compliance.Archiver.
type Archive struct {
	client  objectAPI
	config  *Config
	logger  *slog.Logger
	metrics archiveMetrics
}

type archiveMetrics struct {
	objectsStored atomic.Int64
	bytesStored   atomic.Int64
	errors        atomic.Int64
}

// New creates an S3-backed evidence archive.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger.With("component", "evidence_archive"),
	}

	a.logger.Info("evidence archive initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
	)

	return a, nil
}

// Archive stores one evidence record and returns its durable s3:// reference.
func (a *Archive) Archive(ctx context.Context, key string, data []byte) (string, error) {
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	fullKey := a.config.Prefix + key
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}

	switch a.config.ServerSideEncryption {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if a.config.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(a.config.KMSKeyID)
		}
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		a.metrics.errors.Add(1)
		return "", fmt.Errorf("evidence: failed to store %s: %w", fullKey, err)
	}

	a.metrics.objectsStored.Add(1)
	a.metrics.bytesStored.Add(int64(len(data)))

	a.logger.Debug("stored evidence", "key", fullKey, "size", len(data))
	return fmt.Sprintf("s3://%s/%s", a.config.Bucket, fullKey), nil
}

// Fetch retrieves a stored evidence record by its key (without the prefix).
func (a *Archive) Fetch(ctx context.Context, key string) ([]byte, error) {
	fullKey := a.config.Prefix + key

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("evidence: failed to fetch %s: %w", fullKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to read %s: %w", fullKey, err)
	}
	return data, nil
}

// Metrics contains archive counters.
type Metrics struct {
	ObjectsStored int64
	BytesStored   int64
	Errors        int64
}

// GetMetrics returns current archive metrics.
func (a *Archive) GetMetrics() Metrics {
	return Metrics{
		ObjectsStored: a.metrics.objectsStored.Load(),
		BytesStored:   a.metrics.bytesStored.Load(),
		Errors:        a.metrics.errors.Load(),
	}
}

// HealthStatus represents the health of the archive connection.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck verifies the evidence bucket is reachable.
func (a *Archive) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{}
	start := time.Now()

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.config.Bucket),
	})
	status.Latency = time.Since(start)

	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Healthy = true
	return status
}
