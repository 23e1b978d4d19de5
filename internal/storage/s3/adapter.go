// Package s3 implements the storage backend adapter for S3-compatible
// object stores.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxRetries      int           `yaml:"max_retries"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Adapter stores replicas as S3 objects keyed by content id.
type Adapter struct {
	client  *s3.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// New creates an S3 adapter. Credentials fall back to the default AWS
// chain when not set explicitly, which covers instance roles and
// environment variables.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 bucket must be set")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to load AWS config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Adapter{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.RequestTimeout,
	}, nil
}

func (a *Adapter) Put(ctx context.Context, id types.ContentID, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return a.translate(err, "put", id)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return nil, a.translate(err, "get", id)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeBackendFault, "body read failed for %s", id).
			WithCause(err).WithComponent("s3")
	}
	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, id types.ContentID) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return a.translate(err, "delete", id)
	}
	return nil
}

func (a *Adapter) Stat(ctx context.Context, id types.ContentID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(id)),
	})
	if err != nil {
		return 0, a.translate(err, "stat", id)
	}
	return aws.ToInt64(result.ContentLength), nil
}

// Health probes the bucket with a HeadBucket call.
func (a *Adapter) Health(ctx context.Context) types.BackendHealth {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return types.HealthUnreachable
	}
	return types.HealthHealthy
}

func (a *Adapter) key(id types.ContentID) string {
	return a.prefix + string(id)
}

func (a *Adapter) translate(err error, op string, id types.ContentID) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if stderrors.As(err, &noSuchKey) || stderrors.As(err, &notFound) {
		return errors.Newf(errors.ErrCodeObjectNotFound, "object %s not found", id).
			WithComponent("s3").WithOperation(op)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Newf(errors.ErrCodeConnectionTimeout, "s3 %s timed out for %s", op, id).
			WithCause(err).WithComponent("s3").WithOperation(op)
	}
	return errors.Newf(errors.ErrCodeBackendFault, "s3 %s failed for %s", op, id).
		WithCause(err).WithComponent("s3").WithOperation(op)
}
