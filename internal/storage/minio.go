package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"visualgen/internal/infra"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	BasePath  string
	// InitAttempts bounds the connect-and-ensure-bucket retries.
	InitAttempts int
	Logger       *infra.Logger
}

// MinioStore writes exported visuals into a bucket.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// NewMinioStore connects and makes sure the bucket exists, retrying with
// exponential backoff while the server comes up.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage: minio bucket is required")
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = 5
	}
	log := infra.OrDiscard(cfg.Logger)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create minio client: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.InitAttempts-1)), ctx)
	err = backoff.RetryNotify(func() error {
		return ensureBucket(ctx, client, cfg.Bucket)
	}, retry, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Str("bucket", cfg.Bucket).Msg("storage: minio not ready")
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio after %d attempts: %w", cfg.InitAttempts, err)
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, basePath: basePath}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Write uploads data as key and returns the object name.
func (s *MinioStore) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectName, err := s.objectName(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object: %w", err)
	}
	return objectName, nil
}

// Location describes where a key lives, for log lines and CLI output.
func (s *MinioStore) Location(key string) string {
	name, err := s.objectName(key)
	if err != nil {
		name = key
	}
	return "s3://" + s.bucket + "/" + name
}

func (s *MinioStore) objectName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	clean := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	clean = strings.TrimLeft(clean, "/")
	if clean == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return s.basePath + clean, nil
}
