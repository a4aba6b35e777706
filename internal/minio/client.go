// Package minio stores generated job results in a MinIO or S3 compatible
// bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rossigee/reelforge/internal/retry"
	"github.com/sirupsen/logrus"
)

// DefaultURLExpiry is the lifetime of presigned result URLs
const DefaultURLExpiry = 24 * time.Hour

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	// PublicURL, when set, is used to build object URLs instead of presigning
	PublicURL string
	URLExpiry time.Duration
	Retry     retry.Config
}

// ConfigFromEnv reads MinIO settings from the environment
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    os.Getenv("MINIO_BUCKET"),
		Region:    os.Getenv("MINIO_REGION"),
		PublicURL: strings.TrimRight(os.Getenv("MINIO_PUBLIC_URL"), "/"),
		URLExpiry: DefaultURLExpiry,
		Retry: retry.ParseConfig(
			os.Getenv("MINIO_RETRY_ATTEMPTS"),
			os.Getenv("MINIO_RETRY_BACKOFF_MS"),
			retry.Config{MaxAttempts: 3, Delays: []time.Duration{200 * time.Millisecond, time.Second}},
		),
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:9000"
	}
	if cfg.AccessKey == "" {
		// Also check for AWS/MinIO standard variable name
		cfg.AccessKey = os.Getenv("MINIO_ACCESS_KEY_ID")
	}
	if cfg.SecretKey == "" {
		// Also check for AWS/MinIO standard variable name
		cfg.SecretKey = os.Getenv("MINIO_SECRET_ACCESS_KEY")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "reelforge"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	logrus.WithFields(logrus.Fields{
		"MINIO_ENDPOINT":   cfg.Endpoint,
		"MINIO_BUCKET":     cfg.Bucket,
		"MINIO_PUBLIC_URL": cfg.PublicURL,
		"accessKey_found":  cfg.AccessKey != "",
		"secretKey_found":  cfg.SecretKey != "",
	}).Debug("MinIO environment variable check")

	if cfg.AccessKey == "" {
		return Config{}, fmt.Errorf("MINIO_ACCESS_KEY or MINIO_ACCESS_KEY_ID environment variable is required")
	}
	if cfg.SecretKey == "" {
		return Config{}, fmt.Errorf("MINIO_SECRET_KEY or MINIO_SECRET_ACCESS_KEY environment variable is required")
	}
	return cfg, nil
}

// Client uploads objects to a single bucket
type Client struct {
	minioClient *minio.Client
	bucket      string
	publicURL   string
	urlExpiry   time.Duration
	retry       retry.Config
}

// NewClient creates a new MinIO client
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': %w (expected format: https://hostname:port)", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT '%s': missing hostname", cfg.Endpoint)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	minioClient, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client for %s: %w", u.Host, err)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}

	return &Client{
		minioClient: minioClient,
		bucket:      cfg.Bucket,
		publicURL:   cfg.PublicURL,
		urlExpiry:   expiry,
		retry:       cfg.Retry,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minioClient.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.minioClient.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
	}
	logrus.WithField("bucket", c.bucket).Info("Created object storage bucket")
	return nil
}

// Put uploads data under key and returns the stored key
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectName, err := objectKey(key)
	if err != nil {
		return "", err
	}

	err = retry.WithRetry(ctx, c.retry, func() error {
		_, putErr := c.minioClient.PutObject(ctx, c.bucket, objectName,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType},
		)
		if putErr != nil {
			logrus.WithError(putErr).WithField("object", objectName).Warn("Object upload attempt failed")
		}
		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}

	return objectName, nil
}

// URL returns a URL clients can fetch the object from
func (c *Client) URL(ctx context.Context, key string) (string, error) {
	objectName, err := objectKey(key)
	if err != nil {
		return "", err
	}

	if c.publicURL != "" {
		return c.publicURL + "/" + c.bucket + "/" + objectName, nil
	}

	u, err := c.minioClient.PresignedGetObject(ctx, c.bucket, objectName, c.urlExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", objectName, err)
	}
	return u.String(), nil
}

// objectKey normalizes a key into an object name
func objectKey(key string) (string, error) {
	parts := strings.Split(strings.Trim(strings.ReplaceAll(key, "\\", "/"), "/"), "/")
	kept := parts[:0]
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("invalid object key: %s", key)
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return strings.Join(kept, "/"), nil
}
