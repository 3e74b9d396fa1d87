package s3

import "errors"

// Config holds S3 connection configuration for fetching the shared project
// template tree. Supports AWS S3, MinIO, and other S3-compatible storage.
type Config struct {
	// Endpoint is the S3 endpoint URL (e.g., "s3.amazonaws.com" or "minio.local:9000")
	Endpoint string

	// Bucket is the S3 bucket name.
	Bucket string

	// AccessKeyID is the S3 access key ID.
	AccessKeyID string

	// SecretAccessKey is the S3 secret access key.
	SecretAccessKey string

	// Region is the S3 region (default: "us-east-1").
	Region string

	// UseSSL enables HTTPS connections (default: true).
	UseSSL bool
}

// ValidateConfig validates the S3 configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("s3 config is nil")
	}
	if cfg.Endpoint == "" {
		return errors.New("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	if cfg.AccessKeyID == "" {
		return errors.New("s3 accessKeyId is required")
	}
	if cfg.SecretAccessKey == "" {
		return errors.New("s3 secretAccessKey is required")
	}
	return nil
}
