package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps minio-go for fetching the template tree into a local cache
// directory.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient creates a new S3 client from configuration.
func NewClient(cfg *Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// FetchTree downloads every object under prefix into destDir, preserving
// the path relative to prefix, and returns the number of files written.
// Used once at daemon startup to pull the project template tree from a
// shared bucket instead of relying on a pre-seeded local directory.
func (c *Client) FetchTree(ctx context.Context, prefix, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("prepare template cache dir: %w", err)
	}

	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	count := 0
	for obj := range c.mc.ListObjects(ctx, c.bucket, opts) {
		if obj.Err != nil {
			return count, fmt.Errorf("list s3://%s/%s: %w", c.bucket, prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")
		if rel == "" {
			continue
		}
		if err := c.downloadObject(ctx, obj.Key, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (c *Client) downloadObject(ctx context.Context, key, destPath string) error {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", c.bucket, key, err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("prepare dir for %s: %w", destPath, err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, obj); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
