package hsource

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates an S3 compatible object store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// NewS3Client creates a minio client for cfg.
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return client, nil
}

// ParseS3URI splits s3://bucket/key into bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not an s3://bucket/key uri", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q has no object key", uri)
	}
	return u.Host, key, nil
}

// OpenS3CSV downloads and parses a CSV object.
func OpenS3CSV(ctx context.Context, client *minio.Client, bucket, key string, opts ...CSVOption) (*CSV, error) {
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	c, err := NewCSV(obj, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
	return c, nil
}

// Open opens a CSV source by location: s3://bucket/key objects are fetched
// through client, anything else is a local path. client may be nil when no
// s3 location is used.
func Open(ctx context.Context, location string, client *minio.Client, opts ...CSVOption) (*CSV, error) {
	if !strings.HasPrefix(location, "s3://") {
		return OpenCSV(location, opts...)
	}
	if client == nil {
		return nil, fmt.Errorf("open %s: no s3 endpoint configured", location)
	}
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	return OpenS3CSV(ctx, client, bucket, key, opts...)
}
