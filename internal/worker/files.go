package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"orderdesk/internal/config"
)

// FileStore persists rendered documents and returns where they ended up.
type FileStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewFileStore picks S3 when a bucket is configured, local disk otherwise.
func NewFileStore(ctx context.Context, cfg config.Config) (FileStore, error) {
	if cfg.FileS3Bucket == "" {
		baseDir := cfg.FileOutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		return &LocalFileStore{BaseDir: baseDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3FileStore{client: client, bucket: cfg.FileS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.FileS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.FileS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.FileS3Endpoint)
		}
		o.UsePathStyle = cfg.FileS3PathStyle
	}), nil
}

// LocalFileStore writes files under BaseDir.
type LocalFileStore struct {
	BaseDir string
}

func (l *LocalFileStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3FileStore uploads files to a bucket.
type S3FileStore struct {
	client *s3.Client
	bucket string
}

func (s *S3FileStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
