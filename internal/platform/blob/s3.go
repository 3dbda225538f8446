// Package blob stores uploaded files in S3-compatible object storage.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Config describes an S3-compatible bucket.
type Config struct {
	Endpoint string
	Region   string
	Bucket   string
	KeyID    string
	Secret   string
}

// Enabled reports whether enough settings are present to talk to a bucket.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.KeyID != "" && c.Secret != ""
}

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store uploads objects and hands out presigned download links.
type S3Store struct {
	client  objectAPI
	presign presignAPI
	bucket  string
}

// NewS3Store returns a store for cfg, or nil when storage is not configured.
func NewS3Store(cfg Config) *S3Store {
	if !cfg.Enabled() {
		return nil
	}
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	client := s3.New(opts)
	return &S3Store{client: client, presign: s3.NewPresignClient(client), bucket: cfg.Bucket}
}

// ObjectKey builds a collision-free key under prefix that keeps the original file name readable.
func ObjectKey(prefix, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join(prefix, uuid.NewString()+"-"+name)
}

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	if s == nil {
		return fmt.Errorf("blob: storage not configured")
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blob: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("blob: storage not configured")
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("blob: delete %q: %w", key, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for key.
func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("blob: storage not configured")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("blob: presign %q: %w", key, err)
	}
	return req.URL, nil
}
