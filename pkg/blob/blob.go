// Package blob fetches source documents from object storage.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/hatchworks/conveyor/pkg/log"
)

// Fetcher retrieves an object's bytes and content type by key
type Fetcher interface {
	Fetch(ctx context.Context, key string) (data []byte, contentType string, err error)
}

// R2Fetcher reads from a Cloudflare R2 bucket through the S3 API
type R2Fetcher struct {
	client *s3.S3
	bucket string
}

// R2Config carries the account-scoped R2 credentials
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// NewR2Fetcher builds the S3 client against the R2 endpoint. R2 uses
// the literal region "auto".
func NewR2Fetcher(cfg R2Config) (*R2Fetcher, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("auto"),
		Endpoint:    aws.String(endpoint),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build R2 session: %w", err)
	}
	return &R2Fetcher{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// Fetch downloads one object. Keys arrive URL-encoded from webhook
// payloads and are unquoted before the lookup.
func (f *R2Fetcher) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}

	out, err := f.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}

	contentType := "application/octet-stream"
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	log.WithComponent("blob").Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Msg("object fetched")
	return data, contentType, nil
}
