package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/clientdesk/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.storage",
	fx.Provide(NewFromConfig),
)

var ErrStorageNotConfigured = errors.New("storage_not_configured")

// Uploader stores generated documents and returns their object key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Storage struct {
	client putObjectAPI
	bucket string
}

// NewFromConfig returns nil when no receipt bucket is configured.
func NewFromConfig(cfg config.Config) (Uploader, error) {
	if strings.TrimSpace(cfg.Receipts.Bucket) == "" {
		return nil, nil
	}
	return NewS3(context.Background(), cfg.Receipts)
}

func NewS3(ctx context.Context, cfg config.ReceiptConfig) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Storage) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if s == nil || s.client == nil || s.bucket == "" {
		return "", ErrStorageNotConfigured
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// ReceiptKey builds a stable object key, so a re-run of the same receipt
// overwrites rather than duplicates.
func ReceiptKey(prefix, orgID, invoiceNumber string, paidAt time.Time) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "receipts"
	}
	name := slug.Make(invoiceNumber)
	if name == "" {
		name = "invoice"
	}
	return fmt.Sprintf("%s/%s/%s-%s.pdf", prefix, orgID, name, paidAt.UTC().Format("20060102"))
}
