// Package archive keeps a copy of every verified gateway event.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// Archiver stores raw event payloads
type Archiver interface {
	Archive(ctx context.Context, eventID string, created time.Time, payload []byte) error
}

// Nop discards payloads
type Nop struct{}

// Archive implements Archiver
func (Nop) Archive(ctx context.Context, eventID string, created time.Time, payload []byte) error {
	return nil
}

// Config selects the bucket and, for S3-compatible stores, the endpoint
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
	// Prefix defaults to "stripe-events"
	Prefix string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes payloads under <prefix>/YYYY/MM/DD/<eventID>.json
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver loads AWS configuration and builds the client. Static keys
// are used when both are set, otherwise the default credential chain.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Archiver(client, cfg), nil
}

func newS3Archiver(client objectPutter, cfg Config) *S3Archiver {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "stripe-events"
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: prefix}
}

// Key returns the object key for an event
func (a *S3Archiver) Key(eventID string, created time.Time) string {
	created = created.UTC()
	return path.Join(a.prefix, created.Format("2006"), created.Format("01"), created.Format("02"), eventID+".json")
}

// Archive implements Archiver
func (a *S3Archiver) Archive(ctx context.Context, eventID string, created time.Time, payload []byte) (err error) {
	key := a.Key(eventID, created)
	ctx, span := observability.StartSpan(ctx, "archive.PutObject",
		attribute.String("s3.bucket", a.bucket),
		attribute.String("s3.key", key),
		attribute.Int("content.size", len(payload)),
	)
	defer func() { observability.EndSpan(span, err) }()

	sum := sha256.Sum256(payload)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
			"event-id":        eventID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload event %s: %w", eventID, err)
	}
	return nil
}
