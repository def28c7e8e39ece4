// Package snapshot publishes store snapshots to S3-compatible object storage.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ContentType is the media type snapshots are uploaded with.
const ContentType = "application/vnd.sqlite3"

var tracer = otel.Tracer("sbmirror/snapshot")

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Region skips bucket location discovery when set.
	Region string

	// Logger for publishing activity
	Logger *log.Logger
}

// Publisher uploads snapshot files into one bucket.
type Publisher struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// New creates a publisher. The bucket is created when it doesn't exist.
func New(ctx context.Context, config *Config) (*Publisher, error) {
	p, err := newPublisher(config)
	if err != nil {
		return nil, err
	}

	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		p.logger.Printf("Creating bucket: %s", p.bucket)
		if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return p, nil
}

func newPublisher(config *Config) (*Publisher, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("snapshot endpoint and bucket are required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}

	return &Publisher{
		client: client,
		bucket: config.Bucket,
		logger: logger,
	}, nil
}

// Publish uploads the file at localPath as objectName.
func (p *Publisher) Publish(ctx context.Context, localPath, objectName string) error {
	ctx, span := tracer.Start(ctx, "minio.publish_snapshot",
		trace.WithAttributes(
			attribute.String("bucket", p.bucket),
			attribute.String("object_key", objectName),
		),
	)
	defer span.End()

	info, err := p.client.FPutObject(ctx, p.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload snapshot %s: %w", objectName, err)
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	p.logger.Printf("Published snapshot %s/%s (%d bytes)", p.bucket, objectName, info.Size)
	return nil
}
