package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var archiveTracer = otel.Tracer("hubble/audit")

// S3Config configures the audit archive destination
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// KeyPrefix prepends every object key, e.g. "audit/"
	KeyPrefix string `yaml:"key_prefix"`
}

// S3Archiver batches audit events and uploads them to object storage
// as JSON-lines objects, one object per flush, keyed by timestamp.
type S3Archiver struct {
	client *s3.Client
	config S3Config

	mu     sync.Mutex
	buffer []*Event
}

// NewS3Archiver creates an archiver. Static credentials are used when
// provided (MinIO, explicit keys); otherwise the default AWS chain.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("audit archive requires a bucket")
	}

	var awsConfig aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "")),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, config: cfg}, nil
}

// Record buffers the event for the next flush
func (a *S3Archiver) Record(ctx context.Context, event *Event) error {
	a.mu.Lock()
	a.buffer = append(a.buffer, event)
	a.mu.Unlock()
	return nil
}

// Flush uploads the buffered events as one object. An empty buffer is
// a no-op. Failed uploads put the events back so the next flush
// retries them.
func (a *S3Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	key := fmt.Sprintf("%s%s.jsonl", a.config.KeyPrefix,
		time.Now().UTC().Format("2006/01/02/150405.000000000"))

	ctx, span := archiveTracer.Start(ctx, "Audit.Flush",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.config.Bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.events", len(batch)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range batch {
		if err := enc.Encode(event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to encode events")
			return fmt.Errorf("failed to encode audit batch: %w", err)
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.mu.Lock()
		a.buffer = append(batch, a.buffer...)
		a.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("failed to upload audit batch: %w", err)
	}
	return nil
}

// Buffered returns the number of events waiting for flush
func (a *S3Archiver) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
