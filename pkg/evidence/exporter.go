package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Exporter copies a sealed bundle to an external destination for auditors.
// Export is additive; the KV store remains the system of record.
type Exporter interface {
	Export(ctx context.Context, b *Bundle) (location string, err error)
}

// FSExporter writes bundles as JSON files under a directory.
type FSExporter struct {
	Dir string
}

// Export writes the bundle to <dir>/<run_id>.json.
func (e *FSExporter) Export(_ context.Context, b *Bundle) (string, error) {
	if b.ContentHash == "" {
		return "", fmt.Errorf("refusing to export unsealed bundle for run %s", b.RunID)
	}
	if err := os.MkdirAll(e.Dir, 0o750); err != nil {
		return "", fmt.Errorf("evidence export: %w", err)
	}
	blob, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("evidence export: marshal: %w", err)
	}
	path := filepath.Join(e.Dir, b.RunID+".json")
	if err := os.WriteFile(path, blob, 0o640); err != nil {
		return "", fmt.Errorf("evidence export: write: %w", err)
	}
	return path, nil
}

// S3Config holds configuration for the S3 exporter.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "evidence/"
}

// S3Exporter uploads bundles to an S3 bucket, keyed by run ID with the
// content hash stored as object metadata.
type S3Exporter struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Exporter builds an exporter from ambient AWS configuration.
func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{client: client, cfg: cfg}, nil
}

// Export uploads the bundle and returns its s3:// location.
func (e *S3Exporter) Export(ctx context.Context, b *Bundle) (string, error) {
	if b.ContentHash == "" {
		return "", fmt.Errorf("refusing to export unsealed bundle for run %s", b.RunID)
	}
	blob, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("evidence s3: marshal: %w", err)
	}
	key := e.cfg.Prefix + b.RunID + ".json"
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"content-hash": b.ContentHash,
			"mission-id":   b.MissionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("evidence s3: put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", e.cfg.Bucket, key), nil
}
