// Package archive writes escalated permanent-failure records to out-of-band
// storage so they survive Redis maintenance and can be inspected or replayed
// later. Sinks are best-effort; the ledger's failed:<orderId> entry remains
// the source of truth.
package archive

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

	"github.com/rodframeh/data-enriched-orders/internal/models"
)

// DirArchiver writes one JSON file per escalated order under a local
// directory.
type DirArchiver struct {
	baseDir string
}

func NewDirArchiver(baseDir string) *DirArchiver {
	if baseDir == "" {
		baseDir = "./failed-orders"
	}
	return &DirArchiver{baseDir: baseDir}
}

func (a *DirArchiver) Archive(_ context.Context, rec models.RetryRecord) error {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	path := filepath.Join(a.baseDir, recordName(rec))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// S3Config points an S3Archiver at a bucket. Endpoint and PathStyle support
// MinIO-style stores.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Archiver puts one JSON object per escalated order into a bucket under
// the failed/ prefix.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, rec models.RetryRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String("failed/" + recordName(rec)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// recordName flattens the order id so a hostile id cannot escape the archive
// location.
func recordName(rec models.RetryRecord) string {
	return filepath.Base(rec.OrderID) + ".json"
}
