// Package gcs archives batch reports to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
	archive "github.com/JakeFAU/timetable-refresher/internal/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// ObjectOpener returns a writer for bucket/object. The writer's Close
// finalizes the upload.
type ObjectOpener func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// BlobStore writes report archives to a configured bucket.
type BlobStore struct {
	open   ObjectOpener
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return NewWithOpener(func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	}, cfg)
}

// NewWithOpener builds a store around a custom writer factory.
func NewWithOpener(open ObjectOpener, cfg Config) (*BlobStore, error) {
	if open == nil {
		return nil, fmt.Errorf("object opener is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		open:   open,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, object string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.open(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// HandleReport archives the report as JSON under the shared report layout.
func (s *BlobStore) HandleReport(ctx context.Context, report monitor.Report) error {
	body, err := archive.EncodeReport(report)
	if err != nil {
		return err
	}
	object := archive.ReportObjectName(s.prefix, report)
	if _, err := s.PutObject(ctx, object, archive.ReportContentType, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("archive report %s: %w", report.RunID, err)
	}
	return nil
}
