package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
)

// GCSBackend keeps the state document as a Cloud Storage object.
type GCSBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	object string
}

// NewGCSClient creates a Cloud Storage client. Explicit credentials JSON wins,
// otherwise Application Default Credentials are used.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// NewGCSBackend creates a backend storing the document at bucket/object.
func NewGCSBackend(client *storage.Client, bucket, object string, logger *slog.Logger) (*GCSBackend, error) {
	if bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if object == "" {
		object = "state.json"
	}
	return &GCSBackend{
		client: client,
		logger: logger,
		bucket: bucket,
		object: object,
	}, nil
}

// Read downloads the document.
func (b *GCSBackend) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	var notFound bool

	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(b.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying state load after error", "attempt", n, "object", b.object, "error", retryErr)
		}),
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Write uploads the document in a single request. Cloud Storage replaces
// objects atomically, so a failed upload leaves the previous generation in
// place. Failures are not retried here; the next persist writes the whole
// document again.
func (b *GCSBackend) Write(ctx context.Context, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(b.object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			b.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// Close closes the storage client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
