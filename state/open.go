package state

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Config selects and configures a Backend.
//
// Driver values:
//   - "file": JSON document on local disk (default)
//   - "gcs": object in a Cloud Storage bucket
//   - "sqlite": single-row table in a SQLite database
type Config struct {
	Driver          string
	Path            string // file and sqlite
	Bucket          string // gcs
	Object          string // gcs
	CredentialsJSON string // gcs, optional
}

// OpenBackend initializes the configured backend.
func OpenBackend(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return NewFileBackend(cfg.Path)
	case "sqlite", "sqlite3":
		return NewSQLiteBackend(ctx, cfg.Path)
	case "gcs":
		client, err := NewGCSClient(ctx, cfg.CredentialsJSON)
		if err != nil {
			return nil, err
		}
		backend, err := NewGCSBackend(client, cfg.Bucket, cfg.Object, logger)
		if err != nil {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("Failed to close storage client", "error", closeErr)
			}
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown state driver: %q", cfg.Driver)
	}
}
