package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"snappyar-notifier/storage"
)

// backends holds the settings backend and the marker backend, which may be
// the same.
type backends struct {
	settings storage.Backend
	markers  storage.Backend
	closers  []func() error
}

func (b *backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// openBackends selects Cloud Storage when a bucket is set, then SQLite, then
// a local directory.
func openBackends(ctx context.Context, cfg config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	switch {
	case cfg.Bucket != "":
		if cfg.CredentialsJSON == "" && !isCloudRun(ctx) {
			logger.Warn("No GOOGLE_CREDENTIALS_JSON and not on Cloud Run, relying on application default credentials")
		}
		client, err := storage.NewGCSClient(ctx, cfg.CredentialsJSON)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.settings = storage.NewGCS(client, cfg.Bucket, cfg.BucketPrefix, logger)
		logger.Info("Using Cloud Storage", "bucket", cfg.Bucket, "prefix", cfg.BucketPrefix)

	case cfg.SQLitePath != "":
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		backend, err := storage.NewSQLite(ctx, db, logger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.settings = backend
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)

	default:
		backend, err := storage.NewLocal(cfg.LocalStorage, logger)
		if err != nil {
			return nil, err
		}
		b.settings = backend
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
	}

	b.markers = b.settings
	if cfg.MarkersPath != "" {
		markers, err := storage.NewLocal(cfg.MarkersPath, logger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.markers = markers
	}
	return b, nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
