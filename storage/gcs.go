package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores one object per key under a prefix in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewGCSClient creates a Cloud Storage client. Empty credentialsJSON uses
// application default credentials.
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

// NewGCS creates a GCS backend.
func NewGCS(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCS {
	return &GCS{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (g *GCS) object(key string) string {
	return g.prefix + key + localSuffix
}

// Load reads the object for key.
func (g *GCS) Load(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var data []byte
	missing := false
	err := withRetry(ctx, g.logger, "load", key, func() error {
		r, err := g.client.Bucket(g.bucket).Object(g.object(key)).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				missing = true
				return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", err))
			}
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				g.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		return nil
	})
	if missing {
		return nil, fmt.Errorf("load %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Save writes the object for key.
func (g *GCS) Save(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := withRetry(ctx, g.logger, "save", key, func() error {
		w := g.client.Bucket(g.bucket).Object(g.object(key)).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				g.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close storage writer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	g.logger.Debug("Saved to cloud storage", "key", key, "bytes", len(data))
	return nil
}

// Delete removes the object for key. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := withRetry(ctx, g.logger, "delete", key, func() error {
		if err := g.client.Bucket(g.bucket).Object(g.object(key)).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Keys lists the keys stored under the prefix.
func (g *GCS) Keys(ctx context.Context) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if key, ok := objectKey(g.prefix, attrs.Name); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// objectKey maps an object name under prefix back to its key.
func objectKey(prefix, name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || !strings.HasSuffix(rest, localSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(rest, localSuffix)
	return key, ValidKey(key)
}
