// Package storage persists JSON blobs by key on the local filesystem, Cloud
// Storage, SQLite or memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned by Load when a key has never been saved.
var ErrNotFound = errors.New("storage: object doesn't exist")

// ErrInvalidKey is returned for keys that are not safe as file or object names.
var ErrInvalidKey = errors.New("storage: invalid key")

// Backend is a flat key-value store of JSON blobs.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// ValidKey reports whether key is safe as a file or object name.
// Keys are 1-128 characters of [A-Za-z0-9_-].
func ValidKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	// Check every character so a bad key costs the same as a good one.
	valid := true
	for _, c := range key {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
		if !ok {
			valid = false
		}
	}
	return valid
}

func checkKey(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// withRetry runs fn with the retry policy used for remote backends.
// Errors wrapped with retry.Unrecoverable stop immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}
