package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/storage"
)

// KeySentMarkers holds the sent-marker set.
const KeySentMarkers = "snappyar_sent_sms"

// Markers is the set of (order id, action kind) pairs that were already sent.
// It has no expiry.
type Markers struct {
	backend storage.Backend
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewMarkers creates a marker set over backend.
func NewMarkers(backend storage.Backend, logger *slog.Logger) *Markers {
	return &Markers{backend: backend, logger: logger}
}

// List returns every marker key. Read failures yield an empty set.
func (m *Markers) List(ctx context.Context) []string {
	data, err := m.backend.Load(ctx, KeySentMarkers)
	if err != nil {
		if !storage.IsNotFound(err) {
			m.logger.Warn("Sent markers read failed, treating as empty", "error", err)
		}
		return nil
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		m.logger.Warn("Sent markers are not valid JSON, treating as empty", "error", err)
		return nil
	}
	return keys
}

// IsSent reports whether orderID was already sent with kind.
func (m *Markers) IsSent(ctx context.Context, orderID string, kind notifier.ActionKind) bool {
	if orderID == "" {
		return false
	}
	return slices.Contains(m.List(ctx), notifier.SentKey(orderID, kind))
}

// MarkSent records orderID as sent with kind. Marking twice is a no-op and an
// empty orderID is ignored.
func (m *Markers) MarkSent(ctx context.Context, orderID string, kind notifier.ActionKind) error {
	if orderID == "" {
		return nil
	}
	key := notifier.SentKey(orderID, kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.List(ctx)
	if slices.Contains(keys, key) {
		return nil
	}
	data, err := json.Marshal(append(keys, key))
	if err != nil {
		return fmt.Errorf("marshal sent markers: %w", err)
	}
	if err := m.backend.Save(ctx, KeySentMarkers, data); err != nil {
		return fmt.Errorf("save sent markers: %w", err)
	}
	return nil
}
