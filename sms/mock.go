package sms

import (
	"context"
	"log/slog"
	"sync"

	"snappyar-notifier/settings"
)

// MockProvider records messages instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
	// Err, when set, is returned by every Send.
	Err  error
	sent []Message
	mu   sync.Mutex
}

// NewMockProvider creates a new mock SMS provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs and records the message.
func (m *MockProvider) Send(_ context.Context, _ settings.APISettings, number, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.logger.Info("MOCK SMS",
		"number", number,
		"message_length", len([]rune(text)))
	m.sent = append(m.sent, Message{ProviderID: DefaultProviderID, Number: number, Text: text})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
