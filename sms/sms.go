// Package sms sends text messages through the configured SMS gateway.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/proxy"
	"snappyar-notifier/settings"
)

// DefaultProviderID selects the gateway's default upstream operator.
const DefaultProviderID = 1

// Provider sends one text message.
type Provider interface {
	Send(ctx context.Context, api settings.APISettings, number, text string) error
}

// Message is the gateway request body.
type Message struct {
	Number     string `json:"Number"`
	Text       string `json:"Message"`
	ProviderID int    `json:"ProviderId"`
}

// Gateway posts messages to the gateway URL through the relay proxy. The
// stored auth token is sent as the Authorization header as is.
type Gateway struct {
	doer   proxy.Doer
	logger *slog.Logger
}

// NewGateway creates a Gateway relaying through doer.
func NewGateway(doer proxy.Doer, logger *slog.Logger) *Gateway {
	return &Gateway{doer: doer, logger: logger}
}

// Send posts one message. A non-2xx answer is a *notifier.RemoteError and a
// transport failure is a *notifier.NetworkError. There is no retry.
func (g *Gateway) Send(ctx context.Context, api settings.APISettings, number, text string) error {
	if !api.Configured() {
		return fmt.Errorf("sms gateway: %w", notifier.ErrConfigMissing)
	}

	g.logger.Info("SMS gateway request starting", "number", number, "message_length", len([]rune(text)))
	startTime := time.Now()
	resp := g.doer.Fetch(ctx, proxy.Request{
		Type:   proxy.MessageType,
		URL:    api.URL,
		Method: "POST",
		Headers: map[string]string{
			"Authorization": api.AuthToken,
			"Content-Type":  "application/json",
		},
		Body: Message{ProviderID: DefaultProviderID, Number: number, Text: text},
	})
	duration := time.Since(startTime)

	if err := resp.Err(api.URL); err != nil {
		g.logger.Warn("SMS gateway request failed",
			"number", number,
			"status_code", resp.Status,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return err
	}

	g.logger.Info("SMS sent",
		"number", number,
		"status_code", resp.Status,
		"duration_ms", duration.Milliseconds())
	return nil
}
