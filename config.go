package main

import (
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// config is read from the environment, optionally seeded from a .env file.
type config struct {
	Port            string
	Bucket          string
	BucketPrefix    string
	LocalStorage    string
	SQLitePath      string
	MarkersPath     string
	CredentialsJSON string
	VendorBaseURL   string
	IdentityBaseURL string
	ClientID        string
	ClientSecret    string
	Sentinel        string
	DefaultLinkBase string
	LogFormat       string
	MockSMS         bool
}

func loadConfig(getenv func(string) string) config {
	cfg := config{
		Port:            getenv("PORT"),
		Bucket:          getenv("STORAGE_BUCKET"),
		BucketPrefix:    getenv("STORAGE_PREFIX"),
		LocalStorage:    getenv("LOCAL_STORAGE"),
		SQLitePath:      getenv("SQLITE_PATH"),
		MarkersPath:     getenv("MARKERS_PATH"),
		CredentialsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		VendorBaseURL:   getenv("VENDOR_BASE_URL"),
		IdentityBaseURL: getenv("IDENTITY_BASE_URL"),
		ClientID:        getenv("VENDOR_CLIENT_ID"),
		ClientSecret:    getenv("VENDOR_CLIENT_SECRET"),
		Sentinel:        getenv("TRACKING_SENTINEL"),
		DefaultLinkBase: getenv("DEFAULT_LINK_BASE"),
		LogFormat:       getenv("LOG_FORMAT"),
	}
	cfg.MockSMS, _ = strconv.ParseBool(strings.TrimSpace(getenv("MOCK_SMS")))

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	// Local development mode unless a bucket or database is configured.
	if cfg.Bucket == "" && cfg.SQLitePath == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	return cfg
}

// newLogger returns a JSON logger unless LOG_FORMAT=console asks for text.
func newLogger(format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "console" {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
