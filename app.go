package main

import (
	"context"
	"log/slog"
	"net/http"

	"snappyar-notifier/auth"
	"snappyar-notifier/dispatch"
	"snappyar-notifier/options"
	"snappyar-notifier/proxy"
	"snappyar-notifier/scraper"
	"snappyar-notifier/server"
	"snappyar-notifier/settings"
	"snappyar-notifier/sms"
	"snappyar-notifier/toast"
	"snappyar-notifier/vendorapi"
)

// app wires every component over the configured backends.
type app struct {
	backends   *backends
	logger     *slog.Logger
	fetcher    *proxy.Fetcher
	store      *settings.Store
	markers    *settings.Markers
	vendor     *vendorapi.Client
	flow       *auth.Flow
	options    *options.Controller
	scraper    *scraper.Scraper
	dispatcher *dispatch.Dispatcher
	toasts     *toast.Toaster
	provider   sms.Provider
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger) (*app, error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, b, nil, logger), nil
}

// assemble builds the components. A nil client gets the proxy default.
func assemble(cfg config, b *backends, client *http.Client, logger *slog.Logger) *app {
	a := &app{backends: b, logger: logger}
	a.fetcher = proxy.New(client, logger)
	a.store = settings.New(b.settings, logger)
	a.markers = settings.NewMarkers(b.markers, logger)
	a.vendor = vendorapi.New(a.fetcher, vendorapi.Config{
		VendorBaseURL:   cfg.VendorBaseURL,
		IdentityBaseURL: cfg.IdentityBaseURL,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
	}, logger)

	if cfg.MockSMS {
		logger.Info("Using mock SMS provider")
		a.provider = sms.NewMockProvider(logger)
	} else {
		a.provider = sms.NewGateway(a.fetcher, logger)
	}

	a.flow = auth.New(a.vendor, a.store, logger)
	a.options = options.New(a.store, a.flow, a.provider, logger)
	a.toasts = toast.New(logger)
	a.toasts.Subscribe(func(e toast.Event) {
		logger.Debug("Toast", "event", string(e.Type), "kind", string(e.Toast.Kind), "message", e.Toast.Message)
	})
	a.scraper = scraper.New(a.markers, cfg.Sentinel, logger)
	a.dispatcher = dispatch.New(a.store, a.vendor, a.markers, a.provider, a.toasts, dispatch.Config{
		DefaultLinkBase: cfg.DefaultLinkBase,
		Sentinel:        cfg.Sentinel,
	}, logger)
	return a
}

func (a *app) server() *server.Server {
	return server.New(&server.Config{
		Proxy:      proxy.NewHandler(a.fetcher, a.proxyHosts(), a.logger),
		Reconciler: a.scraper,
		Dispatcher: a.dispatcher,
		Options:    a.options,
		Toasts:     a.toasts,
		Logger:     a.logger,
	})
}

// proxyHosts allows the vendor APIs and the configured SMS endpoint.
func (a *app) proxyHosts() proxy.AllowFunc {
	return proxy.AllowHosts(func(ctx context.Context) []string {
		return []string{a.store.API(ctx).URL}
	}, a.vendor.BaseURLs()...)
}

func (a *app) Close() error {
	return a.backends.Close()
}
