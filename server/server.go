// Package server exposes the notifier over HTTP: the fetch relay, dashboard
// reconciliation, row actions and the settings API.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"snappyar-notifier/auth"
	"snappyar-notifier/dispatch"
	"snappyar-notifier/options"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/scraper"
	"snappyar-notifier/toast"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// maxBody caps request bodies, dashboard documents included.
const maxBody = 10 << 20

// Reconciler injects action buttons into dashboard documents.
type Reconciler interface {
	ReconcileHTML(ctx context.Context, r io.Reader) (string, scraper.Report, error)
}

// Dispatcher runs row actions.
type Dispatcher interface {
	Send(ctx context.Context, domain string, row notifier.OrderRow, kind notifier.ActionKind) (*dispatch.Outcome, error)
}

// Server handles HTTP requests.
type Server struct {
	proxy      http.Handler
	reconciler Reconciler
	dispatcher Dispatcher
	options    *options.Controller
	toasts     *toast.Toaster
	limiter    *rateLimiter
	logger     *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Proxy      http.Handler
	Reconciler Reconciler
	Dispatcher Dispatcher
	Options    *options.Controller
	Toasts     *toast.Toaster
	Logger     *slog.Logger
	// AuthLimit is how many login requests one client may make per AuthWindow.
	AuthLimit  int
	AuthWindow time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, window := cfg.AuthLimit, cfg.AuthWindow
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Server{
		proxy:      cfg.Proxy,
		reconciler: cfg.Reconciler,
		dispatcher: cfg.Dispatcher,
		options:    cfg.Options,
		toasts:     cfg.Toasts,
		limiter:    newRateLimiter(limit, window),
		logger:     cfg.Logger,
	}
}

// Router wires every route under a single chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/options", s.handleOptionsPage)
	r.Method(http.MethodPost, "/proxy", s.proxy)
	r.Post("/reconcile", s.handleReconcile)
	r.Post("/actions", s.handleAction)

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveAPI)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleTemplates)
			r.Put("/", s.handleSaveTemplate)
			r.Delete("/", s.handleDeleteTemplate)
			r.Post("/domains", s.handleAddDomain)
		})
		r.Get("/domains", s.handleDomains)
		r.Get("/accounts", s.handleAccounts)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", s.handleAuthStatus)
			r.Delete("/", s.handleLogout)
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit)
				r.Post("/password", s.handleLoginPassword)
				r.Post("/otp", s.handleRequestOTP)
				r.Post("/otp/verify", s.handleVerifyOTP)
			})
		})

		r.Post("/test-send", s.handleTestSend)
		r.Get("/logs", s.handleLogs)
		r.Delete("/logs", s.handleClearLogs)
		r.Get("/toast", s.handleToast)
		r.Post("/toast/dismiss", s.handleDismissToast)
	})
	return r
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Timeouts bound slow clients.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleOptionsPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")

	if err := templates.ExecuteTemplate(w, "options.tmpl", s.options.Load(r.Context())); err != nil {
		s.logger.Error("Failed to render template", "template", "options.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleToast(w http.ResponseWriter, _ *http.Request) {
	current, ok := s.toasts.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"toast": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"toast": current})
}

func (s *Server) handleDismissToast(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &payload) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": s.toasts.Dismiss(payload.ID)})
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingInput), errors.Is(err, options.ErrMissingInput), errors.Is(err, auth.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrResendLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrOTPExpired), errors.Is(err, dispatch.ErrNotEligible):
		return http.StatusConflict
	case errors.Is(err, notifier.ErrConfigMissing):
		return http.StatusPreconditionFailed
	case notifier.IsRemoteError(err), notifier.IsNetworkError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
