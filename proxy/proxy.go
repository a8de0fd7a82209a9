// Package proxy relays HTTP requests on behalf of callers that cannot reach
// the vendor and SMS endpoints themselves.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"snappyar-notifier/pkg/notifier"
)

// MessageType is the only message type the proxy answers.
const MessageType = "SF_FETCH"

// maxBody caps how much of a remote body is relayed.
const maxBody = 10 << 20

// Request is a relay request.
type Request struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
}

// Response is the single answer to a Request. On network failure Status is 0
// and Error carries the reason.
type Response struct {
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status"`
	OK     bool   `json:"ok"`
}

// Err returns nil for an OK response, a *notifier.NetworkError when no HTTP
// response arrived, and a *notifier.RemoteError otherwise. Error text is
// unescaped for display.
func (r Response) Err(url string) error {
	if r.OK {
		return nil
	}
	if r.Status == 0 {
		return &notifier.NetworkError{URL: url, Err: errors.New(notifier.DecodeErrorText(r.Error))}
	}
	text := r.Error
	if text == "" {
		text = r.Text
	}
	return &notifier.RemoteError{Status: r.Status, Text: notifier.DecodeErrorText(text)}
}

// Doer performs relay requests. Fetch never fails: every outcome is a Response.
type Doer interface {
	Fetch(ctx context.Context, req Request) Response
}

// Fetcher performs relay requests with an HTTP client.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Fetcher. A nil client gets a 30 second timeout.
func New(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch performs req once. There is no retry: callers surface failures.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Response {
	id := uuid.NewString()
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return Response{Error: fmt.Sprintf("marshal body: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	f.logger.Info("Proxy request starting",
		"request_id", id,
		"method", method,
		"url", req.URL)

	startTime := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		f.logger.Warn("Proxy request invalid", "request_id", id, "error", err)
		return Response{Error: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		f.logger.Warn("Proxy request failed",
			"request_id", id,
			"url", req.URL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return Response{Error: err.Error()}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		f.logger.Warn("Proxy response read failed", "request_id", id, "error", err)
		return Response{Error: fmt.Sprintf("read body: %v", err)}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	f.logger.Info("Proxy request completed",
		"request_id", id,
		"url", req.URL,
		"status_code", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", duration.Milliseconds())

	return Response{OK: ok, Status: resp.StatusCode, Text: string(data)}
}

// AllowFunc reports whether a relay request to host may be performed.
type AllowFunc func(ctx context.Context, host string) bool

// AllowHosts allows the hosts of bases plus the hosts of the URLs dynamic
// returns at request time. A nil dynamic adds nothing.
func AllowHosts(dynamic func(ctx context.Context) []string, bases ...string) AllowFunc {
	static := make(map[string]bool, len(bases))
	for _, b := range bases {
		if h := hostOf(b); h != "" {
			static[h] = true
		}
	}
	return func(ctx context.Context, host string) bool {
		host = strings.ToLower(host)
		if static[host] {
			return true
		}
		if dynamic == nil {
			return false
		}
		for _, u := range dynamic(ctx) {
			if h := hostOf(u); h != "" && h == host {
				return true
			}
		}
		return false
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Handler answers JSON relay messages over HTTP. Every request gets exactly
// one JSON Response, including malformed, unsupported and refused ones.
type Handler struct {
	doer   Doer
	allow  AllowFunc
	logger *slog.Logger
}

// NewHandler creates a Handler relaying through doer to the hosts allow
// accepts. A nil allow refuses every host.
func NewHandler(doer Doer, allow AllowFunc, logger *slog.Logger) *Handler {
	return &Handler{doer: doer, allow: allow, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.reply(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		h.logger.Warn("Malformed proxy message", "error", err)
		h.reply(w, http.StatusBadRequest, Response{Error: fmt.Sprintf("malformed message: %v", err)})
		return
	}
	if req.Type != MessageType {
		h.logger.Warn("Unsupported proxy message type", "type", req.Type)
		h.reply(w, http.StatusBadRequest, Response{Error: fmt.Sprintf("unsupported message type %q", req.Type)})
		return
	}
	if req.URL == "" {
		h.reply(w, http.StatusBadRequest, Response{Error: "url is required"})
		return
	}

	host := hostOf(req.URL)
	if host == "" || h.allow == nil || !h.allow(r.Context(), host) {
		h.logger.Warn("Proxy host refused", "url", req.URL)
		h.reply(w, http.StatusForbidden, Response{Error: fmt.Sprintf("host not allowed: %q", req.URL)})
		return
	}

	h.reply(w, http.StatusOK, h.doer.Fetch(r.Context(), req))
}

func (h *Handler) reply(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode proxy response", "error", err)
	}
}
