package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"snappyar-notifier/auth"
	"snappyar-notifier/dispatch"
	"snappyar-notifier/options"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/proxy"
	"snappyar-notifier/scraper"
	"snappyar-notifier/settings"
	"snappyar-notifier/sms"
	"snappyar-notifier/storage"
	"snappyar-notifier/toast"
	"snappyar-notifier/vendorapi"
)

const dashboard = `<table><tbody>
<tr><th data-name="VUserName">Phone</th><th data-name="FirstName">Name</th><th data-name="Price">Price</th><th data-name="TrackingCode">Channel</th></tr>
<tr data-id="7"><td data-name="VUserName">9121234567</td><td data-name="FirstName">Ali</td><td data-name="Price">10</td><td data-name="TrackingCode">snappfood</td></tr>
</tbody></table>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubVendor struct{}

func (stubVendor) LoginPassword(_ context.Context, _, password string) (vendorapi.Token, error) {
	if password != "pw" {
		return vendorapi.Token{}, &notifier.RemoteError{Status: 401, Text: "bad credentials"}
	}
	return vendorapi.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(48 * time.Hour).UnixMilli()}, nil
}
func (stubVendor) SendOTP(context.Context, string) error { return nil }
func (stubVendor) VerifyOTP(context.Context, string, int) (vendorapi.Token, error) {
	return vendorapi.Token{AccessToken: "otp", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}, nil
}
func (stubVendor) Vendors(context.Context, string) ([]notifier.Vendor, error) {
	return []notifier.Vendor{{ID: "1", Title: "Branch"}}, nil
}

type fakeDispatcher struct {
	rows    []notifier.OrderRow
	outcome *dispatch.Outcome
	err     error
}

func (d *fakeDispatcher) Send(_ context.Context, _ string, row notifier.OrderRow, _ notifier.ActionKind) (*dispatch.Outcome, error) {
	d.rows = append(d.rows, row)
	return d.outcome, d.err
}

type echoDoer struct{}

func (echoDoer) Fetch(_ context.Context, req proxy.Request) proxy.Response {
	return proxy.Response{OK: true, Status: 200, Text: req.Method + " " + req.URL}
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

type fixture struct {
	handler    http.Handler
	store      *settings.Store
	dispatcher *fakeDispatcher
	toasts     *toast.Toaster
}

func newFixture(t *testing.T, authLimit int) *fixture {
	t.Helper()
	logger := testLogger()
	store := settings.New(storage.NewMemory(), logger)
	flow := auth.New(stubVendor{}, store, logger)
	toasts := toast.New(logger)
	toasts.SetAfterFunc(func(time.Duration, func()) toast.Timer { return nopTimer{} })
	d := &fakeDispatcher{outcome: &dispatch.Outcome{Label: dispatch.LabelSent, Sent: true}}

	hosts := proxy.AllowHosts(func(ctx context.Context) []string {
		return []string{store.API(ctx).URL}
	}, "https://x.example")

	srv := New(&Config{
		Proxy:      proxy.NewHandler(echoDoer{}, hosts, logger),
		Reconciler: scraper.New(nil, "", logger),
		Dispatcher: d,
		Options:    options.New(store, flow, sms.NewMockProvider(logger), logger),
		Toasts:     toasts,
		Logger:     logger,
		AuthLimit:  authLimit,
		AuthWindow: time.Minute,
	})
	return &fixture{handler: srv.Router(), store: store, dispatcher: d, toasts: toasts}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	w := f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != `{"status":"healthy"}` {
		t.Errorf("GET /health = %d %q", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", w.Code)
	}
}

func TestProxyRoute(t *testing.T) {
	f := newFixture(t, 0)
	w := f.do(t, http.MethodPost, "/proxy", `{"type":"SF_FETCH","url":"https://x.example/a","method":"GET"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /proxy = %d %s", w.Code, w.Body.String())
	}
	if m := decodeBody(t, w); m["ok"] != true || m["text"] != "GET https://x.example/a" {
		t.Errorf("proxy response = %v", m)
	}

	w = f.do(t, http.MethodPost, "/proxy", `{"type":"SF_FETCH","url":"http://metadata.google.internal/computeMetadata/v1/"}`)
	if m := decodeBody(t, w); w.Code != http.StatusForbidden || m["ok"] != false || m["status"] != float64(0) {
		t.Errorf("internal host = %d %v, want refusal", w.Code, m)
	}

	// The SMS endpoint is allowed once it is configured.
	smsURL := `{"type":"SF_FETCH","url":"https://sms.example/send","method":"POST"}`
	if w := f.do(t, http.MethodPost, "/proxy", smsURL); w.Code != http.StatusForbidden {
		t.Errorf("unconfigured sms host = %d, want 403", w.Code)
	}
	if err := f.store.SaveAPI(context.Background(), settings.APISettings{URL: "https://sms.example/send", AuthToken: "t"}); err != nil {
		t.Fatal(err)
	}
	if w := f.do(t, http.MethodPost, "/proxy", smsURL); w.Code != http.StatusOK {
		t.Errorf("configured sms host = %d %s", w.Code, w.Body.String())
	}
}

func TestReconcileRoute(t *testing.T) {
	f := newFixture(t, 0)
	w := f.do(t, http.MethodPost, "/reconcile?domain=shop.example", dashboard)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /reconcile = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Reconcile-Cells-Added"); got != "2" {
		t.Errorf("cells added header = %q, want 2", got)
	}
	if !strings.Contains(w.Body.String(), `data-name="SmsAction"`) {
		t.Errorf("reconciled document lacks action cells: %s", w.Body.String())
	}
}

func TestActionRoute(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantRow  string
	}{
		{"row given", `{"kind":"single","row":{"id":"9","first_name":"Sara","tracking_code":"snappfood"}}`, nil, http.StatusOK, "Sara"},
		{"row from document", `{"kind":"aggregate","order_id":"7","html":` + jsonString(dashboard) + `}`, nil, http.StatusOK, "Ali"},
		{"unknown kind", `{"kind":"bulk","row":{"id":"9"}}`, nil, http.StatusBadRequest, ""},
		{"no row", `{"kind":"single"}`, nil, http.StatusBadRequest, ""},
		{"row not in document", `{"kind":"single","order_id":"8","html":` + jsonString(dashboard) + `}`, nil, http.StatusNotFound, ""},
		{"not eligible", `{"kind":"single","row":{"id":"9","first_name":"Sara"}}`, dispatch.ErrNotEligible, http.StatusConflict, "Sara"},
		{"dispatch failure", `{"kind":"single","row":{"id":"9","first_name":"Sara"}}`, errors.New("boom"), http.StatusOK, "Sara"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.dispatcher.err = tt.err
			w := f.do(t, http.MethodPost, "/actions", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("POST /actions = %d %s, want %d", w.Code, w.Body.String(), tt.wantCode)
			}
			if tt.wantRow == "" {
				if len(f.dispatcher.rows) != 0 {
					t.Errorf("dispatcher called for rejected request")
				}
				return
			}
			if len(f.dispatcher.rows) != 1 || f.dispatcher.rows[0].FirstName != tt.wantRow {
				t.Errorf("dispatched rows = %+v", f.dispatcher.rows)
			}
			m := decodeBody(t, w)
			if _, ok := m["outcome"]; !ok {
				t.Errorf("response lacks outcome: %v", m)
			}
			if _, hasErr := m["error"]; hasErr != (tt.err != nil) {
				t.Errorf("response error field = %v, want present=%v", m["error"], tt.err != nil)
			}
		})
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestSettingsAPI(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(t, http.MethodPut, "/api/settings", `{"api_url":"https://sms.example","auth_token":"t"}`)
	if w.Code != http.StatusOK || decodeBody(t, w)["test_send_enabled"] != true {
		t.Fatalf("PUT /api/settings = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/api/templates/domains", `{"domain":"https://www.Shop.example/menu"}`)
	if w.Code != http.StatusOK || decodeBody(t, w)["domain"] != "shop.example" {
		t.Fatalf("POST /api/templates/domains = %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/api/templates/domains", `{"domain":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank domain = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodPut, "/api/templates?domain=shop.example", `{"template":"hi {name} {url}","link_base":"https://l.example"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /api/templates = %d %s", w.Code, w.Body.String())
	}
	if got := f.store.Template(context.Background(), "shop.example"); got != "hi {name} {url}" {
		t.Errorf("stored template = %q", got)
	}

	w = f.do(t, http.MethodGet, "/api/domains", "")
	domains, _ := decodeBody(t, w)["domains"].([]any)
	if len(domains) != 2 {
		t.Errorf("GET /api/domains = %s", w.Body.String())
	}

	if w := f.do(t, http.MethodDelete, "/api/templates?domain=shop.example", ""); w.Code != http.StatusNoContent {
		t.Errorf("DELETE /api/templates = %d", w.Code)
	}
	if got := f.store.Template(context.Background(), "shop.example"); got != "" {
		t.Errorf("template after delete = %q", got)
	}
}

func TestTestSendRoute(t *testing.T) {
	f := newFixture(t, 0)
	if w := f.do(t, http.MethodPost, "/api/test-send", `{"phone":"0912","message":"hi"}`); w.Code != http.StatusPreconditionFailed {
		t.Errorf("test send without API = %d, want 412", w.Code)
	}
	f.do(t, http.MethodPut, "/api/settings", `{"api_url":"https://sms.example","auth_token":"t"}`)
	if w := f.do(t, http.MethodPost, "/api/test-send", `{"phone":"","message":"hi"}`); w.Code != http.StatusBadRequest {
		t.Errorf("test send blank phone = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/test-send", `{"phone":"0912","message":"hi"}`); w.Code != http.StatusOK {
		t.Errorf("test send = %d %s", w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodGet, "/api/logs", "")
	logs, _ := decodeBody(t, w)["logs"].([]any)
	if len(logs) == 0 || !strings.Contains(logs[len(logs)-1].(string), "ارسال موفق") {
		t.Errorf("GET /api/logs = %s", w.Body.String())
	}
	if w := f.do(t, http.MethodDelete, "/api/logs", ""); w.Code != http.StatusNoContent {
		t.Errorf("DELETE /api/logs = %d", w.Code)
	}
	if len(f.store.Logs(context.Background())) != 0 {
		t.Errorf("logs not cleared")
	}
}

func TestAuthRoutes(t *testing.T) {
	f := newFixture(t, 100)

	if w := f.do(t, http.MethodPost, "/api/auth/password", `{"domain":"","cellphone":"0912","password":"nope"}`); w.Code != http.StatusBadGateway {
		t.Errorf("rejected login = %d, want 502", w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/auth/password", `{"domain":"","cellphone":"0912","password":"pw"}`)
	if w.Code != http.StatusOK || decodeBody(t, w)["logged_in"] != true {
		t.Fatalf("login = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/accounts", "")
	if accounts, _ := decodeBody(t, w)["accounts"].([]any); len(accounts) != 1 {
		t.Errorf("GET /api/accounts = %s", w.Body.String())
	}

	const domain = `"domain":"d.example","cellphone":"0912"`
	if w := f.do(t, http.MethodPost, "/api/auth/otp/verify", `{`+domain+`,"code":"1"}`); w.Code != http.StatusConflict {
		t.Errorf("verify without code requested = %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/auth/otp", `{`+domain+`}`); w.Code != http.StatusOK {
		t.Fatalf("request otp = %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/auth/otp", `{`+domain+`}`)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Errorf("resend = %d Retry-After %q, want 429 with header", w.Code, w.Header().Get("Retry-After"))
	}
	// d.example falls back to the default session.
	w = f.do(t, http.MethodGet, "/api/auth/status?domain=d.example", "")
	if st := decodeBody(t, w); st["state"] != "logged_in" {
		t.Errorf("status = %v", st)
	}
	if w := f.do(t, http.MethodPost, "/api/auth/otp/verify", `{`+domain+`,"code":"x1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric code = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/auth/otp/verify", `{`+domain+`,"code":"12345"}`); w.Code != http.StatusOK {
		t.Errorf("verify = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodDelete, "/api/auth?domain=", "")
	if w.Code != http.StatusOK || decodeBody(t, w)["logged_in"] != false {
		t.Errorf("logout = %d %s", w.Code, w.Body.String())
	}
}

func TestAuthRateLimit(t *testing.T) {
	f := newFixture(t, 2)
	for i := range 2 {
		if w := f.do(t, http.MethodPost, "/api/auth/password", `{"cellphone":"0912","password":"pw"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, w.Code)
		}
	}
	if w := f.do(t, http.MethodPost, "/api/auth/otp", `{"cellphone":"0912"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("third login request = %d, want 429", w.Code)
	}
	// Status checks are not limited.
	if w := f.do(t, http.MethodGet, "/api/auth/status", ""); w.Code != http.StatusOK {
		t.Errorf("status after limit = %d", w.Code)
	}
}

func TestOptionsPage(t *testing.T) {
	f := newFixture(t, 0)
	f.do(t, http.MethodPost, "/api/templates/domains", `{"domain":"shop.example"}`)

	w := f.do(t, http.MethodGet, "/options", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /options = %d", w.Code)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("security headers missing: %v", w.Header())
	}
	body := w.Body.String()
	for _, want := range []string{"shop.example", options.DefaultDomainChoice, "آدرس shop.example اضافه شد"} {
		if !strings.Contains(body, want) {
			t.Errorf("options page missing %q", want)
		}
	}
}

func TestToastRoutes(t *testing.T) {
	f := newFixture(t, 0)
	if m := decodeBody(t, f.do(t, http.MethodGet, "/api/toast", "")); m["toast"] != nil {
		t.Errorf("toast before show = %v", m["toast"])
	}

	shown := f.toasts.Show("hello", toast.Info, 0)
	m := decodeBody(t, f.do(t, http.MethodGet, "/api/toast", ""))
	if cur, _ := m["toast"].(map[string]any); cur["message"] != "hello" {
		t.Errorf("GET /api/toast = %v", m)
	}

	m = decodeBody(t, f.do(t, http.MethodPost, "/api/toast/dismiss", `{"id":"`+shown.ID+`"}`))
	if m["dismissed"] != true {
		t.Errorf("dismiss = %v", m)
	}
	if _, ok := f.toasts.Current(); ok {
		t.Errorf("toast still visible after dismiss")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded", "203.0.113.5, 10.0.0.1", "10.0.0.2:1234", "203.0.113.5"},
		{"remote addr", "", "192.0.2.7:5555", "192.0.2.7"},
		{"remote addr without port", "", "192.0.2.8", "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || rl.allow("a") {
		t.Fatalf("limiter should allow exactly one request")
	}
	if !rl.allow("b") {
		t.Errorf("limit is per client")
	}
	now = now.Add(time.Minute + time.Second)
	if !rl.allow("a") {
		t.Errorf("limit should reset after the window")
	}
}
