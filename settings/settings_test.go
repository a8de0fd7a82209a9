package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return New(mem, testLogger()), mem
}

func TestAPISettings(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if s.API(ctx).Configured() {
		t.Fatalf("empty store reports configured API")
	}
	if err := s.SaveAPI(ctx, APISettings{URL: " https://sms.example/send ", AuthToken: "tok "}); err != nil {
		t.Fatalf("SaveAPI() error: %v", err)
	}
	api := s.API(ctx)
	if api.URL != "https://sms.example/send" || api.AuthToken != "tok" {
		t.Errorf("API() = %+v, want trimmed values", api)
	}
	if !api.Configured() {
		t.Errorf("Configured() = false after saving both values")
	}
}

func TestKeys(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.SaveAPI(ctx, APISettings{URL: "https://sms.example", AuthToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if !slices.Equal(keys, []string{KeyAPIURL, KeyAuthToken}) {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestReadsTolerateBackendFailure(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()
	if err := s.SaveAPI(ctx, APISettings{URL: "u", AuthToken: "t"}); err != nil {
		t.Fatalf("SaveAPI() error: %v", err)
	}

	mem.Fail = errors.New("storage unavailable")
	if api := s.API(ctx); api != (APISettings{}) {
		t.Errorf("API() with failing backend = %+v, want zero", api)
	}
	if logs := s.Logs(ctx); len(logs) != 0 {
		t.Errorf("Logs() with failing backend = %v, want empty", logs)
	}
	if sess := s.Session(ctx, "shop.ir"); sess.Token != "" {
		t.Errorf("Session() with failing backend = %+v, want zero", sess)
	}
	if err := s.AppendLog(ctx, "x"); err == nil {
		t.Errorf("AppendLog() with failing backend should return the write error")
	}
}

func TestTemplates(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()

	if err := mem.Save(ctx, KeyTemplate, []byte(`"legacy {name}"`)); err != nil {
		t.Fatal(err)
	}
	if got := s.Template(ctx, "shop.ir"); got != "legacy {name}" {
		t.Errorf("Template() with legacy only = %q", got)
	}

	if err := s.SaveTemplate(ctx, "shop.ir", "shop {url}", "https://l.ir/x//"); err != nil {
		t.Fatalf("SaveTemplate() error: %v", err)
	}
	if got := s.Template(ctx, "shop.ir"); got != "shop {url}" {
		t.Errorf("Template(shop.ir) = %q", got)
	}
	if got := s.LinkBase(ctx, "shop.ir"); got != "https://l.ir/x" {
		t.Errorf("LinkBase(shop.ir) = %q, want trailing slashes trimmed", got)
	}
	if got := s.Template(ctx, "other.ir"); got != "legacy {name}" {
		t.Errorf("Template(other.ir) = %q, want default fallback", got)
	}

	if err := s.SaveTemplate(ctx, "", "default {name}", "https://d.ir"); err != nil {
		t.Fatalf("SaveTemplate(default) error: %v", err)
	}
	if got := s.Template(ctx, "other.ir"); got != "default {name}" {
		t.Errorf("Template(other.ir) = %q, want new default", got)
	}
	if got := s.LinkBase(ctx, "other.ir"); got != "https://d.ir" {
		t.Errorf("LinkBase(other.ir) = %q, want default fallback", got)
	}
	raw, err := mem.Load(ctx, KeyTemplate)
	if err != nil || string(raw) != `"default {name}"` {
		t.Errorf("legacy template = %s, %v; want mirrored default", raw, err)
	}

	if err := s.SaveTemplate(ctx, "shop.ir", "", ""); err != nil {
		t.Fatalf("SaveTemplate(clear) error: %v", err)
	}
	if got := s.Template(ctx, "shop.ir"); got != "default {name}" {
		t.Errorf("empty domain template = %q, want default fallback", got)
	}
	if _, ok := s.Templates(ctx).LinkBases["shop.ir"]; ok {
		t.Errorf("empty link base should remove the entry")
	}

	if err := s.DeleteTemplate(ctx, ""); err != nil {
		t.Fatalf("DeleteTemplate(default) error: %v", err)
	}
	if got := s.Template(ctx, "other.ir"); got != "" {
		t.Errorf("Template() after deleting default = %q, want empty", got)
	}
}

func TestAddDomain(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	domain, added, err := s.AddDomain(ctx, " HTTPS://www.Shop.ir/menu?x=1 ")
	if err != nil {
		t.Fatalf("AddDomain() error: %v", err)
	}
	if domain != "shop.ir" || !added {
		t.Errorf("AddDomain() = %q, %v; want shop.ir, true", domain, added)
	}
	if _, added, _ := s.AddDomain(ctx, "shop.ir"); added {
		t.Errorf("second AddDomain() reported added")
	}
	if got := s.Templates(ctx).Domains(); !slices.Equal(got, []string{"shop.ir"}) {
		t.Errorf("Domains() = %v", got)
	}
	if _, _, err := s.AddDomain(ctx, "https://"); !errors.Is(err, notifier.ErrConfigMissing) {
		t.Errorf("AddDomain(empty) error = %v, want ErrConfigMissing", err)
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"rasperwings.com":              "rasperwings.com",
		"http://www.example.com/a/b":   "example.com",
		"WWW.EXAMPLE.COM":              "example.com",
		"https://sub.example.com/":     "sub.example.com",
		"  example.com/path?query=1  ": "example.com",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionFallback(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()

	// Legacy flat keys only.
	_ = mem.Save(ctx, KeyToken, []byte(`"legacy"`))
	_ = mem.Save(ctx, KeyTokenExpiry, []byte(`123`))
	_ = mem.Save(ctx, KeyVendors, []byte(`[{"id":"1","title":"A"}]`))
	sess := s.Session(ctx, "shop.ir")
	if sess.Token != "legacy" || sess.ExpiresAt != 123 || len(sess.Vendors) != 1 {
		t.Errorf("Session() legacy fallback = %+v", sess)
	}

	if err := s.SaveToken(ctx, "", "default", 456); err != nil {
		t.Fatalf("SaveToken(default) error: %v", err)
	}
	if got := s.Session(ctx, "shop.ir").Token; got != "default" {
		t.Errorf("Session(shop.ir).Token = %q, want default", got)
	}

	if err := s.SaveToken(ctx, "shop.ir", "shop", 789); err != nil {
		t.Fatalf("SaveToken(shop.ir) error: %v", err)
	}
	if err := s.SaveVendors(ctx, "shop.ir", []notifier.Vendor{{ID: "9", Title: "Shop"}}); err != nil {
		t.Fatalf("SaveVendors() error: %v", err)
	}
	sess = s.Session(ctx, "shop.ir")
	if sess.Token != "shop" || sess.ExpiresAt != 789 || len(sess.Vendors) != 1 || sess.Vendors[0].ID != "9" {
		t.Errorf("Session(shop.ir) = %+v", sess)
	}

	raw, _ := mem.Load(ctx, KeyToken)
	if string(raw) != `"default"` {
		t.Errorf("legacy token = %s, want mirror of default only", raw)
	}
}

func TestClearSession(t *testing.T) {
	s, mem := newStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, "", "default", 456)
	_ = s.SaveVendors(ctx, "", []notifier.Vendor{{ID: "1", Title: "A"}})
	_ = s.SaveToken(ctx, "shop.ir", "shop", 789)

	if err := s.ClearSession(ctx, "shop.ir"); err != nil {
		t.Fatalf("ClearSession(shop.ir) error: %v", err)
	}
	if got := s.Session(ctx, "shop.ir").Token; got != "default" {
		t.Errorf("after clearing shop.ir token = %q, want default fallback", got)
	}
	if raw, _ := mem.Load(ctx, KeyToken); string(raw) != `"default"` {
		t.Errorf("clearing a domain touched the legacy token: %s", raw)
	}

	if err := s.ClearSession(ctx, ""); err != nil {
		t.Fatalf("ClearSession(default) error: %v", err)
	}
	sess := s.Session(ctx, "")
	if sess.Token != "" || sess.ExpiresAt != 0 || len(sess.Vendors) != 0 {
		t.Errorf("Session() after clearing default = %+v, want empty", sess)
	}
}

func TestStoredSessions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_ = s.SaveToken(ctx, "b.ir", "tb", 2)
	_ = s.SaveToken(ctx, "a.ir", "ta", 1)
	_ = s.SaveToken(ctx, "", "td", 3)

	got := s.StoredSessions(ctx)
	var domains []string
	for _, ds := range got {
		domains = append(domains, ds.Domain)
	}
	if !slices.Equal(domains, []string{"", "a.ir", "b.ir"}) {
		t.Fatalf("StoredSessions() domains = %q", domains)
	}
	if got[0].Session.Token != "td" || got[1].Session.ExpiresAt != 1 {
		t.Errorf("StoredSessions() = %+v", got)
	}
}

func TestRollingLog(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	s.SetClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) })

	for i := range 250 {
		if err := s.AppendLog(ctx, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("AppendLog() error: %v", err)
		}
	}
	logs := s.Logs(ctx)
	if len(logs) != MaxLogEntries {
		t.Fatalf("len(Logs()) = %d, want %d", len(logs), MaxLogEntries)
	}
	if logs[0] != "[2024-01-02 03:04:05] entry 50" {
		t.Errorf("oldest line = %q, want entry 50", logs[0])
	}
	if !strings.HasSuffix(logs[len(logs)-1], "entry 249") {
		t.Errorf("newest line = %q", logs[len(logs)-1])
	}

	if err := s.ClearLogs(ctx); err != nil {
		t.Fatalf("ClearLogs() error: %v", err)
	}
	if logs := s.Logs(ctx); len(logs) != 0 {
		t.Errorf("Logs() after clear = %v", logs)
	}
}

func TestMarkers(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(filepath.Join(t.TempDir(), "markers"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m := NewMarkers(backend, testLogger())

	if m.IsSent(ctx, "42", notifier.ActionSingle) {
		t.Fatalf("IsSent() on empty set = true")
	}
	if err := m.MarkSent(ctx, "42", notifier.ActionSingle); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}
	if err := m.MarkSent(ctx, "42", notifier.ActionSingle); err != nil {
		t.Fatalf("second MarkSent() error: %v", err)
	}
	if got := m.List(ctx); !slices.Equal(got, []string{"42_single"}) {
		t.Errorf("List() = %v, want one marker", got)
	}
	if !m.IsSent(ctx, "42", notifier.ActionSingle) {
		t.Errorf("IsSent(42, single) = false after marking")
	}
	if m.IsSent(ctx, "42", notifier.ActionAggregate) {
		t.Errorf("IsSent(42, aggregate) = true, kinds must be independent")
	}
	if err := m.MarkSent(ctx, "", notifier.ActionSingle); err != nil || len(m.List(ctx)) != 1 {
		t.Errorf("MarkSent with empty id should be ignored")
	}
}
