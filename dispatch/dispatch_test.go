package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/settings"
	"snappyar-notifier/sms"
	"snappyar-notifier/storage"
	"snappyar-notifier/toast"
	"snappyar-notifier/vendorapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOrders struct {
	list     vendorapi.OrderList
	err      error
	calls    int
	vendorID string
	day      string
	token    string
}

func (f *fakeOrders) Orders(_ context.Context, token, vendorID, day string) (vendorapi.OrderList, error) {
	f.calls++
	f.token, f.vendorID, f.day = token, vendorID, day
	return f.list, f.err
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

type fixture struct {
	store    *settings.Store
	markers  *settings.Markers
	orders   *fakeOrders
	provider *sms.MockProvider
	toasts   *toast.Toaster
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	f := &fixture{
		store:    settings.New(storage.NewMemory(), logger),
		markers:  settings.NewMarkers(storage.NewMemory(), logger),
		orders:   &fakeOrders{list: vendorapi.OrderList{Orders: []notifier.RemoteOrder{{CustomerName: "Ali Rezaei", Code: "ABC"}}}},
		provider: sms.NewMockProvider(logger),
		toasts:   toast.New(logger),
	}
	f.toasts.SetAfterFunc(func(time.Duration, func()) toast.Timer { return nopTimer{} })

	must(t, f.store.SaveToken(ctx, "", "tok", time.Now().Add(time.Hour).UnixMilli()))
	must(t, f.store.SaveVendors(ctx, "", []notifier.Vendor{{ID: "7", Title: "Pizza Co (Other)"}, {ID: "1", Title: "Pizza Co (North)"}}))
	must(t, f.store.SaveTemplate(ctx, "", "سلام {name} {url}", ""))
	must(t, f.store.SaveAPI(ctx, settings.APISettings{URL: "https://sms.example/send", AuthToken: "raw"}))

	f.d = New(f.store, f.orders, f.markers, f.provider, f.toasts, Config{}, logger)
	return f
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func row() notifier.OrderRow {
	return notifier.OrderRow{
		ID:           "101",
		FirstName:    "Ali  Rezaei",
		Phone:        "9121234567",
		TrackingCode: "SnappFood",
		BranchName:   "North",
		DateTime:     "1402/01/15 در ساعت 10:00",
	}
}

func TestSendSingle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.d.Send(ctx, "", row(), notifier.ActionSingle)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Label != LabelSent || out.Enabled || !out.Sent {
		t.Errorf("outcome = %+v", out)
	}
	if f.orders.vendorID != "1" || f.orders.day != "2023-4-4" || f.orders.token != "tok" {
		t.Errorf("orders query = vendor %q day %q token %q", f.orders.vendorID, f.orders.day, f.orders.token)
	}
	sent := f.provider.Sent()
	if len(sent) != 1 || sent[0].Number != "09121234567" || sent[0].Text != "سلام Ali Rezaei https://link.sib360.com/ABC" {
		t.Errorf("sent = %+v", sent)
	}
	if cur, ok := f.toasts.Current(); !ok || cur.Kind != toast.Success || !strings.Contains(cur.Message, "09121234567") {
		t.Errorf("toast = %+v", cur)
	}
	if !f.markers.IsSent(ctx, "101", notifier.ActionSingle) {
		t.Errorf("marker not recorded")
	}

	again, err := f.d.Send(ctx, "", row(), notifier.ActionSingle)
	if err != nil || !again.Sent || len(f.provider.Sent()) != 1 {
		t.Errorf("second Send() = %+v, %v; want no new message", again, err)
	}
	if f.markers.IsSent(ctx, "101", notifier.ActionAggregate) {
		t.Errorf("aggregate marker set by single send")
	}
}

func TestSendAggregateUsesDomainLinkBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	must(t, f.store.SaveTemplate(ctx, "shop.example", "{name}: {url}", "https://l.example/"))

	out, err := f.d.Send(ctx, "shop.example", row(), notifier.ActionAggregate)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Message != "Ali Rezaei: https://l.example" {
		t.Errorf("message = %q", out.Message)
	}
	if cur, _ := f.toasts.Current(); !strings.Contains(cur.Message, "تجمیعی") {
		t.Errorf("toast = %q, want aggregate success", cur.Message)
	}
}

func TestSendFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, f *fixture, r *notifier.OrderRow)
		wantLabel string
		wantErr   func(error) bool
		wantToast string
	}{
		{
			name:      "bad date",
			setup:     func(_ *testing.T, _ *fixture, r *notifier.OrderRow) { r.DateTime = "yesterday" },
			wantLabel: LabelUnexpected,
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrParse) },
		},
		{
			name: "not logged in",
			setup: func(t *testing.T, f *fixture, _ *notifier.OrderRow) {
				must(t, f.store.ClearSession(context.Background(), ""))
			},
			wantLabel: "ارسال پیامک",
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrConfigMissing) },
		},
		{
			name:      "no vendor for branch",
			setup:     func(_ *testing.T, _ *fixture, r *notifier.OrderRow) { r.BranchName = "South" },
			wantLabel: "ارسال پیامک",
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrNoMatch) },
			wantToast: "South",
		},
		{
			name: "orders rejected",
			setup: func(_ *testing.T, f *fixture, _ *notifier.OrderRow) {
				f.orders.err = &notifier.RemoteError{Status: 500, Text: "boom"}
			},
			wantLabel: LabelOrdersFailed,
			wantErr:   notifier.IsRemoteError,
			wantToast: "500 - boom",
		},
		{
			name:      "order not found",
			setup:     func(_ *testing.T, _ *fixture, r *notifier.OrderRow) { r.FirstName = "Sara" },
			wantLabel: LabelOrderNotFound,
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrNoMatch) },
			wantToast: "Sara",
		},
		{
			name: "no template",
			setup: func(t *testing.T, f *fixture, _ *notifier.OrderRow) {
				must(t, f.store.DeleteTemplate(context.Background(), ""))
			},
			wantLabel: LabelNoTemplate,
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrConfigMissing) },
		},
		{
			name:      "no phone",
			setup:     func(_ *testing.T, _ *fixture, r *notifier.OrderRow) { r.Phone = " " },
			wantLabel: LabelNoPhone,
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrConfigMissing) },
		},
		{
			name: "no api",
			setup: func(t *testing.T, f *fixture, _ *notifier.OrderRow) {
				must(t, f.store.SaveAPI(context.Background(), settings.APISettings{URL: "https://sms.example/send"}))
			},
			wantLabel: LabelNoAPI,
			wantErr:   func(err error) bool { return errors.Is(err, notifier.ErrConfigMissing) },
		},
		{
			name: "gateway rejected",
			setup: func(_ *testing.T, f *fixture, _ *notifier.OrderRow) {
				f.provider.Err = &notifier.RemoteError{Status: 400, Text: "bad number"}
			},
			wantLabel: LabelRejected,
			wantErr:   notifier.IsRemoteError,
			wantToast: "400 - bad number",
		},
		{
			name: "gateway threw",
			setup: func(_ *testing.T, f *fixture, _ *notifier.OrderRow) {
				f.provider.Err = errors.New("encoder broke")
			},
			wantLabel: LabelSendError,
			wantErr:   func(err error) bool { return err != nil && !notifier.IsRemoteError(err) },
			wantToast: "encoder broke",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := row()
			tt.setup(t, f, &r)

			out, err := f.d.Send(context.Background(), "", r, notifier.ActionSingle)
			if !tt.wantErr(err) {
				t.Errorf("Send() error = %v", err)
			}
			if out == nil {
				t.Fatal("Send() returned no outcome")
			}
			if out.Label != tt.wantLabel || !out.Enabled || out.Sent {
				t.Errorf("outcome = %+v, want label %q and enabled", out, tt.wantLabel)
			}
			cur, ok := f.toasts.Current()
			if !ok || cur.Kind != toast.Error {
				t.Errorf("toast = %+v, %v; want error toast", cur, ok)
			}
			if tt.wantToast != "" && !strings.Contains(cur.Message, tt.wantToast) {
				t.Errorf("toast message = %q, want it to contain %q", cur.Message, tt.wantToast)
			}
			if len(f.provider.Sent()) != 0 {
				t.Errorf("message sent despite failure")
			}
			if f.markers.IsSent(context.Background(), r.ID, notifier.ActionSingle) {
				t.Errorf("marker recorded despite failure")
			}
		})
	}
}

func TestSendCleansPostedDate(t *testing.T) {
	f := newFixture(t)
	r := row()
	r.DateTime = "\u200f1402/01/15\u200f در ساعت 10:00"

	out, err := f.d.Send(context.Background(), "", r, notifier.ActionSingle)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !out.Sent || f.orders.day != "2023-4-4" {
		t.Errorf("outcome = %+v, day = %q", out, f.orders.day)
	}
	if len(f.provider.Sent()) != 1 {
		t.Errorf("sent = %+v", f.provider.Sent())
	}
}

func TestSendIneligibleRow(t *testing.T) {
	f := newFixture(t)
	r := row()
	r.TrackingCode = "phone"

	if _, err := f.d.Send(context.Background(), "", r, notifier.ActionSingle); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Send() error = %v, want ErrNotEligible", err)
	}
	if f.orders.calls != 0 {
		t.Errorf("orders fetched for ineligible row")
	}
	if _, err := f.d.Send(context.Background(), "", row(), notifier.ActionKind("sms")); err == nil {
		t.Errorf("Send() with unknown kind returned nil error")
	}
}

func TestMatchVendor(t *testing.T) {
	vendors := []notifier.Vendor{
		{ID: "0", Title: ""},
		{ID: "1", Title: "Burger House (Tajrish)"},
		{ID: "2", Title: "Tajrish"},
		{ID: "3", Title: "Kebab Vanak Branch"},
	}
	tests := []struct {
		branch string
		wantID string
		wantOK bool
	}{
		{"Tajrish", "1", true},
		{"tajrish\u200c", "1", true},
		{"Vanak", "3", true},
		{"Niavaran", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			v, ok := MatchVendor(vendors, tt.branch)
			if ok != tt.wantOK || v.ID != tt.wantID {
				t.Errorf("MatchVendor(%q) = %+v, %v", tt.branch, v, ok)
			}
		})
	}
}
