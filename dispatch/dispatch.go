// Package dispatch runs a row action: it resolves the vendor and order for a
// dashboard row, renders the message and sends it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"snappyar-notifier/calendar"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/scraper"
	"snappyar-notifier/settings"
	"snappyar-notifier/sms"
	"snappyar-notifier/toast"
	"snappyar-notifier/vendorapi"
)

// DefaultLinkBase is used when no link base is configured for a domain.
const DefaultLinkBase = "https://link.sib360.com"

// Button labels.
const (
	LabelProcessing    = "در حال پردازش..."
	LabelSent          = scraper.SentLabel
	LabelOrdersFailed  = "خطا در دریافت سفارشات"
	LabelOrderNotFound = "سفارش پیدا نشد"
	LabelNoTemplate    = "متن تنظیم نشده"
	LabelNoPhone       = "شماره موجود نیست"
	LabelNoAPI         = "API تنظیم نشده"
	LabelRejected      = "ارسال ناموفق"
	LabelSendError     = "خطا در ارسال"
	LabelUnexpected    = "خطا"
)

// ErrNotEligible is returned for rows whose button is disabled.
var ErrNotEligible = errors.New("row is not eligible for sending")

// Settings is the configuration the dispatcher reads on every send.
type Settings interface {
	Session(ctx context.Context, domain string) notifier.VendorSession
	Template(ctx context.Context, domain string) string
	LinkBase(ctx context.Context, domain string) string
	API(ctx context.Context) settings.APISettings
}

// OrderSource lists a vendor's orders for a day.
type OrderSource interface {
	Orders(ctx context.Context, token, vendorID, day string) (vendorapi.OrderList, error)
}

// Markers records which actions already ran.
type Markers interface {
	IsSent(ctx context.Context, orderID string, kind notifier.ActionKind) bool
	MarkSent(ctx context.Context, orderID string, kind notifier.ActionKind) error
}

// Config holds dispatcher defaults.
type Config struct {
	DefaultLinkBase string
	Sentinel        string
}

// Outcome is the button state after a send attempt.
type Outcome struct {
	Toast   *toast.Toast `json:"toast,omitempty"`
	Label   string       `json:"label"`
	Phone   string       `json:"phone,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Enabled bool         `json:"enabled"`
	Sent    bool         `json:"sent"`
}

// Dispatcher sends row actions.
type Dispatcher struct {
	settings Settings
	orders   OrderSource
	markers  Markers
	provider sms.Provider
	toasts   *toast.Toaster
	logger   *slog.Logger
	cfg      Config
}

// New creates a Dispatcher.
func New(s Settings, orders OrderSource, markers Markers, provider sms.Provider, toasts *toast.Toaster, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultLinkBase == "" {
		cfg.DefaultLinkBase = DefaultLinkBase
	}
	cfg.DefaultLinkBase = strings.TrimRight(cfg.DefaultLinkBase, "/")
	cfg.Sentinel = strings.ToLower(strings.TrimSpace(cfg.Sentinel))
	if cfg.Sentinel == "" {
		cfg.Sentinel = scraper.DefaultSentinel
	}
	return &Dispatcher{
		settings: s,
		orders:   orders,
		markers:  markers,
		provider: provider,
		toasts:   toasts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Send runs the action of kind for row on domain. Every failure returns an
// Outcome with the label to show and the button re-enabled, together with the
// error. Nothing is retried.
func (d *Dispatcher) Send(ctx context.Context, domain string, row notifier.OrderRow, kind notifier.ActionKind) (*Outcome, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	idle := IdleLabel(kind)
	if strings.ToLower(strings.TrimSpace(row.TrackingCode)) != d.cfg.Sentinel {
		return &Outcome{Label: idle}, ErrNotEligible
	}
	if row.ID != "" && d.markers.IsSent(ctx, row.ID, kind) {
		return &Outcome{Label: LabelSent, Sent: true}, nil
	}

	firstName := notifier.CleanText(row.FirstName)
	branch := notifier.CleanText(row.BranchName)
	dateTime := notifier.CleanText(row.DateTime)
	log := d.logger.With("domain", domain, "order_id", row.ID, "kind", string(kind))
	log.Info("Dispatch starting", "branch", branch)

	day, err := calendar.JalaliToGregorian(dateTime)
	if err != nil {
		return d.fail(LabelUnexpected, fmt.Sprintf("خطای غیرمنتظره: %v", err), err)
	}

	session := d.settings.Session(ctx, domain)
	if session.Token == "" {
		err := fmt.Errorf("vendor login: %w", notifier.ErrConfigMissing)
		return d.fail(idle, "خطا: ابتدا وارد حساب اسنپ‌فود شوید", err)
	}
	vendor, ok := MatchVendor(session.Vendors, branch)
	if !ok {
		err := fmt.Errorf("vendor for branch %q: %w", branch, notifier.ErrNoMatch)
		return d.fail(idle, fmt.Sprintf("خطا: فروشگاه برای شعبه %s پیدا نشد", branch), err)
	}

	list, err := d.orders.Orders(ctx, session.Token, vendor.ID, day)
	if err != nil {
		status, text := describe(err)
		return d.fail(LabelOrdersFailed, fmt.Sprintf("خطا در دریافت سفارشات: %d - %s", status, text), err)
	}
	order, ok := list.FindByCustomer(firstName)
	if !ok {
		err := fmt.Errorf("order for %q among %d orders: %w", firstName, len(list.Orders), notifier.ErrNoMatch)
		return d.fail(LabelOrderNotFound, fmt.Sprintf("خطا: سفارش برای %s پیدا نشد", firstName), err)
	}

	tmpl := d.settings.Template(ctx, domain)
	if tmpl == "" {
		err := fmt.Errorf("message template: %w", notifier.ErrConfigMissing)
		return d.fail(LabelNoTemplate, "خطا: متن پیامک تنظیم نشده است - لطفاً در تنظیمات متن پیامک را وارد کنید", err)
	}
	link := d.linkBase(ctx, domain)
	if kind == notifier.ActionSingle {
		link += "/" + order.Code
	}
	message := notifier.RenderTemplate(tmpl, firstName, link)

	phone := notifier.NormalizePhone(row.Phone)
	if phone == "" {
		err := fmt.Errorf("customer phone: %w", notifier.ErrConfigMissing)
		return d.fail(LabelNoPhone, "خطا: شماره مشتری موجود نیست", err)
	}

	api := d.settings.API(ctx)
	if !api.Configured() {
		err := fmt.Errorf("sms api: %w", notifier.ErrConfigMissing)
		return d.fail(LabelNoAPI, "خطا: API URL یا توکن تنظیم نشده است - لطفاً در تنظیمات API را وارد کنید", err)
	}

	if err := d.provider.Send(ctx, api, phone, message); err != nil {
		if notifier.IsRemoteError(err) || notifier.IsNetworkError(err) {
			status, text := describe(err)
			return d.fail(LabelRejected, fmt.Sprintf("خطا در ارسال پیامک: %d - %s", status, text), err)
		}
		return d.fail(LabelSendError, fmt.Sprintf("خطا در ارسال پیامک: %v", err), err)
	}

	if row.ID != "" {
		if err := d.markers.MarkSent(ctx, row.ID, kind); err != nil {
			log.Warn("Failed to record sent marker", "error", err)
		}
	}

	success := fmt.Sprintf("پیامک با موفقیت به %s ارسال شد", phone)
	if kind == notifier.ActionAggregate {
		success = fmt.Sprintf("پیامک تجمیعی با موفقیت به %s ارسال شد", phone)
	}
	shown := d.toasts.Show(success, toast.Success, 0)
	log.Info("Dispatch completed", "phone", phone, "order_code", order.Code, "vendor_id", vendor.ID)
	return &Outcome{
		Label:   LabelSent,
		Sent:    true,
		Phone:   phone,
		Code:    order.Code,
		Message: message,
		Toast:   &shown,
	}, nil
}

func (d *Dispatcher) fail(label, toastMessage string, err error) (*Outcome, error) {
	shown := d.toasts.Show(toastMessage, toast.Error, 0)
	d.logger.Warn("Dispatch failed", "label", label, "error", err)
	return &Outcome{Label: label, Enabled: true, Toast: &shown}, err
}

// linkBase resolves the domain's link base, then the default entry's, then
// the configured default.
func (d *Dispatcher) linkBase(ctx context.Context, domain string) string {
	if base := d.settings.LinkBase(ctx, domain); base != "" {
		return strings.TrimRight(base, "/")
	}
	return d.cfg.DefaultLinkBase
}

// IdleLabel is the label of a ready button of kind.
func IdleLabel(kind notifier.ActionKind) string {
	if kind == notifier.ActionAggregate {
		return scraper.AggregateLabel
	}
	return scraper.SingleLabel
}

// MatchVendor returns the first vendor whose title contains "(branch)",
// equals branch or contains branch, after normalization.
func MatchVendor(vendors []notifier.Vendor, branch string) (notifier.Vendor, bool) {
	bn := notifier.MatchKey(branch)
	return lo.Find(vendors, func(v notifier.Vendor) bool {
		title := notifier.MatchKey(v.Title)
		if title == "" {
			return false
		}
		return strings.Contains(title, "("+bn+")") || title == bn || (bn != "" && strings.Contains(title, bn))
	})
}

// describe returns the HTTP status and display text of a remote or network error.
func describe(err error) (int, string) {
	var remote *notifier.RemoteError
	if errors.As(err, &remote) {
		return remote.Status, remote.Text
	}
	var network *notifier.NetworkError
	if errors.As(err, &network) && network.Err != nil {
		return 0, network.Err.Error()
	}
	return 0, err.Error()
}
