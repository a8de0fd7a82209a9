// Package options implements the settings page: SMS gateway settings,
// message templates per domain, vendor accounts, a test send and the log.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"snappyar-notifier/auth"
	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/settings"
	"snappyar-notifier/sms"
)

// DefaultDomainChoice labels the default entry of the login domain selector.
const DefaultDomainChoice = "پیش‌فرض (همهٔ آدرس‌ها)"

// ErrMissingInput is returned when a required field is blank.
var ErrMissingInput = errors.New("missing input")

// DomainChoice is an entry of the login domain selector.
type DomainChoice struct {
	Domain string `json:"domain"`
	Label  string `json:"label"`
}

// State is everything the settings page shows.
type State struct {
	Templates settings.TemplateSet `json:"templates"`
	API       settings.APISettings `json:"api"`
	Domains   []DomainChoice       `json:"domains"`
	Accounts  []auth.Status        `json:"accounts"`
	Logs      []string             `json:"logs"`
	// TestSendEnabled is true when both the gateway URL and token are set.
	TestSendEnabled bool `json:"test_send_enabled"`
}

// Controller backs the settings page. It owns the login flow.
type Controller struct {
	store    *settings.Store
	flow     *auth.Flow
	provider sms.Provider
	logger   *slog.Logger
}

// New creates a Controller.
func New(store *settings.Store, flow *auth.Flow, provider sms.Provider, logger *slog.Logger) *Controller {
	return &Controller{store: store, flow: flow, provider: provider, logger: logger}
}

// Flow returns the login flow.
func (c *Controller) Flow() *auth.Flow {
	return c.flow
}

// Load gathers the page state.
func (c *Controller) Load(ctx context.Context) State {
	api := c.store.API(ctx)
	return State{
		API:             api,
		TestSendEnabled: api.Configured(),
		Templates:       c.store.Templates(ctx),
		Domains:         c.Domains(ctx),
		Accounts:        c.flow.Accounts(ctx),
		Logs:            c.store.Logs(ctx),
	}
}

// SaveAPI stores the gateway settings and reports whether test send is now enabled.
func (c *Controller) SaveAPI(ctx context.Context, url, token string) (bool, error) {
	api := settings.APISettings{URL: strings.TrimSpace(url), AuthToken: strings.TrimSpace(token)}
	if err := c.store.SaveAPI(ctx, api); err != nil {
		return false, fmt.Errorf("save api settings: %w", err)
	}
	c.store.Logf(ctx, "تنظیمات ذخیره شد")
	return api.Configured(), nil
}

// AddDomain registers a domain for templates and logins. Adding a known
// domain selects it for editing.
func (c *Controller) AddDomain(ctx context.Context, raw string) (string, error) {
	domain, added, err := c.store.AddDomain(ctx, raw)
	if errors.Is(err, notifier.ErrConfigMissing) {
		c.store.Logf(ctx, "لطفاً یک آدرس وارد کنید (مثلاً rasperwings.com)")
		return "", fmt.Errorf("%w: domain", ErrMissingInput)
	}
	if err != nil {
		return "", fmt.Errorf("add domain: %w", err)
	}
	if added {
		c.store.Logf(ctx, "آدرس %s اضافه شد؛ متن و پایهٔ لینک را وارد و ذخیره کنید", domain)
	} else {
		c.store.Logf(ctx, "قالب برای %s در حال ویرایش", domain)
	}
	return domain, nil
}

// SaveTemplate stores the template and link base of domain.
func (c *Controller) SaveTemplate(ctx context.Context, domain, template, linkBase string) error {
	if err := c.store.SaveTemplate(ctx, domain, template, linkBase); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	if domain == notifier.DefaultDomain {
		c.store.Logf(ctx, "متن پیش‌فرض پیامک ذخیره شد")
	} else {
		c.store.Logf(ctx, "متن و لینک برای %s ذخیره شد", domain)
	}
	return nil
}

// DeleteTemplate removes the template and link base of domain.
func (c *Controller) DeleteTemplate(ctx context.Context, domain string) error {
	if err := c.store.DeleteTemplate(ctx, domain); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if domain == notifier.DefaultDomain {
		c.store.Logf(ctx, "قالب پیش‌فرض حذف شد")
	} else {
		c.store.Logf(ctx, "قالب %s حذف شد", domain)
	}
	return nil
}

// Domains lists the login domain choices: the default entry, then every
// template domain in order.
func (c *Controller) Domains(ctx context.Context) []DomainChoice {
	choices := []DomainChoice{{Domain: notifier.DefaultDomain, Label: DefaultDomainChoice}}
	return append(choices, lo.Map(c.store.Templates(ctx).Domains(), func(d string, _ int) DomainChoice {
		return DomainChoice{Domain: d, Label: d}
	})...)
}

// Accounts lists domains with a valid vendor session.
func (c *Controller) Accounts(ctx context.Context) []auth.Status {
	return c.flow.Accounts(ctx)
}

// Logout ends the vendor session of domain.
func (c *Controller) Logout(ctx context.Context, domain string) error {
	return c.flow.Logout(ctx, domain)
}

// TestSend sends message to phone with the stored gateway settings. Every
// attempt and its result is written to the rolling log.
func (c *Controller) TestSend(ctx context.Context, phone, message string) error {
	phone = strings.TrimSpace(phone)
	message = strings.TrimSpace(message)
	if phone == "" || message == "" {
		c.store.Logf(ctx, "شماره یا متن پیام وارد نشده است")
		return ErrMissingInput
	}

	api := c.store.API(ctx)
	if !api.Configured() {
		c.store.Logf(ctx, "API URL یا توکن تنظیم نشده است")
		return fmt.Errorf("test send: %w", notifier.ErrConfigMissing)
	}

	c.store.Logf(ctx, "ارسال پیام به %s...", phone)
	if err := c.provider.Send(ctx, api, phone, message); err != nil {
		var remote *notifier.RemoteError
		if errors.As(err, &remote) {
			c.store.Logf(ctx, "خطا در ارسال (%d): %s", remote.Status, remote.Text)
		} else {
			c.store.Logf(ctx, "%s", err.Error())
		}
		return err
	}
	c.store.Logf(ctx, "ارسال موفق: OK")
	c.logger.Info("Test SMS sent", "phone", phone)
	return nil
}

// Logs returns the rolling log, oldest first.
func (c *Controller) Logs(ctx context.Context) []string {
	return c.store.Logs(ctx)
}

// ClearLogs empties the rolling log.
func (c *Controller) ClearLogs(ctx context.Context) error {
	return c.store.ClearLogs(ctx)
}
