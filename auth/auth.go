// Package auth runs the vendor login flow: password login, one-time code
// login, logout and session status per domain.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/settings"
	"snappyar-notifier/vendorapi"
)

// OTPWindow is how long a requested code may be verified and how long resend
// stays locked.
const OTPWindow = 2 * time.Minute

var (
	// ErrMissingInput is returned when a cellphone, password or code is blank.
	ErrMissingInput = errors.New("missing input")
	// ErrResendLocked is returned when a code is requested inside the window of the previous one.
	ErrResendLocked = errors.New("otp resend locked")
	// ErrOTPExpired is returned when verifying with no code outstanding.
	ErrOTPExpired = errors.New("otp expired")
	// ErrInvalidCode is returned when the code is not an integer.
	ErrInvalidCode = errors.New("otp code must be numeric")
)

// State is the login state of a domain.
type State int

const (
	LoggedOut State = iota
	OTPRequested
	LoggedIn
)

func (s State) String() string {
	switch s {
	case OTPRequested:
		return "otp_requested"
	case LoggedIn:
		return "logged_in"
	default:
		return "logged_out"
	}
}

// VendorClient is the subset of the vendor API the flow needs.
type VendorClient interface {
	LoginPassword(ctx context.Context, cellphone, password string) (vendorapi.Token, error)
	SendOTP(ctx context.Context, mobile string) error
	VerifyOTP(ctx context.Context, cellphone string, code int) (vendorapi.Token, error)
	Vendors(ctx context.Context, token string) ([]notifier.Vendor, error)
}

// Status describes the session of one domain.
type Status struct {
	ExpiresAt     time.Time     `json:"expires_at,omitzero"`
	Domain        string        `json:"domain"`
	Label         string        `json:"label"`
	Text          string        `json:"text"`
	State         string        `json:"state"`
	RemainingDays int           `json:"remaining_days"`
	OTPRemaining  time.Duration `json:"otp_remaining"`
	LoggedIn      bool          `json:"logged_in"`
}

// Flow drives logins for every domain. Outstanding one-time codes are held in
// memory per domain.
type Flow struct {
	client  VendorClient
	store   *settings.Store
	logger  *slog.Logger
	now     func() time.Time
	pending map[string]time.Time // domain -> code expiry
	mu      sync.Mutex
}

// New creates a Flow.
func New(client VendorClient, store *settings.Store, logger *slog.Logger) *Flow {
	return &Flow{
		client:  client,
		store:   store,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// SetClock replaces the clock used for code windows and session validity.
func (f *Flow) SetClock(now func() time.Time) {
	f.now = now
}

// LoginPassword logs domain in with a cellphone and password.
func (f *Flow) LoginPassword(ctx context.Context, domain, cellphone, password string) (Status, error) {
	cellphone = strings.TrimSpace(cellphone)
	password = strings.TrimSpace(password)
	if cellphone == "" || password == "" {
		f.store.Logf(ctx, "شماره یا رمز عبور وارد نشده است")
		return Status{}, ErrMissingInput
	}

	f.store.Logf(ctx, "ورود با رمز عبور...")
	tok, err := f.client.LoginPassword(ctx, cellphone, password)
	if err != nil {
		f.store.Logf(ctx, "%s", err.Error())
		return Status{}, err
	}
	return f.completeLogin(ctx, domain, tok)
}

// RequestOTP asks for a one-time code for domain. While a previous code is
// still inside its window the request is refused with ErrResendLocked.
func (f *Flow) RequestOTP(ctx context.Context, domain, cellphone string) (time.Duration, error) {
	cellphone = strings.TrimSpace(cellphone)
	if cellphone == "" {
		f.store.Logf(ctx, "شماره موبایل وارد نشده است")
		return 0, ErrMissingInput
	}

	// The lock is taken before the send so concurrent requests cannot both pass.
	f.mu.Lock()
	if remaining := f.otpRemainingLocked(domain); remaining > 0 {
		f.mu.Unlock()
		return remaining, fmt.Errorf("%w: %s remaining", ErrResendLocked, remaining.Round(time.Second))
	}
	f.pending[domain] = f.now().Add(OTPWindow)
	f.mu.Unlock()

	f.store.Logf(ctx, "ارسال کد تایید...")
	if err := f.client.SendOTP(ctx, cellphone); err != nil {
		f.store.Logf(ctx, "%s", err.Error())
		f.mu.Lock()
		delete(f.pending, domain)
		f.mu.Unlock()
		return 0, err
	}

	f.mu.Lock()
	f.pending[domain] = f.now().Add(OTPWindow)
	f.mu.Unlock()
	f.logger.Info("OTP requested", "domain", domain)
	return OTPWindow, nil
}

// VerifyOTP completes a one-time code login. Verifying outside the window is
// refused without a network call and returns the domain to LoggedOut.
func (f *Flow) VerifyOTP(ctx context.Context, domain, cellphone, code string) (Status, error) {
	f.mu.Lock()
	if f.otpRemainingLocked(domain) <= 0 {
		delete(f.pending, domain)
		f.mu.Unlock()
		f.store.Logf(ctx, "مهلت وارد کردن کد به پایان رسیده است")
		return Status{}, ErrOTPExpired
	}
	f.mu.Unlock()

	cellphone = strings.TrimSpace(cellphone)
	code = strings.TrimSpace(code)
	if cellphone == "" || code == "" {
		f.store.Logf(ctx, "شماره یا کد وارد نشده است")
		return Status{}, ErrMissingInput
	}
	n, err := strconv.Atoi(notifier.NormalizeDigits(code))
	if err != nil {
		f.store.Logf(ctx, "کد باید عددی باشد")
		return Status{}, ErrInvalidCode
	}

	f.store.Logf(ctx, "تایید کد و ورود...")
	tok, err := f.client.VerifyOTP(ctx, cellphone, n)
	if err != nil {
		f.store.Logf(ctx, "%s", err.Error())
		return Status{}, err
	}

	f.mu.Lock()
	delete(f.pending, domain)
	f.mu.Unlock()
	return f.completeLogin(ctx, domain, tok)
}

// completeLogin stores the token and fetches the vendor list when the domain
// has none yet. A failed vendor fetch is only recorded in the rolling log.
func (f *Flow) completeLogin(ctx context.Context, domain string, tok vendorapi.Token) (Status, error) {
	if err := f.store.SaveToken(ctx, domain, tok.AccessToken, tok.ExpiresAt); err != nil {
		return Status{}, fmt.Errorf("save token: %w", err)
	}
	if domain == notifier.DefaultDomain {
		f.store.Logf(ctx, "توکن اسنپ‌فود ذخیره شد")
	} else {
		f.store.Logf(ctx, "توکن اسنپ‌فود برای %s ذخیره شد", domain)
	}
	f.logger.Info("Vendor session stored", "domain", domain, "expires_at", time.UnixMilli(tok.ExpiresAt).UTC().Format(time.RFC3339))

	if session := f.store.Session(ctx, domain); len(session.Vendors) == 0 {
		f.store.Logf(ctx, "در حال دریافت لیست وندورها...")
		vendors, err := f.client.Vendors(ctx, tok.AccessToken)
		if err != nil {
			f.store.Logf(ctx, "%s", err.Error())
		} else if err := f.store.SaveVendors(ctx, domain, vendors); err != nil {
			f.store.Logf(ctx, "%s", err.Error())
		} else {
			f.store.Logf(ctx, "لیست وندورها برای %s ذخیره شد (%d)", Label(domain), len(vendors))
		}
	}
	return f.Status(ctx, domain), nil
}

// Logout clears the session of domain and any outstanding code.
func (f *Flow) Logout(ctx context.Context, domain string) error {
	f.mu.Lock()
	delete(f.pending, domain)
	f.mu.Unlock()

	if err := f.store.ClearSession(ctx, domain); err != nil {
		return fmt.Errorf("logout %q: %w", domain, err)
	}
	f.store.Logf(ctx, "خروج از حساب اسنپ‌فود انجام شد")
	f.logger.Info("Vendor session cleared", "domain", domain)
	return nil
}

// State returns the login state of domain.
func (f *Flow) State(ctx context.Context, domain string) State {
	if f.store.Session(ctx, domain).ValidAt(f.now()) {
		return LoggedIn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.otpRemainingLocked(domain) > 0 {
		return OTPRequested
	}
	return LoggedOut
}

// Status reports the session of domain.
func (f *Flow) Status(ctx context.Context, domain string) Status {
	session := f.store.Session(ctx, domain)
	now := f.now()
	st := describe(domain, session, now)

	f.mu.Lock()
	otp := f.otpRemainingLocked(domain)
	f.mu.Unlock()
	if !st.LoggedIn && otp > 0 {
		st.State = OTPRequested.String()
		st.OTPRemaining = otp
	}
	return st
}

// Accounts lists every domain with a currently valid session, default first.
func (f *Flow) Accounts(ctx context.Context) []Status {
	now := f.now()
	sessions := lo.Filter(f.store.StoredSessions(ctx), func(d settings.DomainSession, _ int) bool {
		return d.Session.ValidAt(now)
	})
	return lo.Map(sessions, func(d settings.DomainSession, _ int) Status {
		return describe(d.Domain, d.Session, now)
	})
}

func (f *Flow) otpRemainingLocked(domain string) time.Duration {
	expires, ok := f.pending[domain]
	if !ok {
		return 0
	}
	return max(expires.Sub(f.now()), 0)
}

// Label is the display name of domain.
func Label(domain string) string {
	if domain == notifier.DefaultDomain {
		return "پیش‌فرض"
	}
	return domain
}

func describe(domain string, session notifier.VendorSession, now time.Time) Status {
	st := Status{
		Domain: domain,
		Label:  Label(domain),
		State:  LoggedOut.String(),
	}
	if !session.ValidAt(now) {
		st.Text = fmt.Sprintf("وضعیت (%s): خارج شده", st.Label)
		return st
	}
	st.LoggedIn = true
	st.State = LoggedIn.String()
	st.ExpiresAt = session.Expiry()
	st.RemainingDays = session.RemainingDays(now)
	st.Text = fmt.Sprintf("وضعیت (%s): وارد شده - انقضا تا %d روز دیگر", st.Label, st.RemainingDays)
	return st
}
