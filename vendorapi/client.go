// Package vendorapi talks to the food-delivery vendor's identity and vendor
// management APIs through the relay proxy.
package vendorapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/proxy"
)

// Default endpoints and client credentials of the vendor dashboard.
const (
	DefaultVendorBaseURL   = "https://vendor.snappfood.ir"
	DefaultIdentityBaseURL = "https://user.snappfood.ir"
	DefaultClientID        = "snappfood_vms"
	DefaultClientSecret    = "snappfood_vms_secret"
)

// DefaultTokenLifetime applies when a login response carries no expiry.
const DefaultTokenLifetime = 7 * 24 * time.Hour

// Config holds the API locations and client credentials.
type Config struct {
	VendorBaseURL   string
	IdentityBaseURL string
	ClientID        string
	ClientSecret    string
}

func (c Config) withDefaults() Config {
	if c.VendorBaseURL == "" {
		c.VendorBaseURL = DefaultVendorBaseURL
	}
	if c.IdentityBaseURL == "" {
		c.IdentityBaseURL = DefaultIdentityBaseURL
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = DefaultClientSecret
	}
	c.VendorBaseURL = strings.TrimRight(c.VendorBaseURL, "/")
	c.IdentityBaseURL = strings.TrimRight(c.IdentityBaseURL, "/")
	return c
}

// Client calls the vendor APIs.
type Client struct {
	doer   proxy.Doer
	logger *slog.Logger
	now    func() time.Time
	cfg    Config
}

// New creates a Client relaying through doer.
func New(doer proxy.Doer, cfg Config, logger *slog.Logger) *Client {
	return &Client{doer: doer, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// BaseURLs returns the vendor and identity API locations.
func (c *Client) BaseURLs() []string {
	return []string{c.cfg.VendorBaseURL, c.cfg.IdentityBaseURL}
}

// SetClock replaces the clock used for default token expiries.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// Token is an access token with its absolute expiry in ms since epoch.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

type tokenRequest struct {
	Password  string      `json:"password,omitempty"`
	OTPCode   *int        `json:"otpCode,omitempty"`
	GrantType string      `json:"grantType"`
	Cellphone string      `json:"cellphone"`
	Data      tokenScopes `json:"data"`
}

type tokenScopes struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
}

func (c *Client) scopes() tokenScopes {
	return tokenScopes{
		Scopes:       []string{"vmo", "vms"},
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	}
}

// LoginPassword exchanges a cellphone and password for a token.
func (c *Client) LoginPassword(ctx context.Context, cellphone, password string) (Token, error) {
	return c.requestToken(ctx, tokenRequest{
		Data:      c.scopes(),
		GrantType: "Password",
		Cellphone: cellphone,
		Password:  password,
	})
}

// SendOTP asks the identity API to text a one-time code to mobile.
func (c *Client) SendOTP(ctx context.Context, mobile string) error {
	u := c.cfg.IdentityBaseURL + "/v1/auth/otp/send"
	resp := c.doer.Fetch(ctx, proxy.Request{
		Type:    proxy.MessageType,
		URL:     u,
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    map[string]string{"mobile_number": mobile},
	})
	if err := resp.Err(u); err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	return nil
}

// VerifyOTP exchanges a cellphone and one-time code for a token.
func (c *Client) VerifyOTP(ctx context.Context, cellphone string, code int) (Token, error) {
	return c.requestToken(ctx, tokenRequest{
		Data:      c.scopes(),
		GrantType: "Otp",
		Cellphone: cellphone,
		OTPCode:   &code,
	})
}

func (c *Client) requestToken(ctx context.Context, body tokenRequest) (Token, error) {
	u := c.cfg.IdentityBaseURL + "/v1/auth/vendor/token"
	resp := c.doer.Fetch(ctx, proxy.Request{
		Type:   proxy.MessageType,
		URL:    u,
		Method: "POST",
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		Body: body,
	})
	if err := resp.Err(u); err != nil {
		return Token{}, fmt.Errorf("%s login: %w", strings.ToLower(body.GrantType), err)
	}
	tok := ExtractToken(resp.Text, c.now())
	c.logger.Info("Vendor login succeeded",
		"grant_type", body.GrantType,
		"expires_at", time.UnixMilli(tok.ExpiresAt).UTC().Format(time.RFC3339))
	return tok, nil
}

// Vendors lists the storefronts the token can manage. Transient failures are
// retried; HTTP 4xx responses are not.
func (c *Client) Vendors(ctx context.Context, token string) ([]notifier.Vendor, error) {
	u := c.cfg.VendorBaseURL + "/vms/v2/user/vendors"
	var vendors []notifier.Vendor
	var lastErr error
	err := retry.Do(
		func() error {
			resp := c.doer.Fetch(ctx, proxy.Request{
				Type:   proxy.MessageType,
				URL:    u,
				Method: "GET",
				Headers: map[string]string{
					"Authorization": "Bearer " + token,
					"Accept":        "application/json",
				},
			})
			if lastErr = resp.Err(u); lastErr != nil {
				return lastErr
			}
			vendors = DecodeVendors([]byte(resp.Text))
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var remote *notifier.RemoteError
			return !errors.As(err, &remote) || remote.Status >= 500
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying vendor list fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("fetch vendors: %w", lastErr)
	}
	return vendors, nil
}

// Orders lists the orders of vendorID placed on day, a Gregorian "Y-M-D" date.
func (c *Client) Orders(ctx context.Context, token, vendorID, day string) (OrderList, error) {
	u := c.OrdersURL(vendorID, day)
	resp := c.doer.Fetch(ctx, proxy.Request{
		Type:    proxy.MessageType,
		URL:     u,
		Method:  "GET",
		Headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if err := resp.Err(u); err != nil {
		return OrderList{}, fmt.Errorf("fetch orders: %w", err)
	}
	list := DecodeOrders([]byte(resp.Text))
	c.logger.Debug("Fetched vendor orders", "vendor_id", vendorID, "day", day, "shape", list.Shape.String(), "count", len(list.Orders))
	return list, nil
}

// OrdersURL builds the order-list query covering day from 00:00:00 to 23:59:00.
func (c *Client) OrdersURL(vendorID, day string) string {
	return fmt.Sprintf("%s/vms/v2/order/list?vendorId=%s&pageSize=20&startDate=%s&endDate=%s&page=0",
		c.cfg.VendorBaseURL,
		encodeComponent(vendorID),
		encodeComponent(day+" 00:00:00"),
		encodeComponent(day+" 23:59:00"))
}

// encodeComponent escapes s for a query value with spaces as %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ExtractToken reads the access token and expiry from a login response body.
// The token is taken from data.vendor.accessToken, vendor.accessToken,
// data.access_token or access_token, and the raw body otherwise. The expiry
// is vendor.accessTokenExpiresAt seconds, else the JWT exp claim, else
// now plus DefaultTokenLifetime.
func ExtractToken(body string, now time.Time) Token {
	var parsed loginResponse
	tok := Token{AccessToken: body}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		vendor := parsed.Data.Vendor
		if vendor == nil {
			vendor = parsed.Vendor
		}
		var expiresSec *float64
		if vendor != nil {
			expiresSec = vendor.AccessTokenExpiresAt
		}
		switch {
		case vendor != nil && vendor.AccessToken != "":
			tok.AccessToken = vendor.AccessToken
		case parsed.Data.AccessToken != "":
			tok.AccessToken = parsed.Data.AccessToken
		case parsed.AccessToken != "":
			tok.AccessToken = parsed.AccessToken
		}
		if expiresSec != nil {
			tok.ExpiresAt = int64(*expiresSec * 1000)
			return tok
		}
	}
	if exp, ok := jwtExpiry(tok.AccessToken); ok {
		tok.ExpiresAt = exp.UnixMilli()
		return tok
	}
	tok.ExpiresAt = now.Add(DefaultTokenLifetime).UnixMilli()
	return tok
}

type loginResponse struct {
	Vendor      *loginVendor `json:"vendor"`
	AccessToken string       `json:"access_token"`
	Data        struct {
		Vendor      *loginVendor `json:"vendor"`
		AccessToken string       `json:"access_token"`
	} `json:"data"`
}

type loginVendor struct {
	AccessTokenExpiresAt *float64 `json:"accessTokenExpiresAt"`
	AccessToken          string   `json:"accessToken"`
}
