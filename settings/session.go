package settings

import (
	"context"
	"slices"

	"github.com/samber/lo"

	"snappyar-notifier/pkg/notifier"
)

// Session returns the vendor session for domain. Token and expiry fall back
// from the domain entry to the default entry to the legacy flat keys; the
// vendor list falls back the same way on its own.
func (s *Store) Session(ctx context.Context, domain string) notifier.VendorSession {
	tokens := readMap[string](ctx, s, KeyTokenByDomain)
	expiries := readMap[int64](ctx, s, KeyTokenExpiryByDomain)
	vendors := readMap[[]notifier.Vendor](ctx, s, KeyVendorsByDomain)

	var session notifier.VendorSession
	if t, ok := lookup(tokens, domain); ok {
		session.Token = t
	} else {
		session.Token = s.readString(ctx, KeyToken)
	}
	if e, ok := lookup(expiries, domain); ok {
		session.ExpiresAt = e
	} else {
		s.read(ctx, KeyTokenExpiry, &session.ExpiresAt)
	}
	if v, ok := lookup(vendors, domain); ok && v != nil {
		session.Vendors = v
	} else {
		s.read(ctx, KeyVendors, &session.Vendors)
	}
	return session
}

// lookup returns m[domain], then m[default].
func lookup[V any](m map[string]V, domain string) (V, bool) {
	if v, ok := m[domain]; ok {
		return v, true
	}
	v, ok := m[notifier.DefaultDomain]
	return v, ok
}

// SaveToken stores the token and absolute expiry (ms since epoch) for domain.
func (s *Store) SaveToken(ctx context.Context, domain, token string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := readMap[string](ctx, s, KeyTokenByDomain)
	expiries := readMap[int64](ctx, s, KeyTokenExpiryByDomain)
	tokens[domain] = token
	expiries[domain] = expiresAt
	if err := s.write(ctx, KeyTokenByDomain, tokens); err != nil {
		return err
	}
	if err := s.write(ctx, KeyTokenExpiryByDomain, expiries); err != nil {
		return err
	}
	if domain == notifier.DefaultDomain {
		if err := s.write(ctx, KeyToken, token); err != nil {
			return err
		}
		return s.write(ctx, KeyTokenExpiry, expiresAt)
	}
	return nil
}

// SaveVendors stores the vendor list for domain.
func (s *Store) SaveVendors(ctx context.Context, domain string, vendors []notifier.Vendor) error {
	if vendors == nil {
		vendors = []notifier.Vendor{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byDomain := readMap[[]notifier.Vendor](ctx, s, KeyVendorsByDomain)
	byDomain[domain] = vendors
	if err := s.write(ctx, KeyVendorsByDomain, byDomain); err != nil {
		return err
	}
	if domain == notifier.DefaultDomain {
		return s.write(ctx, KeyVendors, vendors)
	}
	return nil
}

// ClearSession removes the token, expiry and vendors for domain. Clearing the
// default key also resets the legacy flat keys.
func (s *Store) ClearSession(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := readMap[string](ctx, s, KeyTokenByDomain)
	expiries := readMap[int64](ctx, s, KeyTokenExpiryByDomain)
	vendors := readMap[[]notifier.Vendor](ctx, s, KeyVendorsByDomain)
	delete(tokens, domain)
	delete(expiries, domain)
	delete(vendors, domain)

	if err := s.write(ctx, KeyTokenByDomain, tokens); err != nil {
		return err
	}
	if err := s.write(ctx, KeyTokenExpiryByDomain, expiries); err != nil {
		return err
	}
	if err := s.write(ctx, KeyVendorsByDomain, vendors); err != nil {
		return err
	}
	if domain != notifier.DefaultDomain {
		return nil
	}
	if err := s.write(ctx, KeyToken, ""); err != nil {
		return err
	}
	if err := s.write(ctx, KeyTokenExpiry, 0); err != nil {
		return err
	}
	return s.write(ctx, KeyVendors, []notifier.Vendor{})
}

// DomainSession is a stored session without fallback.
type DomainSession struct {
	Domain  string
	Session notifier.VendorSession
}

// StoredSessions returns the session stored under each domain key, default
// first. The default entry prefers the legacy flat keys when they are set.
func (s *Store) StoredSessions(ctx context.Context) []DomainSession {
	tokens := readMap[string](ctx, s, KeyTokenByDomain)
	expiries := readMap[int64](ctx, s, KeyTokenExpiryByDomain)

	var legacyExpiry int64
	legacyToken := s.readString(ctx, KeyToken)
	s.read(ctx, KeyTokenExpiry, &legacyExpiry)

	out := []DomainSession{{
		Domain: notifier.DefaultDomain,
		Session: notifier.VendorSession{
			Token:     firstNonEmpty(legacyToken, tokens[notifier.DefaultDomain]),
			ExpiresAt: firstNonZero(legacyExpiry, expiries[notifier.DefaultDomain]),
		},
	}}

	domains := lo.Without(lo.Keys(tokens), notifier.DefaultDomain)
	slices.Sort(domains)
	for _, d := range domains {
		out = append(out, DomainSession{
			Domain:  d,
			Session: notifier.VendorSession{Token: tokens[d], ExpiresAt: expiries[d]},
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}
