// Package settings stores API credentials, per-domain templates and vendor
// sessions, and the rolling activity log on top of a storage backend.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"snappyar-notifier/pkg/notifier"
	"snappyar-notifier/storage"
)

// Storage keys. The *_by_domain keys hold a map from domain key to value; the
// flat keys mirror the default domain for older readers.
const (
	KeyAPIURL              = "sms_api_url"
	KeyAuthToken           = "sms_auth_token"
	KeyLogs                = "sms_logs"
	KeyToken               = "sf_token"
	KeyTokenExpiry         = "sf_token_expiry"
	KeyVendors             = "sf_vendors"
	KeyTokenByDomain       = "sf_token_by_domain"
	KeyTokenExpiryByDomain = "sf_token_expiry_by_domain"
	KeyVendorsByDomain     = "sf_vendors_by_domain"
	KeyTemplate            = "sms_template"
	KeyTemplatesByDomain   = "sms_templates_by_domain"
	KeyLinkBaseByDomain    = "link_base_by_domain"
)

// MaxLogEntries is how many log lines are kept.
const MaxLogEntries = 200

const logTimeFormat = "2006-01-02 15:04:05"

// APISettings are the SMS gateway credentials.
type APISettings struct {
	URL       string `json:"api_url"`
	AuthToken string `json:"auth_token"`
}

// Configured reports whether both the URL and the token are set.
func (a APISettings) Configured() bool {
	return a.URL != "" && a.AuthToken != ""
}

// TemplateSet holds every stored template and link base by domain key.
type TemplateSet struct {
	Templates map[string]string `json:"templates"`
	LinkBases map[string]string `json:"link_bases"`
}

// Domains returns the non-default template domains, sorted.
func (t TemplateSet) Domains() []string {
	domains := lo.Filter(lo.Keys(t.Templates), func(d string, _ int) bool {
		return d != notifier.DefaultDomain
	})
	slices.Sort(domains)
	return domains
}

// Store is the settings store. Reads never fail: a backend error is logged
// and the zero value returned. Read-modify-write sequences are serialized
// within the process only.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// New creates a Store over backend.
func New(backend storage.Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger, now: time.Now}
}

// SetClock replaces the clock used for log timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// read decodes key into v and reports whether a value was present.
func (s *Store) read(ctx context.Context, key string, v any) bool {
	data, err := s.backend.Load(ctx, key)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.logger.Warn("Settings read failed, using empty value", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("Settings value is not valid JSON, using empty value", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.backend.Save(ctx, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *Store) readString(ctx context.Context, key string) string {
	var v string
	s.read(ctx, key, &v)
	return v
}

func readMap[V any](ctx context.Context, s *Store, key string) map[string]V {
	m := map[string]V{}
	if !s.read(ctx, key, &m) || m == nil {
		return map[string]V{}
	}
	return m
}

// Keys lists the stored keys in order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// API returns the SMS gateway credentials.
func (s *Store) API(ctx context.Context) APISettings {
	return APISettings{
		URL:       s.readString(ctx, KeyAPIURL),
		AuthToken: s.readString(ctx, KeyAuthToken),
	}
}

// SaveAPI stores trimmed gateway credentials.
func (s *Store) SaveAPI(ctx context.Context, api APISettings) error {
	if err := s.write(ctx, KeyAPIURL, strings.TrimSpace(api.URL)); err != nil {
		return err
	}
	return s.write(ctx, KeyAuthToken, strings.TrimSpace(api.AuthToken))
}

// Templates returns all templates and link bases. A legacy flat template
// fills the default key when it has no per-domain entry.
func (s *Store) Templates(ctx context.Context) TemplateSet {
	templates := readMap[string](ctx, s, KeyTemplatesByDomain)
	if _, ok := templates[notifier.DefaultDomain]; !ok {
		if legacy := s.readString(ctx, KeyTemplate); legacy != "" {
			templates[notifier.DefaultDomain] = legacy
		}
	}
	return TemplateSet{
		Templates: templates,
		LinkBases: readMap[string](ctx, s, KeyLinkBaseByDomain),
	}
}

// Template returns the template for domain, falling back to the default key
// when the domain has none or an empty one.
func (s *Store) Template(ctx context.Context, domain string) string {
	set := s.Templates(ctx)
	if t := set.Templates[domain]; t != "" {
		return t
	}
	return set.Templates[notifier.DefaultDomain]
}

// LinkBase returns the link base for domain, falling back to the default key.
// It returns "" when neither is set.
func (s *Store) LinkBase(ctx context.Context, domain string) string {
	bases := readMap[string](ctx, s, KeyLinkBaseByDomain)
	if b := bases[domain]; b != "" {
		return b
	}
	return bases[notifier.DefaultDomain]
}

// SaveTemplate stores the template and link base for domain. Trailing
// slashes are trimmed from linkBase and an empty link base removes the entry.
func (s *Store) SaveTemplate(ctx context.Context, domain, template, linkBase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.Templates(ctx)
	set.Templates[domain] = template
	linkBase = strings.TrimRight(strings.TrimSpace(linkBase), "/")
	if linkBase != "" {
		set.LinkBases[domain] = linkBase
	} else {
		delete(set.LinkBases, domain)
	}

	if err := s.write(ctx, KeyTemplatesByDomain, set.Templates); err != nil {
		return err
	}
	if err := s.write(ctx, KeyLinkBaseByDomain, set.LinkBases); err != nil {
		return err
	}
	if domain == notifier.DefaultDomain {
		return s.write(ctx, KeyTemplate, template)
	}
	return nil
}

// AddDomain registers a normalized domain with an empty template. It returns
// the normalized domain and whether it was newly added.
func (s *Store) AddDomain(ctx context.Context, raw string) (string, bool, error) {
	domain := NormalizeDomain(raw)
	if domain == "" {
		return "", false, fmt.Errorf("%w: empty domain", notifier.ErrConfigMissing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.Templates(ctx)
	if _, ok := set.Templates[domain]; ok {
		return domain, false, nil
	}
	set.Templates[domain] = ""
	if err := s.write(ctx, KeyTemplatesByDomain, set.Templates); err != nil {
		return "", false, err
	}
	return domain, true, nil
}

// DeleteTemplate removes the template and link base for domain. Deleting the
// default key also clears the legacy flat template so it does not reappear.
func (s *Store) DeleteTemplate(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.Templates(ctx)
	delete(set.Templates, domain)
	delete(set.LinkBases, domain)
	if err := s.write(ctx, KeyTemplatesByDomain, set.Templates); err != nil {
		return err
	}
	if err := s.write(ctx, KeyLinkBaseByDomain, set.LinkBases); err != nil {
		return err
	}
	if domain == notifier.DefaultDomain {
		return s.backend.Delete(ctx, KeyTemplate)
	}
	return nil
}

// NormalizeDomain lowercases raw and strips the scheme, any path and a
// leading "www.".
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d, _, _ = strings.Cut(d, "/")
	return strings.TrimPrefix(d, "www.")
}

// AppendLog adds a timestamped line to the rolling log, keeping the newest
// MaxLogEntries lines.
func (s *Store) AppendLog(ctx context.Context, message string) error {
	line := fmt.Sprintf("[%s] %s", s.now().Format(logTimeFormat), message)

	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	s.read(ctx, KeyLogs, &lines)
	lines = append(lines, line)
	if len(lines) > MaxLogEntries {
		lines = lines[len(lines)-MaxLogEntries:]
	}
	return s.write(ctx, KeyLogs, lines)
}

// Logf formats and appends a log line. Failures are logged, not returned.
func (s *Store) Logf(ctx context.Context, format string, args ...any) {
	if err := s.AppendLog(ctx, fmt.Sprintf(format, args...)); err != nil {
		s.logger.Warn("Failed to append activity log", "error", err)
	}
}

// Logs returns the rolling log, oldest first.
func (s *Store) Logs(ctx context.Context) []string {
	var lines []string
	s.read(ctx, KeyLogs, &lines)
	return lines
}

// ClearLogs empties the rolling log.
func (s *Store) ClearLogs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, KeyLogs, []string{})
}
