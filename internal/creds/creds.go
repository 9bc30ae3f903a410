// ABOUTME: Credential manager: env-first loading with a secrets-file fallback
// ABOUTME: Placeholder filtering, format validation, live probes, masked display

package creds

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Well-known credential names. Anything else is accepted but only gets
// placeholder filtering, not format validation.
const (
	NameGitHubToken    = "GITHUB_TOKEN"
	NameDatabaseURL    = "DATABASE_URL"
	NameServiceRoleKey = "SERVICE_ROLE_KEY"
)

const defaultCacheTTL = 5 * time.Minute

var (
	githubTokenPattern = regexp.MustCompile(`^(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}$`)
	postgresURLPattern = regexp.MustCompile(`^postgres(ql)?://[^\s]+$`)
)

// placeholderFragments mark template values that were never filled in.
// A credential containing any of these is treated as absent.
var placeholderFragments = []string{
	"your_", "_here", "changeme", "change-me", "xxxx", "<", ">",
}

// Pinger abstracts a live database connectivity check so tests can stub it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options tunes a Manager.
type Options struct {
	// SecretsFile is consulted for names absent from the environment.
	// KEY=value lines; comments and blanks are skipped.
	SecretsFile string

	// CacheTTL bounds how long a live-probe verdict is reused.
	CacheTTL time.Duration

	// HTTPClient performs live GitHub probes. Defaults to a short-timeout
	// client.
	HTTPClient *http.Client

	// NewPinger opens a connectivity prober for a database URL. Nil
	// disables live database probes.
	NewPinger func(url string) (Pinger, error)

	Logger *slog.Logger
}

type probeVerdict struct {
	ok      bool
	detail  string
	expires time.Time
}

type valueEntry struct {
	value   string
	expires time.Time
}

// Manager holds credentials in process memory only. Values come from the
// environment first, then the secrets file; placeholders are filtered so
// downstream code never sees a template value. Positive lookups are cached
// for the configured TTL and re-resolved transparently once expired, so a
// credential that appears or changes after startup is picked up without a
// restart.
type Manager struct {
	mu     sync.RWMutex
	values map[string]valueEntry
	probes map[string]probeVerdict

	names       []string
	secretsFile string
	cacheTTL    time.Duration
	httpClient  *http.Client
	newPinger   func(url string) (Pinger, error)
	logger      *slog.Logger
}

// NewManager loads the named credentials. A missing or unreadable secrets
// file is logged and skipped, never fatal.
func NewManager(names []string, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	m := &Manager{
		values:      make(map[string]valueEntry),
		probes:      make(map[string]probeVerdict),
		names:       names,
		secretsFile: opts.SecretsFile,
		cacheTTL:    ttl,
		httpClient:  client,
		newPinger:   opts.NewPinger,
		logger:      logger.With("component", "creds"),
	}
	for _, name := range names {
		if _, ok := m.refresh(name); !ok {
			m.logger.Debug("credential not set", "name", name)
		}
	}
	return m
}

// refresh resolves a credential from the environment then the secrets file,
// filtering placeholders. Positive results are cached until the TTL expires;
// absent values are never cached so they appear as soon as they are set.
func (m *Manager) refresh(name string) (string, bool) {
	value := os.Getenv(name)
	source := "env"
	if value == "" {
		value = m.readSecretsFile()[name]
		source = "file"
	}

	if value == "" || IsPlaceholder(value) {
		if value != "" {
			m.logger.Warn("credential looks like an unfilled template, ignoring",
				"name", name, "source", source)
		}
		m.mu.Lock()
		delete(m.values, name)
		m.mu.Unlock()
		return "", false
	}

	m.mu.Lock()
	m.values[name] = valueEntry{value: value, expires: time.Now().Add(m.cacheTTL)}
	m.mu.Unlock()
	m.logger.Debug("credential loaded", "name", name, "source", source)
	return value, true
}

// readSecretsFile parses KEY=value lines. Surrounding single or double
// quotes on the value are stripped.
func (m *Manager) readSecretsFile() map[string]string {
	out := make(map[string]string)
	if m.secretsFile == "" {
		return out
	}

	f, err := os.Open(m.secretsFile)
	if err != nil {
		m.logger.Warn("reading secrets file failed", "path", m.secretsFile, "error", err)
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			out[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("scanning secrets file failed", "path", m.secretsFile, "error", err)
	}
	return out
}

// IsPlaceholder reports whether a value looks like an unfilled template
// rather than a real credential.
func IsPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, fragment := range placeholderFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Get returns a credential value. The second return is false when the
// credential is absent or was filtered as a placeholder. An expired cache
// entry is transparently re-resolved from the environment and secrets file.
func (m *Manager) Get(name string) (string, bool) {
	m.mu.RLock()
	entry, ok := m.values[name]
	m.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.value, true
	}
	return m.refresh(name)
}

// Has reports whether a usable value is loaded for name.
func (m *Manager) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Set updates a credential in process memory and the process environment so
// child processes inherit it. Placeholders are rejected. Returns false when
// the value cannot be applied.
func (m *Manager) Set(name, value string) bool {
	if name == "" || value == "" {
		return false
	}
	if IsPlaceholder(value) {
		m.logger.Warn("refusing to set placeholder credential", "name", name)
		return false
	}
	if err := m.Validate(name, value); err != nil {
		m.logger.Warn("refusing to set malformed credential", "name", name, "error", err)
		return false
	}
	if err := os.Setenv(name, value); err != nil {
		m.logger.Error("exporting credential to environment failed", "name", name, "error", err)
		return false
	}

	m.mu.Lock()
	m.values[name] = valueEntry{value: value, expires: time.Now().Add(m.cacheTTL)}
	delete(m.probes, name) // stale verdict no longer applies
	if !slices.Contains(m.names, name) {
		m.names = append(m.names, name)
	}
	m.mu.Unlock()
	return true
}

// Validate checks the shape of a credential without any network calls.
// Unknown names pass; only placeholder filtering applies to them.
func (m *Manager) Validate(name, value string) error {
	switch name {
	case NameGitHubToken:
		if !githubTokenPattern.MatchString(value) {
			return fmt.Errorf("credential %s: not a recognized GitHub token format", name)
		}
	case NameDatabaseURL:
		if !postgresURLPattern.MatchString(value) {
			return fmt.Errorf("credential %s: not a postgres connection URL", name)
		}
	case NameServiceRoleKey:
		// Service role keys are JWTs; parse the shape without verifying
		// the signature, which needs the issuer's secret.
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(value, jwt.MapClaims{}); err != nil {
			return fmt.Errorf("credential %s: not a well-formed JWT: %w", name, err)
		}
	}
	return nil
}

// TestResult is the outcome of a live credential probe.
type TestResult struct {
	OK     bool
	Detail string
	Cached bool
}

// Test performs a live probe for the named credential. Verdicts are cached
// for the configured TTL so repeated status checks do not hammer upstream
// services.
func (m *Manager) Test(ctx context.Context, name string) TestResult {
	value, ok := m.Get(name)
	if !ok {
		return TestResult{Detail: "not set"}
	}
	if err := m.Validate(name, value); err != nil {
		return TestResult{Detail: err.Error()}
	}

	m.mu.RLock()
	verdict, cached := m.probes[name]
	m.mu.RUnlock()
	if cached && time.Now().Before(verdict.expires) {
		return TestResult{OK: verdict.ok, Detail: verdict.detail, Cached: true}
	}

	ok, detail := m.probe(ctx, name, value)

	m.mu.Lock()
	m.probes[name] = probeVerdict{ok: ok, detail: detail, expires: time.Now().Add(m.cacheTTL)}
	m.mu.Unlock()
	return TestResult{OK: ok, Detail: detail}
}

func (m *Manager) probe(ctx context.Context, name, value string) (bool, string) {
	switch name {
	case NameGitHubToken:
		return m.probeGitHub(ctx, value)
	case NameDatabaseURL:
		if m.newPinger == nil {
			return true, "format ok (live probe disabled)"
		}
		pinger, err := m.newPinger(value)
		if err != nil {
			return false, fmt.Sprintf("opening database connection: %v", err)
		}
		if err := pinger.PingContext(ctx); err != nil {
			return false, fmt.Sprintf("database ping failed: %v", err)
		}
		return true, "database reachable"
	default:
		return true, "format ok"
	}
}

func (m *Manager) probeGitHub(ctx context.Context, token string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return false, fmt.Sprintf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("reaching GitHub: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, "token accepted by GitHub"
	case http.StatusUnauthorized:
		return false, "GitHub rejected the token"
	default:
		return false, fmt.Sprintf("unexpected GitHub response: %s", resp.Status)
	}
}

// Available returns the currently resolvable credentials with values masked
// for display.
func (m *Manager) Available() map[string]string {
	m.mu.RLock()
	names := slices.Clone(m.names)
	m.mu.RUnlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		if value, ok := m.Get(name); ok {
			out[name] = Mask(value)
		}
	}
	return out
}

// Mask keeps the first and last four characters of a value. Short values
// are masked entirely.
func Mask(value string) string {
	if len(value) <= 12 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
