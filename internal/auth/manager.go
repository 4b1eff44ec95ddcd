package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/voice-live/internal/shared"
	"golang.org/x/oauth2"
)

const (
	DefaultTokenLifetime = 50 * time.Minute
	DefaultLocation      = "us-central1"

	HeaderAPIKey        = "x-goog-api-key"
	HeaderAuthorization = "Authorization"
)

type Mode string

const (
	ModeAPIKey Mode = "api_key"
	ModeToken  Mode = "token"
)

type Config struct {
	APIKey string
	// UseVertexAI selects delegated-credential mode; Project is then required.
	UseVertexAI   bool
	Project       string
	Location      string
	TokenLifetime time.Duration
	// TokenSource is the credential provider. When nil in token mode the
	// Google application-default credentials are used.
	TokenSource oauth2.TokenSource
	Scopes      []string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Manager yields either a static API key or a cached, refreshable bearer
// token. Tokens live only in memory.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	clock   shared.Clock
	onFetch func()

	mu     sync.Mutex
	source oauth2.TokenSource
	token  *cachedToken
}

func NewManager(cfg Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{CloudPlatformScope}
	}

	m := &Manager{
		cfg:    cfg,
		log:    log.With("component", "auth"),
		source: cfg.TokenSource,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) validate() error {
	if m.cfg.UseVertexAI {
		if m.cfg.Project == "" {
			return shared.NewError(shared.CodeProjectIDMissing, "project is required when using token authentication")
		}
		return nil
	}
	if m.cfg.APIKey == "" {
		return shared.NewError(shared.CodeAPIKeyMissing, "an API key or token authentication is required")
	}
	return nil
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(c shared.Clock) {
	m.mu.Lock()
	m.clock = c
	m.mu.Unlock()
}

// OnTokenFetch registers a hook called after each credential-provider
// round trip.
func (m *Manager) OnTokenFetch(fn func()) {
	m.mu.Lock()
	m.onFetch = fn
	m.mu.Unlock()
}

func (m *Manager) Mode() Mode {
	if m.cfg.UseVertexAI {
		return ModeToken
	}
	return ModeAPIKey
}

func (m *Manager) Project() string  { return m.cfg.Project }
func (m *Manager) Location() string { return m.cfg.Location }
func (m *Manager) APIKey() string   { return m.cfg.APIKey }

// GetAccessToken returns the cached token while it is fresh and otherwise
// performs exactly one credential-provider round trip.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	if m.Mode() != ModeToken {
		return "", shared.NewError(shared.CodeInvalidState, "access tokens are only available in token mode")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.token != nil && now.Before(m.token.expiresAt) {
		return m.token.value, nil
	}

	if m.source == nil {
		src, err := defaultTokenSource(context.WithoutCancel(ctx), m.cfg.Scopes)
		if err != nil {
			return "", shared.Wrap(shared.CodeAuthenticationFailed, "load default credentials", err)
		}
		m.source = src
	}

	tok, err := m.source.Token()
	if err != nil {
		m.log.Error("token refresh failed", "error", err)
		return "", shared.Wrap(shared.CodeAuthenticationFailed, "acquire access token", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", shared.NewError(shared.CodeAuthenticationFailed, "credential provider returned an empty token")
	}

	m.token = &cachedToken{
		value:     tok.AccessToken,
		expiresAt: now.Add(m.cfg.TokenLifetime),
	}
	if m.onFetch != nil {
		m.onFetch()
	}
	m.log.Debug("access token refreshed", "expires_at", m.token.expiresAt)
	return tok.AccessToken, nil
}

// Headers builds the authentication headers for the socket handshake.
func (m *Manager) Headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if m.Mode() == ModeAPIKey {
		h.Set(HeaderAPIKey, m.cfg.APIKey)
		return h, nil
	}
	tok, err := m.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	h.Set(HeaderAuthorization, "Bearer "+tok)
	return h, nil
}

func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

func (m *Manager) HasCachedToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil
}
