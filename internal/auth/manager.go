package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/metrics"
)

// Authenticator performs the credential exchanges. *api.AuthClient
// satisfies it.
type Authenticator interface {
	Login(ctx context.Context, req api.LoginRequest) (api.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (api.LoginResponse, error)
}

// LoginRequiredFunc is invoked whenever credentials are dropped and the
// user has to sign in again.
type LoginRequiredFunc func(ctx context.Context, reason error)

type ManagerConfig struct {
	Auth            Authenticator
	Store           CredentialStore
	Now             func() time.Time
	OnLoginRequired LoginRequiredFunc
	// DefaultTTL is assumed when neither the response nor the token
	// carries an expiry.
	DefaultTTL time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Manager owns the credential lifecycle of one profile.
type Manager struct {
	auth       Authenticator
	store      CredentialStore
	now        func() time.Time
	onLogin    LoginRequiredFunc
	defaultTTL time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu   sync.RWMutex
	cred *Credential

	refreshMu sync.Mutex
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Manager{
		auth:       cfg.Auth,
		store:      cfg.Store,
		now:        cfg.Now,
		onLogin:    cfg.OnLoginRequired,
		defaultTTL: cfg.DefaultTTL,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Restore loads the persisted credential. A credential that is expired
// and cannot be refreshed is removed.
func (m *Manager) Restore(ctx context.Context) error {
	cred, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoCredential) {
		m.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !cred.Valid(m.now()) && cred.RefreshToken == "" {
		m.logger.Info().Time("expired_at", cred.ExpiresAt).Msg("stored credential expired")
		m.set(nil)
		if err := m.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear expired credential: %w", err)
		}
		return nil
	}
	m.set(&cred)
	return nil
}

func (m *Manager) Login(ctx context.Context, emailOrUsername, password string, rememberMe bool) (Credential, error) {
	if m.auth == nil {
		return Credential{}, fmt.Errorf("no authenticator configured")
	}
	resp, err := m.auth.Login(ctx, api.LoginRequest{
		EmailOrUsername: strings.TrimSpace(emailOrUsername),
		Password:        password,
		RememberMe:      rememberMe,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("login: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return Credential{}, fmt.Errorf("login: response carries no access token")
	}

	cred := Credential{
		AccessToken:  strings.TrimSpace(resp.AccessToken),
		RefreshToken: strings.TrimSpace(resp.RefreshToken),
		ExpiresAt:    m.expiry(resp),
		User:         resp.User,
		RememberMe:   rememberMe,
	}
	if err := m.persist(ctx, cred); err != nil {
		return Credential{}, err
	}
	m.logger.Info().Str("user", cred.User.UserName).Time("expires_at", cred.ExpiresAt).Msg("signed in")
	return cred, nil
}

func (m *Manager) Logout(ctx context.Context) error {
	m.set(nil)
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Current returns the in-memory credential, if any.
func (m *Manager) Current() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return Credential{}, false
	}
	return *m.cred, true
}

// IsAuthenticated is true iff a token is held and it expires strictly
// after the manager's clock.
func (m *Manager) IsAuthenticated() bool {
	cred, ok := m.Current()
	return ok && cred.Valid(m.now())
}

// Token returns a usable access token, refreshing an expired one when a
// refresh token is held. Any failure drops the credential and yields an
// error matching ErrLoginRequired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, ok := m.Current()
	if !ok || cred.AccessToken == "" {
		m.requireLogin(ctx, ErrNoCredential)
		return "", ErrLoginRequired
	}
	if cred.Valid(m.now()) {
		return cred.AccessToken, nil
	}
	if err := m.refresh(ctx, false); err != nil {
		return "", err
	}
	cred, _ = m.Current()
	return cred.AccessToken, nil
}

// Refresh exchanges the refresh token even if the access token is still
// valid.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, force bool) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cred, ok := m.Current()
	if !ok {
		m.requireLogin(ctx, ErrNoCredential)
		return ErrLoginRequired
	}
	if cred.Valid(m.now()) && !force {
		// refreshed by a concurrent caller while we waited
		return nil
	}
	if cred.RefreshToken == "" || m.auth == nil {
		m.requireLogin(ctx, ErrTokenExpired)
		return fmt.Errorf("%w: %w", ErrLoginRequired, ErrTokenExpired)
	}

	resp, err := m.auth.Refresh(ctx, cred.RefreshToken)
	if err == nil && strings.TrimSpace(resp.AccessToken) == "" {
		err = errors.New("refresh response carries no access token")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		m.logger.Warn().Err(err).Msg("token refresh failed")
		m.requireLogin(ctx, err)
		return fmt.Errorf("%w: refresh: %w", ErrLoginRequired, err)
	}
	m.metrics.TokenRefreshes.WithLabelValues("ok").Inc()

	next := Credential{
		AccessToken:  strings.TrimSpace(resp.AccessToken),
		RefreshToken: strings.TrimSpace(resp.RefreshToken),
		ExpiresAt:    m.expiry(resp),
		User:         resp.User,
		RememberMe:   cred.RememberMe,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.User.ID == "" {
		next.User = cred.User
	}
	return m.persist(ctx, next)
}

// Invalidate drops the credential after the backend rejected it.
func (m *Manager) Invalidate(ctx context.Context, reason error) {
	m.requireLogin(ctx, reason)
}

func (m *Manager) requireLogin(ctx context.Context, reason error) {
	m.set(nil)
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to clear credential")
	}
	m.metrics.LoginRequired.Inc()
	m.logger.Debug().Err(reason).Msg("login required")
	if m.onLogin != nil {
		m.onLogin(ctx, reason)
	}
}

// persist stores c, keeping the refresh token in memory only unless the
// user asked to be remembered.
func (m *Manager) persist(ctx context.Context, c Credential) error {
	stored := c
	if !c.RememberMe {
		stored.RefreshToken = ""
	}
	if err := m.store.Save(ctx, stored); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	m.set(&c)
	return nil
}

func (m *Manager) set(c *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = c
}

func (m *Manager) expiry(resp api.LoginResponse) time.Time {
	if !resp.ExpiresAt.IsZero() {
		return resp.ExpiresAt.Time
	}
	if exp, ok := tokenExpiry(resp.AccessToken); ok {
		return exp
	}
	m.logger.Warn().Dur("ttl", m.defaultTTL).Msg("token expiry unknown, assuming default ttl")
	return m.now().Add(m.defaultTTL)
}
