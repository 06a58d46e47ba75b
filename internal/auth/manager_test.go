package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/metrics"
)

type fakeAuth struct {
	loginResp   api.LoginResponse
	loginErr    error
	refreshResp api.LoginResponse
	refreshErr  error
	refreshes   atomic.Int32
	delay       time.Duration
}

func (f *fakeAuth) Login(context.Context, api.LoginRequest) (api.LoginResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeAuth) Refresh(context.Context, string) (api.LoginResponse, error) {
	f.refreshes.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.refreshResp, f.refreshErr
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type hookRecorder struct {
	mu      sync.Mutex
	reasons []error
}

func (h *hookRecorder) fn(_ context.Context, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reasons)
}

func newTestManager(a Authenticator, store CredentialStore, c *clock, hook *hookRecorder) *Manager {
	cfg := ManagerConfig{
		Auth:    a,
		Store:   store,
		Now:     c.Now,
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	if hook != nil {
		cfg.OnLoginRequired = hook.fn
	}
	return NewManager(cfg)
}

func TestLoginExpiresStrictly(t *testing.T) {
	expiry := t0.Add(time.Hour)
	a := &fakeAuth{loginResp: api.LoginResponse{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ExpiresAt:    api.NewTime(expiry),
		User:         api.User{ID: "u1", UserName: "ada"},
	}}
	c := &clock{now: t0}
	m := newTestManager(a, nil, c, nil)

	if _, err := m.Login(context.Background(), "ada", "pw", false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatalf("expected authenticated right after login")
	}
	c.Set(expiry)
	if m.IsAuthenticated() {
		t.Fatalf("token must not be valid at its expiry instant")
	}
	c.Set(expiry.Add(time.Millisecond))
	if m.IsAuthenticated() {
		t.Fatalf("token must not be valid after expiry")
	}
}

func TestLoginReadsExpiryFromJWT(t *testing.T) {
	exp := t0.Add(15 * time.Minute)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	a := &fakeAuth{loginResp: api.LoginResponse{AccessToken: token, User: api.User{ID: "u1"}}}
	m := newTestManager(a, nil, &clock{now: t0}, nil)

	cred, err := m.Login(context.Background(), "u1", "pw", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v from token, got %v", exp, cred.ExpiresAt)
	}
}

func TestLoginFallsBackToDefaultTTL(t *testing.T) {
	a := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "opaque"}}
	m := newTestManager(a, nil, &clock{now: t0}, nil)
	cred, err := m.Login(context.Background(), "x", "y", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !cred.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected default expiry %v", cred.ExpiresAt)
	}
}

func TestTokenWithoutCredentialRequiresLogin(t *testing.T) {
	hook := &hookRecorder{}
	m := newTestManager(&fakeAuth{}, nil, &clock{now: t0}, hook)

	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("ErrLoginRequired must match api.ErrUnauthorized")
	}
	if hook.count() != 1 {
		t.Fatalf("expected hook to fire once, got %d", hook.count())
	}
}

func TestTokenRefreshesExpiredCredential(t *testing.T) {
	a := &fakeAuth{
		loginResp: api.LoginResponse{
			AccessToken: "A1", RefreshToken: "R1",
			ExpiresAt: api.NewTime(t0.Add(time.Minute)),
			User:      api.User{ID: "u1"},
		},
		refreshResp: api.LoginResponse{
			AccessToken: "A2",
			ExpiresAt:   api.NewTime(t0.Add(2 * time.Hour)),
		},
	}
	store := NewMemoryStore()
	c := &clock{now: t0}
	m := newTestManager(a, store, c, nil)
	if _, err := m.Login(context.Background(), "u1", "pw", true); err != nil {
		t.Fatalf("Login: %v", err)
	}

	c.Set(t0.Add(2 * time.Minute))
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "A2" {
		t.Fatalf("expected refreshed token A2, got %q", tok)
	}
	stored, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.AccessToken != "A2" || stored.RefreshToken != "R1" || stored.User.ID != "u1" {
		t.Fatalf("unexpected stored credential %+v", stored)
	}
}

func TestTokenRefreshFailureClearsEverything(t *testing.T) {
	a := &fakeAuth{
		loginResp: api.LoginResponse{
			AccessToken: "A1", RefreshToken: "R1",
			ExpiresAt: api.NewTime(t0.Add(time.Minute)),
		},
		refreshErr: &api.HTTPError{StatusCode: 401, Path: api.PathRefreshToken},
	}
	store := NewMemoryStore()
	hook := &hookRecorder{}
	c := &clock{now: t0}
	m := newTestManager(a, store, c, hook)
	if _, err := m.Login(context.Background(), "u", "p", true); err != nil {
		t.Fatalf("Login: %v", err)
	}

	c.Set(t0.Add(time.Hour))
	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("credential must be dropped")
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("store must be cleared, got %v", err)
	}
	if hook.count() != 1 {
		t.Fatalf("expected one hook call, got %d", hook.count())
	}
}

func TestExpiredWithoutRefreshTokenRequiresLogin(t *testing.T) {
	a := &fakeAuth{loginResp: api.LoginResponse{
		AccessToken: "A1",
		ExpiresAt:   api.NewTime(t0.Add(time.Minute)),
	}}
	c := &clock{now: t0}
	m := newTestManager(a, nil, c, nil)
	if _, err := m.Login(context.Background(), "u", "p", false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.Set(t0.Add(time.Hour))
	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrTokenExpired) || !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected expired login-required error, got %v", err)
	}
	if a.refreshes.Load() != 0 {
		t.Fatalf("refresh must not be attempted without a refresh token")
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	a := &fakeAuth{
		loginResp: api.LoginResponse{
			AccessToken: "A1", RefreshToken: "R1",
			ExpiresAt: api.NewTime(t0.Add(time.Minute)),
		},
		refreshResp: api.LoginResponse{AccessToken: "A2", ExpiresAt: api.NewTime(t0.Add(3 * time.Hour))},
		delay:       20 * time.Millisecond,
	}
	c := &clock{now: t0}
	m := newTestManager(a, nil, c, nil)
	if _, err := m.Login(context.Background(), "u", "p", true); err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.Set(t0.Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			if err != nil || tok != "A2" {
				t.Errorf("Token = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := a.refreshes.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh exchange, got %d", n)
	}
}

func TestRememberMeControlsPersistedRefreshToken(t *testing.T) {
	resp := api.LoginResponse{
		AccessToken: "A1", RefreshToken: "R1",
		ExpiresAt: api.NewTime(t0.Add(time.Hour)),
	}
	for _, remember := range []bool{false, true} {
		store := NewMemoryStore()
		m := newTestManager(&fakeAuth{loginResp: resp}, store, &clock{now: t0}, nil)
		if _, err := m.Login(context.Background(), "u", "p", remember); err != nil {
			t.Fatalf("Login: %v", err)
		}
		stored, err := store.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if remember && stored.RefreshToken != "R1" {
			t.Fatalf("remembered login must persist the refresh token")
		}
		if !remember && stored.RefreshToken != "" {
			t.Fatalf("session-only login must not persist the refresh token")
		}
		cur, _ := m.Current()
		if cur.RefreshToken != "R1" {
			t.Fatalf("refresh token must stay in memory, got %q", cur.RefreshToken)
		}
	}
}

func TestRestoreDropsExpiredCredential(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Credential{AccessToken: "A", ExpiresAt: t0.Add(-time.Second)})
	m := newTestManager(&fakeAuth{}, store, &clock{now: t0}, nil)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("expired credential must not be restored")
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expired credential must be removed from the store")
	}
}

func TestLogoutClearsStore(t *testing.T) {
	store := NewMemoryStore()
	a := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "A", ExpiresAt: api.NewTime(t0.Add(time.Hour))}}
	m := newTestManager(a, store, &clock{now: t0}, nil)
	if _, err := m.Login(context.Background(), "u", "p", true); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatalf("still authenticated after logout")
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("store not cleared")
	}
}
