package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"chatdesk/internal/api"
)

func signedIn(t *testing.T, c *clock, hook *hookRecorder) *Manager {
	t.Helper()
	a := &fakeAuth{loginResp: api.LoginResponse{
		AccessToken: "A1",
		ExpiresAt:   api.NewTime(t0.Add(time.Hour)),
		User:        api.User{ID: "u1"},
	}}
	m := newTestManager(a, nil, c, hook)
	if _, err := m.Login(context.Background(), "u", "p", false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return m
}

func TestTransportAttachesBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := signedIn(t, &clock{now: t0}, nil)
	client := &http.Client{Transport: NewTransport(nil, m)}
	resp, err := client.Get(srv.URL + "/api/ChatSession/active")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer A1" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
}

func TestTransportSkipsPublicEndpoints(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	hook := &hookRecorder{}
	m := newTestManager(&fakeAuth{}, nil, &clock{now: t0}, hook)
	client := &http.Client{Transport: NewTransport(nil, m)}
	for _, p := range []string{"/api/Auth/login", "/api/auth/REGISTER", "/api/Auth/refresh-token/"} {
		resp, err := client.Post(srv.URL+p, "application/json", nil)
		if err != nil {
			t.Fatalf("Post %s: %v", p, err)
		}
		resp.Body.Close()
		if got != "" {
			t.Fatalf("public path %s must not carry a token", p)
		}
	}
	if hook.count() != 0 {
		t.Fatalf("public calls must not require login")
	}
}

func TestTransportUnauthorizedClearsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	hook := &hookRecorder{}
	m := signedIn(t, &clock{now: t0}, hook)
	client := &http.Client{Transport: NewTransport(nil, m)}
	resp, err := client.Get(srv.URL + "/api/ChatSession/active")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected the 401 to be passed through, got %d", resp.StatusCode)
	}
	if m.IsAuthenticated() {
		t.Fatalf("credential must be cleared after 401")
	}
	if hook.count() != 1 {
		t.Fatalf("expected one login-required hook, got %d", hook.count())
	}
}

func TestTransportWithoutTokenFailsBeforeSending(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	m := newTestManager(&fakeAuth{}, nil, &clock{now: t0}, nil)
	client := &http.Client{Transport: NewTransport(nil, m)}
	_, err := client.Get(srv.URL + "/api/ChatSession/active")
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("request must not reach the backend")
	}
}

func TestGuardRedirectsAfterExpiry(t *testing.T) {
	c := &clock{now: t0}
	m := signedIn(t, c, nil)
	g := NewGuard(m)

	if _, ok := g.CanActivate(context.Background(), "/chat"); !ok {
		t.Fatalf("valid credential must pass the guard")
	}

	c.Set(t0.Add(time.Hour).Add(time.Millisecond))
	redirect, ok := g.CanActivate(context.Background(), "/chat/s1")
	if ok {
		t.Fatalf("expired credential must be rejected")
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if u.Path != LoginPath || u.Query().Get("returnUrl") != "/chat/s1" {
		t.Fatalf("unexpected redirect %q", redirect)
	}
	if _, held := m.Current(); held {
		t.Fatalf("guard must drop the credential")
	}
}

func TestGuardRequiresUserID(t *testing.T) {
	a := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "A", ExpiresAt: api.NewTime(t0.Add(time.Hour))}}
	m := newTestManager(a, nil, &clock{now: t0}, nil)
	if _, err := m.Login(context.Background(), "u", "p", false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, ok := NewGuard(m).CanActivate(context.Background(), "sessions"); ok {
		t.Fatalf("credential without user id must be rejected")
	}
}

func TestGuardPublicPaths(t *testing.T) {
	m := newTestManager(&fakeAuth{}, nil, &clock{now: t0}, nil)
	g := NewGuard(m, "/version")
	for _, p := range []string{"/login", "/register/", "version"} {
		if _, ok := g.CanActivate(context.Background(), p); !ok {
			t.Fatalf("%s should be public", p)
		}
	}
}
