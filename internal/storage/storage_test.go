package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/auth"
	"chatdesk/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chatdesk.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKeyring(t *testing.T, current string, ids ...string) *crypto.Keyring {
	t.Helper()
	keys := map[string][]byte{}
	for i, id := range ids {
		keys[id] = bytes.Repeat([]byte{byte(i + 1)}, 32)
	}
	k, err := crypto.NewKeyring(current, keys)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return k
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	creds := NewCredentials(s, testKeyring(t, "k1", "k1"), "default", zerolog.Nop())

	if _, err := creds.Load(ctx); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential on empty store, got %v", err)
	}

	exp := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	in := auth.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    exp,
		User:         api.User{ID: "u1", UserName: "ada", Roles: []string{"User"}},
		RememberMe:   true,
	}
	if err := creds.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	row, err := s.GetCredential(ctx, "default")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if row.AccessToken == "access" {
		t.Fatalf("access token must be sealed at rest")
	}

	out, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.AccessToken != "access" || out.RefreshToken != "refresh" || !out.RememberMe {
		t.Fatalf("unexpected credential %+v", out)
	}
	if !out.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry mismatch: %v", out.ExpiresAt)
	}
	if out.User.ID != "u1" || out.User.UserName != "ada" {
		t.Fatalf("user snapshot mismatch: %+v", out.User)
	}

	if err := creds.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("expected cleared store, got %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refresh token must be removed with the credential")
	}
}

func TestCredentialsWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	creds := NewCredentials(s, testKeyring(t, "k1", "k1"), "p", zerolog.Nop())

	if err := creds.Save(ctx, auth.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := creds.Save(ctx, auth.Credential{AccessToken: "b", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.AccessToken != "b" || out.RefreshToken != "" {
		t.Fatalf("stale refresh token survived: %+v", out)
	}
}

func TestCredentialsAreProfileScoped(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	k := testKeyring(t, "k1", "k1")
	a := NewCredentials(s, k, "alice", zerolog.Nop())
	b := NewCredentials(s, k, "tg:42", zerolog.Nop())

	if err := a.Save(ctx, auth.Credential{AccessToken: "a-token", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := b.Load(ctx); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("profiles must not share credentials")
	}

	row, err := s.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if err := s.SaveCredential(ctx, CredentialRow{Profile: "tg:42", AccessToken: row.AccessToken, ExpiresAt: row.ExpiresAt}); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if _, err := b.Load(ctx); err == nil {
		t.Fatalf("an envelope copied to another profile must not open")
	}

	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 2 || profiles[0] != "alice" || profiles[1] != "tg:42" {
		t.Fatalf("unexpected profiles %v", profiles)
	}
}

func TestCredentialsResealAfterRotation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := NewCredentials(s, testKeyring(t, "k1", "k1"), "p", zerolog.Nop())
	if err := old.Save(ctx, auth.Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rotated := testKeyring(t, "k2", "k1", "k2")
	creds := NewCredentials(s, rotated, "p", zerolog.Nop())
	out, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load after rotation: %v", err)
	}
	if out.AccessToken != "a" || out.RefreshToken != "r" {
		t.Fatalf("unexpected credential %+v", out)
	}

	row, err := s.GetCredential(ctx, "p")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if rotated.Stale(row.AccessToken) {
		t.Fatalf("access token should have been resealed under the current key")
	}
	refresh, err := s.GetRefreshToken(ctx, "p")
	if err != nil {
		t.Fatalf("GetRefreshToken: %v", err)
	}
	if rotated.Stale(refresh) {
		t.Fatalf("refresh token should have been resealed under the current key")
	}
}

func TestBindings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetBinding(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetActiveSession(ctx, 7, "s1", "m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("updating a missing binding should report ErrNotFound, got %v", err)
	}

	b, err := s.EnsureBinding(ctx, 7, "tg:7")
	if err != nil {
		t.Fatalf("EnsureBinding: %v", err)
	}
	if b.Profile != "tg:7" || b.ActiveSessionID != "" {
		t.Fatalf("unexpected binding %+v", b)
	}
	if err := s.SetActiveSession(ctx, 7, "s1", "gemini-2.0-flash"); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}
	if err := s.SetBindingModel(ctx, 7, "gpt-4o"); err != nil {
		t.Fatalf("SetBindingModel: %v", err)
	}
	b, err = s.EnsureBinding(ctx, 7, "ignored")
	if err != nil {
		t.Fatalf("EnsureBinding: %v", err)
	}
	if b.Profile != "tg:7" || b.ActiveSessionID != "s1" || b.Model != "gpt-4o" {
		t.Fatalf("unexpected binding %+v", b)
	}
	if err := s.DeleteBinding(ctx, 7); err != nil {
		t.Fatalf("DeleteBinding: %v", err)
	}
	if _, err := s.GetBinding(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("binding should be gone")
	}
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, e := range []AuditEntry{
		{Profile: "p", Action: "login", MetaJSON: `{"user":"ada"}`},
		{Profile: "p", Action: "session.create", MetaJSON: "not json"},
		{Profile: "q", Action: "login"},
	} {
		if err := s.LogAction(ctx, e); err != nil {
			t.Fatalf("LogAction: %v", err)
		}
	}
	recs, err := s.RecentActions(ctx, "p", 10)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Action != "session.create" || recs[0].MetaJSON != "{}" {
		t.Fatalf("unexpected newest record %+v", recs[0])
	}
	if recs[1].MetaJSON != `{"user":"ada"}` {
		t.Fatalf("meta not preserved: %q", recs[1].MetaJSON)
	}
}
