package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := k.Seal("access-token", "profile:default")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := k.Open(sealed, "profile:default")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "access-token" {
		t.Fatalf("expected original token, got %q", out)
	}

	if _, err := k.Open(sealed, "profile:other"); err == nil {
		t.Fatalf("expected open under a different scope to fail")
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.Seal("legacy", "p")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	if !rotated.Stale(legacy) {
		t.Fatalf("legacy envelope should be stale after rotation")
	}

	resealed, err := rotated.Reseal(legacy, "p")
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if rotated.Stale(resealed) {
		t.Fatalf("resealed envelope should use the current key")
	}
	plain, err := rotated.Open(resealed, "p")
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	if _, err := oldRing.Open(resealed, "p"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey from old keyring, got %v", err)
	}
}

func TestNewKeyringValidation(t *testing.T) {
	key := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if _, err := NewKeyring("", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for empty current id")
	}
	if _, err := NewKeyring("missing", map[string][]byte{"k": key}); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewKeyring("k", map[string][]byte{"k": key[:16]}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
