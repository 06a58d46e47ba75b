package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatdesk/internal/api"
)

var (
	// ErrLoginRequired wraps api.ErrUnauthorized so callers of the REST
	// client can treat both the same way.
	ErrLoginRequired = wrapUnauthorized("login required")
	ErrNoCredential  = errors.New("no stored credential")
	ErrTokenExpired  = errors.New("access token expired")
	ErrRejected      = errors.New("backend rejected the access token")
)

type sentinel struct {
	msg string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Unwrap() error { return api.ErrUnauthorized }

func wrapUnauthorized(msg string) error {
	return &sentinel{msg: msg}
}

// Credential is the signed-in state of one profile.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         api.User
	RememberMe   bool
}

// Valid reports whether the access token is present and expires strictly
// after now.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && c.ExpiresAt.After(now)
}

type CredentialStore interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, c Credential) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps a credential for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return Credential{}, ErrNoCredential
	}
	return *s.cred, nil
}

func (s *MemoryStore) Save(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &c
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
