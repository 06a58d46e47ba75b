package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/auth"
	"chatdesk/internal/crypto"
)

// Credentials persists the credential of one profile with its tokens
// sealed by the keyring. It implements auth.CredentialStore.
type Credentials struct {
	store   *Store
	keys    *crypto.Keyring
	profile string
	logger  zerolog.Logger
}

func NewCredentials(store *Store, keys *crypto.Keyring, profile string, logger zerolog.Logger) *Credentials {
	return &Credentials{store: store, keys: keys, profile: profile, logger: logger}
}

func (c *Credentials) Profile() string {
	return c.profile
}

func (c *Credentials) Load(ctx context.Context) (auth.Credential, error) {
	row, err := c.store.GetCredential(ctx, c.profile)
	if errors.Is(err, ErrNotFound) {
		return auth.Credential{}, auth.ErrNoCredential
	}
	if err != nil {
		return auth.Credential{}, err
	}

	access, err := c.open(row.AccessToken, c.accessScope(), func(resealed string) error {
		row.AccessToken = resealed
		return c.store.SaveCredential(ctx, row)
	})
	if err != nil {
		return auth.Credential{}, fmt.Errorf("open access token: %w", err)
	}

	cred := auth.Credential{
		AccessToken: access,
		ExpiresAt:   row.ExpiresAt,
		RememberMe:  row.RememberMe,
	}
	var user api.User
	if err := json.Unmarshal([]byte(row.UserJSON), &user); err != nil {
		c.logger.Warn().Err(err).Str("profile", c.profile).Msg("stored user profile is unreadable")
	} else {
		cred.User = user
	}

	sealedRefresh, err := c.store.GetRefreshToken(ctx, c.profile)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return auth.Credential{}, err
	default:
		refresh, err := c.open(sealedRefresh, c.refreshScope(), func(resealed string) error {
			return c.store.SaveRefreshToken(ctx, c.profile, resealed)
		})
		if err != nil {
			return auth.Credential{}, fmt.Errorf("open refresh token: %w", err)
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}

func (c *Credentials) Save(ctx context.Context, cred auth.Credential) error {
	access, err := c.keys.Seal(cred.AccessToken, c.accessScope())
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	userJSON, err := json.Marshal(cred.User)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := c.store.SaveCredential(ctx, CredentialRow{
		Profile:     c.profile,
		AccessToken: access,
		ExpiresAt:   cred.ExpiresAt,
		UserJSON:    string(userJSON),
		RememberMe:  cred.RememberMe,
	}); err != nil {
		return err
	}

	if cred.RefreshToken == "" {
		return c.store.DeleteRefreshToken(ctx, c.profile)
	}
	refresh, err := c.keys.Seal(cred.RefreshToken, c.refreshScope())
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return c.store.SaveRefreshToken(ctx, c.profile, refresh)
}

func (c *Credentials) Clear(ctx context.Context) error {
	return c.store.DeleteCredential(ctx, c.profile)
}

// open decrypts sealed and, when it was sealed under a retired key,
// writes it back under the current one.
func (c *Credentials) open(sealed, scope string, write func(string) error) (string, error) {
	plain, err := c.keys.Open(sealed, scope)
	if err != nil {
		return "", err
	}
	if c.keys.Stale(sealed) {
		resealed, err := c.keys.Reseal(sealed, scope)
		if err == nil {
			err = write(resealed)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("profile", c.profile).Msg("failed to reseal token under current key")
		} else {
			c.logger.Info().Str("profile", c.profile).Str("key_id", c.keys.CurrentKeyID()).Msg("token resealed")
		}
	}
	return plain, nil
}

func (c *Credentials) accessScope() string  { return "access:" + c.profile }
func (c *Credentials) refreshScope() string { return "refresh:" + c.profile }
