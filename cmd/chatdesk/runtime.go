package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chatdesk/internal/app"
	"chatdesk/internal/auth"
	"chatdesk/internal/chat"
	"chatdesk/internal/config"
	"chatdesk/internal/crypto"
	"chatdesk/internal/render"
	"chatdesk/internal/storage"
)

var errNotSignedIn = errors.New("not signed in, run `chatdesk login` first")

// runtime is the opened client stack of one CLI invocation.
type runtime struct {
	cfg     *config.Config
	store   *storage.Store
	profile *app.Profile
	render  *render.Renderer
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := strings.TrimRight(strings.TrimSpace(opts.apiURL), "/"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(opts.profile); v != "" {
		cfg.API.Profile = v
	}
	return cfg, nil
}

func openRuntime(cmd *cobra.Command, opts *rootOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Log.Level, cmd.ErrOrStderr())

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	keys, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load master keys: %w", err)
	}

	factory, err := app.NewFactory(app.Options{
		Config: cfg,
		Store:  store,
		Keys:   keys,
		OnLoginRequired: func(_ context.Context, profile string, reason error) {
			log.Debug().Str("profile", profile).AnErr("reason", reason).Msg("sign in required")
		},
		Logger: log.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p, err := factory.Profile(ctx, cfg.API.Profile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		store:   store,
		profile: p,
		render:  render.New(renderWidth(cmd, opts.width)),
	}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// signedIn fails unless the profile holds a usable access token,
// refreshing it when possible.
func (r *runtime) signedIn(ctx context.Context) error {
	if _, err := r.profile.Session.Token(ctx); err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			return errNotSignedIn
		}
		return err
	}
	return nil
}

// resolveSession looks a session up by id or unique id prefix.
func (r *runtime) resolveSession(ctx context.Context, ref string) (chat.Session, error) {
	if _, err := r.profile.Sessions.Load(ctx); err != nil {
		return chat.Session{}, err
	}
	s, ok := r.profile.Sessions.Find(ref)
	if !ok {
		return chat.Session{}, fmt.Errorf("%w: %s", chat.ErrSessionNotFound, ref)
	}
	return s, nil
}

// withRuntime opens the stack, requires a signed-in profile unless public
// is set, and runs fn.
func withRuntime(cmd *cobra.Command, opts *rootOptions, public bool, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := openRuntime(cmd, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()
	if !public {
		if err := rt.signedIn(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, rt)
}

func renderWidth(cmd *cobra.Command, flag int) int {
	if flag > 0 {
		return flag
	}
	if f, ok := cmd.OutOrStdout().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 80
}
