// Package app assembles the per-profile client stack shared by the CLI and
// the Telegram bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/auth"
	"chatdesk/internal/chat"
	"chatdesk/internal/config"
	"chatdesk/internal/crypto"
	"chatdesk/internal/metrics"
	"chatdesk/internal/plan"
	"chatdesk/internal/storage"
)

// LoginRequiredFunc is told which profile lost its credential.
type LoginRequiredFunc func(ctx context.Context, profile string, reason error)

type Options struct {
	Config *config.Config
	// Store and Keys persist credentials. Without them credentials live in
	// memory only.
	Store *storage.Store
	Keys  *crypto.Keyring
	// Flight guards concurrent sends per session. Defaults to an
	// in-process flight shared by every profile.
	Flight chat.Flight
	// Transport is the base round tripper under the bearer transport.
	Transport       http.RoundTripper
	OnLoginRequired LoginRequiredFunc
	Now             func() time.Time
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// Profile is the client stack of one signed-in identity.
type Profile struct {
	Name     string
	Auth     *api.AuthClient
	API      *api.Client
	Session  *auth.Manager
	Guard    *auth.Guard
	Sessions *chat.Directory
	Plans    *plan.Catalog

	cfg     *config.Config
	flight  chat.Flight
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Factory builds profiles lazily and caches them by name.
type Factory struct {
	opts Options

	mu       sync.Mutex
	profiles map[string]*Profile
}

func NewFactory(opts Options) (*Factory, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if (opts.Store == nil) != (opts.Keys == nil) {
		return nil, errors.New("app: store and keys must be set together")
	}
	if opts.Flight == nil {
		opts.Flight = chat.NewLocalFlight()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Global()
	}
	return &Factory{opts: opts, profiles: map[string]*Profile{}}, nil
}

// Profile returns the cached stack for name, building it and restoring its
// persisted credential on first use.
func (f *Factory) Profile(ctx context.Context, name string) (*Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.opts.Config.API.Profile
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[name]; ok {
		return p, nil
	}
	p, err := f.build(name)
	if err != nil {
		return nil, err
	}
	if err := p.Session.Restore(ctx); err != nil && !errors.Is(err, auth.ErrNoCredential) {
		p.logger.Warn().Err(err).Msg("stored credential not restored")
	}
	f.profiles[name] = p
	return p, nil
}

// Forget drops the cached stack so the next lookup rebuilds it.
func (f *Factory) Forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, name)
}

func (f *Factory) build(name string) (*Profile, error) {
	cfg := f.opts.Config
	logger := f.opts.Logger.With().Str("profile", name).Logger()

	apiCfg := api.Config{
		BaseURL:     cfg.API.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout, Transport: f.opts.Transport},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		Logger:      logger,
		Metrics:     f.opts.Metrics,
	}
	authClient, err := api.NewAuthClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("auth client: %w", err)
	}

	var store auth.CredentialStore = auth.NewMemoryStore()
	if f.opts.Store != nil {
		store = storage.NewCredentials(f.opts.Store, f.opts.Keys, name, logger)
	}

	var hook auth.LoginRequiredFunc
	if f.opts.OnLoginRequired != nil {
		hook = func(ctx context.Context, reason error) {
			f.opts.OnLoginRequired(ctx, name, reason)
		}
	}
	manager := auth.NewManager(auth.ManagerConfig{
		Auth:            authClient,
		Store:           store,
		Now:             f.opts.Now,
		OnLoginRequired: hook,
		Logger:          logger,
		Metrics:         f.opts.Metrics,
	})

	guardedCfg := apiCfg
	guardedCfg.HTTPClient = &http.Client{
		Timeout:   cfg.HTTP.ClientTimeout,
		Transport: auth.NewTransport(f.opts.Transport, manager),
	}
	client, err := api.NewClient(guardedCfg)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}

	return &Profile{
		Name:    name,
		Auth:    authClient,
		API:     client,
		Session: manager,
		Guard:   auth.NewGuard(manager),
		Sessions: chat.NewDirectory(chat.DirectoryConfig{
			API:          client,
			DefaultTitle: cfg.API.DefaultTitle,
			DefaultModel: cfg.API.DefaultModel,
			Now:          f.opts.Now,
			Logger:       logger,
			Metrics:      f.opts.Metrics,
		}),
		Plans:   plan.NewCatalog(client),
		cfg:     cfg,
		flight:  f.opts.Flight,
		now:     f.opts.Now,
		logger:  logger,
		metrics: f.opts.Metrics,
	}, nil
}

// Conversation opens the message store of one session.
func (p *Profile) Conversation(sessionID string) *chat.Conversation {
	return chat.NewConversation(chat.ConversationConfig{
		API:             p.API,
		SessionID:       sessionID,
		PageSize:        p.cfg.API.PageSize,
		PollDelays:      p.cfg.Poll.PollDelays(),
		TolerableErrors: p.cfg.Poll.TolerableErrors,
		Flight:          p.flight,
		Directory:       p.Sessions,
		Now:             p.now,
		Logger:          p.logger,
		Metrics:         p.metrics,
	})
}

// CreateSession validates the model against the plan before creating.
func (p *Profile) CreateSession(ctx context.Context, title, model string) (chat.Session, error) {
	if model != "" {
		if err := p.Plans.ValidateModel(ctx, model); err != nil {
			return chat.Session{}, err
		}
	}
	return p.Sessions.Create(ctx, title, model)
}

// ChangeModel validates the model against the plan before switching.
func (p *Profile) ChangeModel(ctx context.Context, sessionID, model string) error {
	if err := p.Plans.ValidateModel(ctx, model); err != nil {
		return err
	}
	return p.Sessions.ChangeModel(ctx, sessionID, model)
}

// Register creates an account. It does not sign in.
func (p *Profile) Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error) {
	return p.Auth.Register(ctx, req)
}
