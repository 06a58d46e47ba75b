package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatdesk/internal/app"
	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

const profilePrefix = "tg:"

// Profiles resolves and drops per-chat client stacks. *app.Factory
// implements it.
type Profiles interface {
	Profile(ctx context.Context, name string) (*app.Profile, error)
	Forget(name string)
}

type Service struct {
	store       *storage.Store
	queue       *queue.StreamQueue
	profiles    Profiles
	quota       *queue.SendQuota
	wizard      *wizardStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	opTimeout   time.Duration
	botUsername string
}

type Config struct {
	Store       *storage.Store
	Queue       *queue.StreamQueue
	Profiles    Profiles
	Quota       *queue.SendQuota
	Redis       *redis.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	// OpTimeout bounds backend calls made directly by command handlers.
	OpTimeout   time.Duration
	BotUsername string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 10 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	return &Service{
		store:       cfg.Store,
		queue:       cfg.Queue,
		profiles:    cfg.Profiles,
		quota:       cfg.Quota,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:      cfg.Logger,
		metrics:     m,
		opTimeout:   cfg.OpTimeout,
		botUsername: cfg.BotUsername,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("login", s.login))
	d.AddHandler(handlers.NewCommand("logout", s.logout))
	d.AddHandler(handlers.NewCommand("whoami", s.whoami))
	d.AddHandler(handlers.NewCommand("sessions", s.sessions))
	d.AddHandler(handlers.NewCommand("new", s.newSession))
	d.AddHandler(handlers.NewCommand("use", s.useSession))
	d.AddHandler(handlers.NewCommand("rename", s.rename))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("models", s.models))
	d.AddHandler(handlers.NewCommand("plans", s.plans))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) deepLink(bot *gotgbot.Bot, param string) string {
	username := s.botUsername
	if username == "" && bot != nil {
		username = bot.User.Username
	}
	if strings.TrimSpace(username) == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=" + url.QueryEscape(param)
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

// ProfileName is the profile a Telegram chat signs in under.
func ProfileName(chatID int64) string {
	return profilePrefix + strconv.FormatInt(chatID, 10)
}

// ChatIDFromProfile reverses ProfileName.
func ChatIDFromProfile(profile string) (int64, bool) {
	raw, ok := strings.CutPrefix(profile, profilePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// LoginAuditor records lost credentials of bridge profiles in the audit
// log. Users are told by whichever handler hit the missing login.
func LoginAuditor(store *storage.Store, logger zerolog.Logger) app.LoginRequiredFunc {
	return func(ctx context.Context, profile string, reason error) {
		if _, ok := ChatIDFromProfile(profile); !ok {
			return
		}
		meta := map[string]any{}
		if reason != nil {
			meta["reason"] = reason.Error()
		}
		raw, _ := json.Marshal(meta)
		if err := store.LogAction(context.WithoutCancel(ctx), storage.AuditEntry{
			Profile:  profile,
			Action:   "login_required",
			MetaJSON: string(raw),
		}); err != nil {
			logger.Warn().Err(err).Str("profile", profile).Msg("failed to audit login requirement")
		}
	}
}

// binding returns the chat's binding, creating it on first contact.
func (s *Service) binding(ctx context.Context, chatID int64) (storage.Binding, error) {
	b, err := s.store.GetBinding(ctx, chatID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Binding{}, fmt.Errorf("load binding: %w", err)
	}
	return s.store.EnsureBinding(ctx, chatID, ProfileName(chatID))
}
