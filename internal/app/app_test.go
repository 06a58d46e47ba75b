package app

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatdesk/internal/auth"
	"chatdesk/internal/chat"
	"chatdesk/internal/config"
	"chatdesk/internal/crypto"
	"chatdesk/internal/metrics"
	"chatdesk/internal/mockbackend"
	"chatdesk/internal/plan"
	"chatdesk/internal/storage"
)

func startBackend(t *testing.T, mode mockbackend.ReplyMode) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mock := mockbackend.New(mockbackend.Config{
		JWTSecret:    "e2e-secret",
		ReplyMode:    mode,
		ReplyDelay:   30 * time.Millisecond,
		SeedUser:     "demo",
		SeedPassword: "demo1234",
	})
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		srv.Close()
		mock.Close()
	})
	return srv.URL + "/api"
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.API = config.APIConfig{BaseURL: baseURL, Profile: "default", DefaultModel: "gemini-2.0-flash", DefaultTitle: "New Chat", PageSize: 50}
	cfg.HTTP = config.HTTPConfig{ClientTimeout: 5 * time.Second, BackoffBase: 10 * time.Millisecond}
	cfg.Poll = config.PollConfig{Attempts: 5, FirstDelay: 50 * time.Millisecond, NextDelay: 50 * time.Millisecond, TolerableErrors: 2}
	return cfg
}

func openStore(t *testing.T) (*storage.Store, *crypto.Keyring) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "e2e.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	keys, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	require.NoError(t, err)
	return store, keys
}

type loginHook struct {
	mu    sync.Mutex
	calls []string
}

func (h *loginHook) fn(_ context.Context, profile string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, profile)
}

func (h *loginHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newFactory(t *testing.T, cfg *config.Config, store *storage.Store, keys *crypto.Keyring, hook *loginHook) *Factory {
	t.Helper()
	opts := Options{
		Config:  cfg,
		Store:   store,
		Keys:    keys,
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	}
	if hook != nil {
		opts.OnLoginRequired = hook.fn
	}
	f, err := NewFactory(opts)
	require.NoError(t, err)
	return f
}

func TestEndToEndAsyncReply(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyAsync))
	store, keys := openStore(t)
	f := newFactory(t, cfg, store, keys, nil)

	p, err := f.Profile(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "default", p.Name)
	require.False(t, p.Session.IsAuthenticated())

	_, err = p.Sessions.Load(ctx)
	require.ErrorIs(t, err, auth.ErrLoginRequired, "guarded calls fail before reaching the backend")

	cred, err := p.Session.Login(ctx, "demo", "demo1234", true)
	require.NoError(t, err)
	require.Equal(t, "demo", cred.User.UserName)

	sess, err := p.CreateSession(ctx, "", "gpt-4o-mini")
	require.NoError(t, err)
	require.Equal(t, "New Chat", sess.Title)

	conv := p.Conversation(sess.ID)
	require.NoError(t, conv.LoadPage(ctx, 1))
	ex, err := conv.Send(ctx, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "hello", ex.Provisional.Content)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := ex.Wait(waitCtx)
	require.NoError(t, err)
	require.False(t, reply.Synthesized)
	require.Contains(t, reply.Content, "hello")

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role())
	require.False(t, msgs[0].Provisional)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role())

	listed, ok := p.Sessions.Find(sess.ID)
	require.True(t, ok)
	require.Equal(t, 1, listed.MessageCount)

	n, err := conv.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestEndToEndFallbackWhenNoReply(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyNever))
	f := newFactory(t, cfg, nil, nil, nil)

	p, err := f.Profile(ctx, "cli")
	require.NoError(t, err)
	_, err = p.Session.Login(ctx, "demo", "demo1234", false)
	require.NoError(t, err)
	sess, err := p.Sessions.Create(ctx, "quiet", "")
	require.NoError(t, err)

	conv := p.Conversation(sess.ID)
	ex, err := conv.Send(ctx, "anyone there?", nil)
	require.NoError(t, err)
	reply, err := ex.Wait(ctx)
	require.NoError(t, err)
	require.True(t, reply.Synthesized)
	require.Equal(t, chat.FallbackReply, reply.Content)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "anyone there?", msgs[0].Content)
}

func TestEmbeddedReplySkipsPolling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyEmbedded))
	cfg.Poll.FirstDelay = time.Hour
	f := newFactory(t, cfg, nil, nil, nil)

	p, err := f.Profile(ctx, "")
	require.NoError(t, err)
	_, err = p.Session.Login(ctx, "demo", "demo1234", false)
	require.NoError(t, err)
	sess, err := p.Sessions.Create(ctx, "", "")
	require.NoError(t, err)

	ex, err := p.Conversation(sess.ID).Send(ctx, "fast", nil)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reply, err := ex.Wait(waitCtx)
	require.NoError(t, err)
	require.Contains(t, reply.Content, "fast")
}

func TestCredentialSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyEmbedded))
	store, keys := openStore(t)

	first, err := newFactory(t, cfg, store, keys, nil).Profile(ctx, "work")
	require.NoError(t, err)
	_, err = first.Session.Login(ctx, "demo", "demo1234", true)
	require.NoError(t, err)

	hook := &loginHook{}
	second, err := newFactory(t, cfg, store, keys, hook).Profile(ctx, "work")
	require.NoError(t, err)
	require.True(t, second.Session.IsAuthenticated())
	_, err = second.Sessions.Load(ctx)
	require.NoError(t, err)

	other, err := newFactory(t, cfg, store, keys, hook).Profile(ctx, "home")
	require.NoError(t, err)
	require.False(t, other.Session.IsAuthenticated(), "profiles do not share credentials")

	require.NoError(t, second.Session.Logout(ctx))
	third, err := newFactory(t, cfg, store, keys, nil).Profile(ctx, "work")
	require.NoError(t, err)
	require.False(t, third.Session.IsAuthenticated())
}

func TestPlanRestrictsModels(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyEmbedded))
	f := newFactory(t, cfg, nil, nil, nil)
	p, err := f.Profile(ctx, "")
	require.NoError(t, err)
	_, err = p.Session.Login(ctx, "demo", "demo1234", false)
	require.NoError(t, err)

	_, err = p.CreateSession(ctx, "x", "claude-4-sonnet")
	require.ErrorIs(t, err, plan.ErrModelNotAllowed)

	sess, err := p.CreateSession(ctx, "x", "gpt-4o-mini")
	require.NoError(t, err)
	require.ErrorIs(t, p.ChangeModel(ctx, sess.ID, "claude-4-sonnet"), plan.ErrModelNotAllowed)
	require.NoError(t, p.ChangeModel(ctx, sess.ID, "claude-3-haiku"))
	got, ok := p.Sessions.Find(sess.ID)
	require.True(t, ok)
	require.Equal(t, "claude-3-haiku", got.Model)

	plans, err := p.Plans.Active(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	require.Equal(t, "Free", plans[0].Name)
}

func TestFactoryCachesProfiles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(startBackend(t, mockbackend.ReplyEmbedded))
	hook := &loginHook{}
	f := newFactory(t, cfg, nil, nil, hook)

	a, err := f.Profile(ctx, "tg:1")
	require.NoError(t, err)
	b, err := f.Profile(ctx, " tg:1 ")
	require.NoError(t, err)
	require.Same(t, a, b)

	f.Forget("tg:1")
	c, err := f.Profile(ctx, "tg:1")
	require.NoError(t, err)
	require.NotSame(t, a, c)

	_, err = c.Session.Token(ctx)
	require.True(t, errors.Is(err, auth.ErrLoginRequired))
	require.Equal(t, 1, hook.count())

	_, err = NewFactory(Options{})
	require.Error(t, err)
}
