package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatdesk/internal/app"
	"chatdesk/internal/chat"
	"chatdesk/internal/config"
	"chatdesk/internal/crypto"
	"chatdesk/internal/metrics"
	"chatdesk/internal/mockbackend"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

type sentMessage struct {
	chatID  int64
	text    string
	replyTo int64
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendMessageWithContext(_ context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := sentMessage{chatID: chatID, text: text}
	if opts != nil && opts.ReplyParameters != nil {
		m.replyTo = opts.ReplyParameters.MessageId
	}
	f.sent = append(f.sent, m)
	return &gotgbot.Message{MessageId: int64(len(f.sent))}, nil
}

func (f *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.sent[len(f.sent)-1]
}

type brokenProfiles struct{}

func (brokenProfiles) Profile(context.Context, string) (*app.Profile, error) {
	return nil, errors.New("backend down")
}

type fixture struct {
	worker  *Worker
	sender  *fakeSender
	store   *storage.Store
	factory *app.Factory
	queue   *queue.StreamQueue
}

func newFixture(t *testing.T, profiles Profiles) *fixture {
	t.Helper()
	ctx := context.Background()

	gin.SetMode(gin.TestMode)
	mock := mockbackend.New(mockbackend.Config{
		JWTSecret:    "worker-secret",
		ReplyMode:    mockbackend.ReplyEmbedded,
		SeedUser:     "demo",
		SeedPassword: "demo1234",
	})
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		srv.Close()
		mock.Close()
	})

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "bridge.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	keys, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{3}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	cfg := &config.Config{}
	cfg.API = config.APIConfig{BaseURL: srv.URL + "/api", Profile: "default", DefaultTitle: "New Chat", PageSize: 20}
	cfg.HTTP = config.HTTPConfig{ClientTimeout: 5 * time.Second, BackoffBase: 10 * time.Millisecond}
	cfg.Poll = config.PollConfig{Attempts: 2, FirstDelay: 20 * time.Millisecond, NextDelay: 20 * time.Millisecond, TolerableErrors: 2}

	m := metrics.New(prometheus.NewRegistry())
	factory, err := app.NewFactory(app.Options{Config: cfg, Store: store, Keys: keys, Logger: zerolog.Nop(), Metrics: m})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if profiles == nil {
		profiles = factory
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewStreamQueue(rdb, "jobs", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	sender := &fakeSender{}
	w := New(Config{
		Bot:           sender,
		Store:         store,
		Queue:         q,
		Profiles:      profiles,
		MaxJobRetries: 1,
		Logger:        zerolog.Nop(),
		Metrics:       m,
	})
	return &fixture{worker: w, sender: sender, store: store, factory: factory, queue: q}
}

func (f *fixture) login(t *testing.T, profile string) {
	t.Helper()
	p, err := f.factory.Profile(context.Background(), profile)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if _, err := p.Session.Login(context.Background(), "demo", "demo1234", true); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestProcessJobRepliesAndBindsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.login(t, "tg:42")
	if _, err := f.store.EnsureBinding(ctx, 42, "tg:42"); err != nil {
		t.Fatalf("ensure binding: %v", err)
	}

	job := queue.SendJob{ChatID: 42, MessageID: 7, Profile: "tg:42", Text: "hi there"}
	if err := f.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process job: %v", err)
	}
	got := f.sender.last(t)
	if got.chatID != 42 || got.replyTo != 7 || !strings.Contains(got.text, "hi there") {
		t.Fatalf("unexpected reply %+v", got)
	}

	b, err := f.store.GetBinding(ctx, 42)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if b.ActiveSessionID == "" {
		t.Fatal("chat was not bound to the new session")
	}

	if err := f.worker.processJob(ctx, job); err != nil {
		t.Fatalf("second job: %v", err)
	}
	again, err := f.store.GetBinding(ctx, 42)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if again.ActiveSessionID != b.ActiveSessionID {
		t.Fatalf("session changed from %s to %s", b.ActiveSessionID, again.ActiveSessionID)
	}

	actions, err := f.store.RecentActions(ctx, "tg:42", 10)
	if err != nil {
		t.Fatalf("recent actions: %v", err)
	}
	if len(actions) != 3 || actions[0].Action != "message_sent" {
		t.Fatalf("unexpected audit trail %+v", actions)
	}
}

func TestProcessJobAsksForLogin(t *testing.T) {
	f := newFixture(t, nil)
	job := queue.SendJob{ChatID: 5, MessageID: 1, Profile: "tg:5", Text: "hello"}
	if err := f.worker.processJob(context.Background(), job); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if got := f.sender.last(t); got.text != msgLoginFirst {
		t.Fatalf("reply = %q", got.text)
	}
}

func TestFailedJobIsRetriedThenReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, brokenProfiles{})
	log := zerolog.Nop()

	if _, err := f.queue.Enqueue(ctx, queue.SendJob{ChatID: 9, MessageID: 3, Profile: "tg:9", Text: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := f.queue.Read(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read#1: %v %d", err, len(msgs))
	}
	f.worker.handle(ctx, log, msgs[0])

	msgs, err = f.queue.Read(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read#2: %v %d", err, len(msgs))
	}
	if msgs[0].Job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", msgs[0].Job.Attempts)
	}
	f.worker.handle(ctx, log, msgs[0])

	if got := f.sender.last(t); got.text != msgFailed || got.replyTo != 3 {
		t.Fatalf("terminal reply = %+v", got)
	}
	msgs, err = f.queue.Read(ctx, 1)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("queue should be drained: %v %d", err, len(msgs))
	}
}

func TestProcessJobDropsMissingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.login(t, "tg:77")
	if _, err := f.store.EnsureBinding(ctx, 77, "tg:77"); err != nil {
		t.Fatalf("ensure binding: %v", err)
	}
	if err := f.store.SetActiveSession(ctx, 77, "deleted-elsewhere", "gpt-4o-mini"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	job := queue.SendJob{ChatID: 77, MessageID: 2, Profile: "tg:77", Text: "still there?"}
	if err := f.worker.processJob(ctx, job); err != nil {
		t.Fatalf("process job: %v", err)
	}
	if got := f.sender.last(t); got.text != msgGone {
		t.Fatalf("reply = %q", got.text)
	}
	b, err := f.store.GetBinding(ctx, 77)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if b.ActiveSessionID != "" {
		t.Fatalf("stale session still bound: %q", b.ActiveSessionID)
	}
}

func TestReplyTextMarksBlankAnswerSynthesized(t *testing.T) {
	text, synthesized := replyText(chat.Message{Content: " \n"})
	if text != chat.FallbackReply || !synthesized {
		t.Fatalf("blank answer = %q, synthesized %v", text, synthesized)
	}
	text, synthesized = replyText(chat.Message{Content: " answer "})
	if text != "answer" || synthesized {
		t.Fatalf("answer = %q, synthesized %v", text, synthesized)
	}
	long := strings.Repeat("é", maxReplyRunes+10)
	if text, _ := replyText(chat.Message{Content: long}); len([]rune(text)) != maxReplyRunes {
		t.Fatalf("reply not cut to %d runes", maxReplyRunes)
	}
}
