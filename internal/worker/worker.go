package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/app"
	"chatdesk/internal/auth"
	"chatdesk/internal/chat"
	"chatdesk/internal/metrics"
	"chatdesk/internal/plan"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

const (
	maxReplyRunes = 4000

	msgLoginFirst = "Please /login first."
	msgBusy       = "Still waiting for the answer to your previous message."
	msgFailed     = "The chat service is unavailable. Please try again later."
	msgGone       = "That chat session no longer exists. Send a message again to start a new one, or pick one with /sessions."
	msgRefused    = "The chat service refused this request. Your plan may not allow the selected model, see /models."
)

// Sender delivers bot replies. *gotgbot.Bot implements it.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// Profiles resolves the client stack of a chat's profile.
type Profiles interface {
	Profile(ctx context.Context, name string) (*app.Profile, error)
}

// Bindings is the part of storage the worker reads and updates.
type Bindings interface {
	GetBinding(ctx context.Context, chatID int64) (storage.Binding, error)
	SetActiveSession(ctx context.Context, chatID int64, sessionID, model string) error
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Worker struct {
	bot           Sender
	store         Bindings
	queue         *queue.StreamQueue
	profiles      Profiles
	maxJobRetries int
	reclaimIdle   time.Duration
	jobTimeout    time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot      Sender
	Store    Bindings
	Queue    *queue.StreamQueue
	Profiles Profiles
	// MaxJobRetries is how many times a failed job is re-enqueued.
	MaxJobRetries int
	// ReclaimIdle takes over jobs another consumer left unacked for this
	// long. Zero disables reclaiming.
	ReclaimIdle time.Duration
	// JobTimeout bounds one send/poll cycle.
	JobTimeout time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	return &Worker{
		bot:           cfg.Bot,
		store:         cfg.Store,
		queue:         cfg.Queue,
		profiles:      cfg.Profiles,
		maxJobRetries: cfg.MaxJobRetries,
		reclaimIdle:   cfg.ReclaimIdle,
		jobTimeout:    cfg.JobTimeout,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 && w.reclaimIdle > 0 {
			messages, err = w.queue.Reclaim(ctx, w.reclaimIdle, 1)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("failed to reclaim stale jobs")
			}
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}
	if ctx.Err() != nil {
		// Left pending; another consumer reclaims it.
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	_ = w.reply(ctx, msg.Job.ChatID, msg.Job.MessageID, msgFailed)
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

// processJob runs one send/poll cycle. Problems the user can fix are
// answered and reported as success so the job is not retried.
func (w *Worker) processJob(ctx context.Context, job queue.SendJob) error {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	p, err := w.profiles.Profile(ctx, job.Profile)
	if err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}
	if _, err := p.Session.Token(ctx); err != nil {
		if errors.Is(err, auth.ErrLoginRequired) {
			return w.reply(ctx, job.ChatID, job.MessageID, msgLoginFirst)
		}
		return fmt.Errorf("access token: %w", err)
	}

	sessionID, err := w.activeSession(ctx, p, job)
	if err != nil {
		return w.userError(ctx, job, err)
	}

	conv := p.Conversation(sessionID)
	if err := conv.LoadPage(ctx, 1); err != nil {
		return w.userError(ctx, job, err)
	}
	ex, err := conv.Send(ctx, job.Text, job.Images)
	switch {
	case errors.Is(err, chat.ErrSendInFlight):
		return w.reply(ctx, job.ChatID, job.MessageID, msgBusy)
	case errors.Is(err, chat.ErrEmptyMessage):
		return nil
	case err != nil:
		return fmt.Errorf("send: %w", err)
	}

	answer, err := ex.Wait(ctx)
	if err != nil {
		return w.userError(ctx, job, err)
	}

	text, synthesized := replyText(answer)
	if err := w.reply(ctx, job.ChatID, job.MessageID, text); err != nil {
		return fmt.Errorf("send telegram response: %w", err)
	}

	w.audit(ctx, job.Profile, "message_sent", map[string]any{
		"session_id":  sessionID,
		"synthesized": synthesized,
	})
	return nil
}

// replyText is the Telegram text for an answer. A blank answer is replaced
// by the fallback and reported as synthesized.
func replyText(answer chat.Message) (string, bool) {
	text := strings.TrimSpace(answer.Content)
	synthesized := answer.Synthesized
	if text == "" {
		text = chat.FallbackReply
		synthesized = true
	}
	if r := []rune(text); len(r) > maxReplyRunes {
		text = string(r[:maxReplyRunes])
	}
	return text, synthesized
}

// activeSession returns the session bound to the chat, creating and
// binding a new one when the chat has none.
func (w *Worker) activeSession(ctx context.Context, p *app.Profile, job queue.SendJob) (string, error) {
	if job.SessionID != "" {
		return job.SessionID, nil
	}
	model := ""
	b, err := w.store.GetBinding(ctx, job.ChatID)
	switch {
	case err == nil && b.ActiveSessionID != "":
		return b.ActiveSessionID, nil
	case err == nil:
		model = b.Model
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("load binding: %w", err)
	}

	s, err := p.CreateSession(ctx, "", model)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := w.store.SetActiveSession(ctx, job.ChatID, s.ID, s.Model); err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("failed to bind new session")
	}
	w.audit(ctx, job.Profile, "session_created", map[string]any{"session_id": s.ID, "source": "worker"})
	return s.ID, nil
}

// userError answers problems a retry cannot fix and hands everything else
// back for a retry.
func (w *Worker) userError(ctx context.Context, job queue.SendJob, err error) error {
	switch {
	case errors.Is(err, auth.ErrLoginRequired):
		return w.reply(ctx, job.ChatID, job.MessageID, msgLoginFirst)
	case errors.Is(err, plan.ErrModelNotAllowed), errors.Is(err, api.ErrForbidden):
		return w.reply(ctx, job.ChatID, job.MessageID, msgRefused)
	case errors.Is(err, api.ErrNotFound):
		if job.SessionID == "" {
			if err := w.store.SetActiveSession(ctx, job.ChatID, "", ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
				w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("failed to unbind missing session")
			}
		}
		return w.reply(ctx, job.ChatID, job.MessageID, msgGone)
	}
	return err
}

func (w *Worker) reply(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	_, err := w.bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}

func (w *Worker) audit(ctx context.Context, profile, action string, meta map[string]any) {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	if err := w.store.LogAction(ctx, storage.AuditEntry{Profile: profile, Action: action, MetaJSON: string(raw)}); err != nil {
		w.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit log")
	}
}
