package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatdesk/internal/app"
	"chatdesk/internal/crypto"
	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
	"chatdesk/internal/telegram"
	"chatdesk/internal/worker"
)

func newBridgeCmd(opts *rootOptions) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the chat backend to a Telegram bot",
		Long:  "Runs the Telegram bridge: long polling for bot updates, a Redis stream worker that sends messages and relays replies, and a /health and metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, opts, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "only receive updates, leave sending to other bridge instances")
	return cmd
}

func runBridge(cmd *cobra.Command, opts *rootOptions, runWorker bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateBridge(); err != nil {
		return err
	}
	setupLogger(cfg.Log.Level, cmd.ErrOrStderr())
	log.Info().
		Str("api_url", cfg.API.BaseURL).
		Int64("allowed_user_id", cfg.Bot.AllowedUserID).
		Bool("worker", runWorker).
		Msg("starting chatdesk bridge")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	keys, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("load master keys: %w", err)
	}

	m := metrics.Global()
	factory, err := app.NewFactory(app.Options{
		Config:          cfg,
		Store:           store,
		Keys:            keys,
		Flight:          queue.NewSessionLock(rdb, cfg.Redis.SendLockTTL, log.Logger),
		OnLoginRequired: telegram.LoginAuditor(store, log.Logger),
		Logger:          log.Logger,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	bot, err := gotgbot.NewBot(cfg.Bot.Token, nil)
	if err != nil {
		return fmt.Errorf("create telegram bot: %s", sanitizeTelegramErr(err, cfg.Bot.Token))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Bot.Token))
	}

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			AllowedUserID: cfg.Bot.AllowedUserID,
			Metrics:       m,
			Logger:        log.Logger,
		},
	})
	telegram.NewService(telegram.Config{
		Store:       store,
		Queue:       jobQueue,
		Profiles:    factory,
		Quota:       queue.NewSendQuota(rdb, cfg.Rate.PerHour),
		Redis:       rdb,
		Logger:      log.Logger,
		Metrics:     m,
		OpTimeout:   cfg.HTTP.ClientTimeout,
		BotUsername: bot.User.Username,
	}).Register(dispatcher)

	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})
	if err := updater.StartPolling(bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 50,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 60 * time.Second,
			},
		},
	}); err != nil {
		return fmt.Errorf("start polling: %s", sanitizeTelegramErr(err, cfg.Bot.Token))
	}
	log.Info().Msg("polling started")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorker {
		w := worker.New(worker.Config{
			Bot:           bot,
			Store:         store,
			Queue:         jobQueue,
			Profiles:      factory,
			MaxJobRetries: cfg.Worker.MaxRetries,
			ReclaimIdle:   2 * cfg.Redis.SendLockTTL,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Str("consumer", jobQueue.Consumer()).Msg("worker started")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := updater.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop updater")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	log.Info().Msg("stopped")
	return runErr
}

// sanitizeTelegramErr strips the bot token from errors that embed the
// request url.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
