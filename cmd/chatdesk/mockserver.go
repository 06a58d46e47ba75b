package main

import (
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatdesk/internal/config"
	"chatdesk/internal/mockbackend"
)

func newMockServerCmd() *cobra.Command {
	var (
		addr     string
		mode     string
		user     string
		password string
		models   []string
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory chat backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.Log.Level, cmd.ErrOrStderr())

			if !cmd.Flags().Changed("addr") {
				addr = cfg.Mock.Addr
			}
			if !cmd.Flags().Changed("mode") {
				mode = cfg.Mock.ReplyMode
			}
			replyMode, err := mockbackend.ParseReplyMode(mode)
			if err != nil {
				return err
			}
			delay := cfg.Mock.ReplyDelay
			if cmd.Flags().Changed("delay") {
				delay, _ = cmd.Flags().GetDuration("delay")
			}

			srv := mockbackend.New(mockbackend.Config{
				JWTSecret:    cfg.Mock.JWTSecret,
				TokenTTL:     cfg.Mock.TokenTTL,
				ReplyMode:    replyMode,
				ReplyDelay:   delay,
				Models:       models,
				SeedUser:     user,
				SeedPassword: password,
				Logger:       log.Logger,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if user != "" {
				log.Info().Str("user", user).Msg("seeded account")
			}
			return srv.Start(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5080", "listen address (default $MOCK_ADDR)")
	cmd.Flags().StringVar(&mode, "mode", "async", "reply mode: embedded, async or never (default $MOCK_REPLY_MODE)")
	cmd.Flags().Duration("delay", 0, "delay before async replies (default $MOCK_REPLY_DELAY)")
	cmd.Flags().StringVar(&user, "user", "demo", "seed account user name, empty to skip")
	cmd.Flags().StringVar(&password, "password", "demo1234", "seed account password")
	cmd.Flags().StringSliceVar(&models, "models", nil, "models granted by the plan (default built-in list)")
	return cmd
}
