package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootOptions are the persistent flags every command sees.
type rootOptions struct {
	profile string
	apiURL  string
	width   int
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatdesk",
		Short:         "chatdesk - terminal client for the AI chat backend",
		Long:          "chatdesk signs in to the chat backend, manages chat sessions and exchanges messages with the assistant.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.profile, "profile", "p", "", "credential profile (default $CHATDESK_PROFILE)")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "backend base url (default $CHATDESK_API_URL)")
	cmd.PersistentFlags().IntVar(&opts.width, "width", 0, "render width (default terminal width)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))
	cmd.AddCommand(newWhoamiCmd(opts))
	cmd.AddCommand(newProfilesCmd(opts))
	cmd.AddCommand(newRegisterCmd(opts))
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newMessagesCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newPlansCmd(opts))
	cmd.AddCommand(newModelsCmd(opts))
	cmd.AddCommand(newBridgeCmd(opts))
	cmd.AddCommand(newMockServerCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatdesk %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", oneLine(err.Error()))
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func setupLogger(level string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
