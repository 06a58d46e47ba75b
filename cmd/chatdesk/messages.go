package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chatdesk/internal/chat"
)

func newMessagesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg", "m"},
		Short:   "Read and manage the messages of a session",
	}
	cmd.AddCommand(newMessagesListCmd(opts))
	cmd.AddCommand(newMessagesGetCmd(opts))
	cmd.AddCommand(newMessagesStatsCmd(opts))
	cmd.AddCommand(newMessagesSearchCmd(opts))
	cmd.AddCommand(newMessagesDeleteCmd(opts))
	cmd.AddCommand(newMessagesClearCmd(opts))
	return cmd
}

// openConversation resolves ref and loads the newest page of its messages.
func openConversation(ctx context.Context, rt *runtime, ref string) (chat.Session, *chat.Conversation, error) {
	s, err := rt.resolveSession(ctx, ref)
	if err != nil {
		return chat.Session{}, nil, err
	}
	conv := rt.profile.Conversation(s.ID)
	if err := conv.LoadPage(ctx, 1); err != nil {
		return chat.Session{}, nil, err
	}
	return s, conv, nil
}

func newMessagesListCmd(opts *rootOptions) *cobra.Command {
	var (
		older  int
		sender string
	)

	cmd := &cobra.Command{
		Use:   "list <session>",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				if sender != "" {
					role, err := chat.ParseRole(sender)
					if err != nil {
						return err
					}
					s, err := rt.resolveSession(ctx, args[0])
					if err != nil {
						return err
					}
					msgs, err := rt.profile.Conversation(s.ID).BySender(ctx, role)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), rt.render.Transcript(msgs))
					return nil
				}

				s, conv, err := openConversation(ctx, rt, args[0])
				if err != nil {
					return err
				}
				for i := 0; i < older; i++ {
					more, err := conv.LoadOlder(ctx)
					if err != nil {
						return err
					}
					if !more {
						break
					}
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s)\n\n", s.Title, s.Model)
				fmt.Fprintln(out, rt.render.Transcript(conv.Messages()))
				if conv.HasMore() {
					fmt.Fprintf(out, "\n%d of %d messages shown, use --older to page back\n", len(conv.Messages()), conv.Total())
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&older, "older", 0, "also load this many older pages")
	cmd.Flags().StringVar(&sender, "sender", "", "only messages from user, assistant or system (whole history)")
	return cmd
}

func newMessagesGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session> <message-id>",
		Short: "Print one message of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				m, err := rt.profile.Conversation(s.ID).Message(ctx, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Transcript([]chat.Message{m}))
				return nil
			})
		},
	}
}

func newMessagesStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session>",
		Short: "Show message and token counts of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := rt.profile.Conversation(s.ID).Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Stats(st))
				return nil
			})
		},
	}
}

func newMessagesSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <session> <term>",
		Short: "Search the messages of a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				found, err := rt.profile.Conversation(s.ID).Search(ctx, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Transcript(found))
				return nil
			})
		},
	}
}

func newMessagesDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session> <message-id>...",
		Short: "Delete messages of a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				_, conv, err := openConversation(ctx, rt, args[0])
				if err != nil {
					return err
				}
				ids := args[1:]
				// Deletion acts on loaded messages, so page back until every
				// id is present or the history runs out.
				for !loaded(conv.Messages(), ids) && conv.HasMore() {
					if _, err := conv.LoadOlder(ctx); err != nil {
						return err
					}
				}
				if missing := absent(conv.Messages(), ids); len(missing) > 0 {
					return fmt.Errorf("no such message: %s", strings.Join(missing, ", "))
				}
				if err := conv.DeleteBulk(ctx, ids); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d message(s)\n", len(ids))
				return nil
			})
		},
	}
}

func newMessagesClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session>",
		Short: "Delete every message of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, conv, err := openConversation(ctx, rt, args[0])
				if err != nil {
					return err
				}
				if err := conv.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", s.ID)
				return nil
			})
		},
	}
}

func loaded(msgs []chat.Message, ids []string) bool {
	return len(absent(msgs, ids)) == 0
}

func absent(msgs []chat.Message, ids []string) []string {
	have := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		have[m.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
