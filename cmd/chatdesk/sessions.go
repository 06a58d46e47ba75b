package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Manage chat sessions",
	}
	cmd.AddCommand(newSessionsListCmd(opts))
	cmd.AddCommand(newSessionsCreateCmd(opts))
	cmd.AddCommand(newSessionsRenameCmd(opts))
	cmd.AddCommand(newSessionsModelCmd(opts))
	cmd.AddCommand(newSessionsCloneCmd(opts))
	cmd.AddCommand(newSessionsDeleteCmd(opts))
	cmd.AddCommand(newSessionsSearchCmd(opts))
	return cmd
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				var err error
				if page > 0 {
					if size <= 0 {
						size = rt.cfg.API.PageSize
					}
					_, err = rt.profile.Sessions.LoadPage(ctx, page, size)
				} else {
					_, err = rt.profile.Sessions.Load(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Sessions(rt.profile.Sessions.Sessions(), ""))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "list one page of all sessions instead of the active ones")
	cmd.Flags().IntVar(&size, "size", 0, "page size (default $CHATDESK_PAGE_SIZE)")
	return cmd
}

func newSessionsCreateCmd(opts *rootOptions) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Start a new session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				title := ""
				if len(args) == 1 {
					title = args[0]
				}
				s, err := rt.profile.CreateSession(ctx, title, model)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created session %s %q (%s)\n", s.ID, s.Title, s.Model)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model for the session (default $CHATDESK_DEFAULT_MODEL)")
	return cmd
}

func newSessionsRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				title := strings.Join(args[1:], " ")
				if err := rt.profile.Sessions.Rename(ctx, s.ID, title); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", s.ID, strings.TrimSpace(title))
				return nil
			})
		},
	}
}

func newSessionsModelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "model <session> <model>",
		Short: "Switch the model of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				if err := rt.profile.ChangeModel(ctx, s.ID, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s now uses %s\n", s.ID, args[1])
				return nil
			})
		},
	}
}

func newSessionsCloneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clone <session>",
		Short: "Copy a session with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				c, err := rt.profile.Sessions.Clone(ctx, s.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cloned %s into %s %q\n", s.ID, c.ID, c.Title)
				return nil
			})
		},
	}
}

func newSessionsDeleteCmd(opts *rootOptions) *cobra.Command {
	var soft bool

	cmd := &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				s, err := rt.resolveSession(ctx, args[0])
				if err != nil {
					return err
				}
				if soft {
					err = rt.profile.Sessions.SoftDelete(ctx, s.ID)
				} else {
					err = rt.profile.Sessions.Delete(ctx, s.ID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", s.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&soft, "soft", false, "hide the session instead of removing it")
	return cmd
}

func newSessionsSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Search sessions by title",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				found, err := rt.profile.Sessions.Search(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Sessions(found, ""))
				return nil
			})
		},
	}
}
