package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPlansCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Show the active subscription plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				plans, err := rt.profile.Plans.Active(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Plans(plans))
				return nil
			})
		},
	}
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models your plan allows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				current := ""
				if session != "" {
					s, err := rt.resolveSession(ctx, session)
					if err != nil {
						return err
					}
					current = s.Model
				}
				names, err := rt.profile.Plans.AllowedModels(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Models(names, current))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "mark the model of this session")
	return cmd
}
