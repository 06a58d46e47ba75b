package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chatdesk/internal/api"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var noRemember bool

	cmd := &cobra.Command{
		Use:   "login [user]",
		Short: "Sign in to the chat backend",
		Long:  "Signs in with a username or email. The password is read from the terminal without echo, or from stdin when piped.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, true, func(ctx context.Context, rt *runtime) error {
				in := bufio.NewReader(cmd.InOrStdin())
				user := ""
				if len(args) == 1 {
					user = args[0]
				}
				if strings.TrimSpace(user) == "" {
					fmt.Fprint(cmd.ErrOrStderr(), "Username or email: ")
					line, err := readLine(in)
					if err != nil {
						return err
					}
					user = line
				}
				password, err := readPassword(cmd, in)
				if err != nil {
					return err
				}

				cred, err := rt.profile.Session.Login(ctx, user, password, !noRemember)
				if err != nil {
					if errors.Is(err, api.ErrUnauthorized) {
						return errors.New("wrong username or password")
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (profile %s)\n", cred.User.UserName, rt.profile.Name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noRemember, "no-remember", false, "do not keep a refresh token")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, true, func(ctx context.Context, rt *runtime) error {
				if err := rt.profile.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed out of profile %s\n", rt.profile.Name)
				return nil
			})
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				cred, _ := rt.profile.Session.Current()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Profile:  %s\n", rt.profile.Name)
				fmt.Fprintf(out, "User:     %s\n", cred.User.UserName)
				if cred.User.Email != "" {
					fmt.Fprintf(out, "Email:    %s\n", cred.User.Email)
				}
				fmt.Fprintf(out, "Expires:  %s\n", cred.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "Remember: %v\n", cred.RememberMe)
				return nil
			})
		},
	}
}

func newProfilesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the profiles holding a stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, true, func(ctx context.Context, rt *runtime) error {
				names, err := rt.store.ListProfiles(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(names) == 0 {
					fmt.Fprintln(out, "No stored credentials.")
					return nil
				}
				for _, name := range names {
					mark := " "
					if name == rt.profile.Name {
						mark = "*"
					}
					fmt.Fprintf(out, "%s %s\n", mark, name)
				}
				return nil
			})
		},
	}
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var req api.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a backend account",
		Long:  "Creates an account. The password is prompted for like login. Sign in afterwards with `chatdesk login`.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, true, func(ctx context.Context, rt *runtime) error {
				password, err := readPassword(cmd, bufio.NewReader(cmd.InOrStdin()))
				if err != nil {
					return err
				}
				req.Password = password
				resp, err := rt.profile.Register(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s <%s>\n", resp.UserName, resp.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.UserName, "user", "", "user name (required)")
	cmd.Flags().StringVar(&req.Email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.PhoneNumber, "phone", "", "phone number")
	cmd.Flags().StringVar(&req.Country, "country", "", "country")
	cmd.Flags().StringVar(&req.City, "city", "", "city")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("email")
	return cmd
}

// readPassword reads without echo from a terminal, or one line otherwise.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(b) == 0 {
			return "", errors.New("password is empty")
		}
		return string(b), nil
	}
	line, err := readLine(in)
	if err != nil {
		return "", err
	}
	if line == "" {
		return "", errors.New("password is empty")
	}
	return line, nil
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("unexpected end of input")
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
