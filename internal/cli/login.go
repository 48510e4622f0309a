package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/roach88/rfusync/internal/api"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	User          string
	PasswordStdin bool
	URL           string
	URLRFU        string
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain and store an API token",
		Long: `Exchange the surveyor number and password for a bearer token.

The password is never stored. Only the user and the token are written to
the settings file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "surveyor number (default: the stored user)")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().StringVar(&opts.URL, "url", "", "API base URL to store")
	cmd.Flags().StringVar(&opts.URLRFU, "url-rfu", "", "RFU API base URL to store")

	return cmd
}

func runLogin(opts *LoginOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if opts.URL != "" {
		a.settings.API.URL = opts.URL
	}
	if opts.URLRFU != "" {
		a.settings.API.URLRFU = opts.URLRFU
	}

	user := opts.User
	if user == "" {
		user = a.settings.API.User
	}
	if user == "" {
		return a.fail(ExitCommandError, "MISSING_USER", errors.New("a surveyor number is required (--user)"))
	}

	password, err := readPassword(cmd, opts.PasswordStdin)
	if err != nil {
		return a.fail(ExitCommandError, "MISSING_PASSWORD", err)
	}

	cfg := a.apiConfig()
	cfg.User, cfg.Password, cfg.Token = user, password, ""
	client, err := api.New(cfg)
	if err != nil {
		return a.fail(ExitCommandError, "CONFIG_ERROR", err)
	}
	grant, err := client.RequestToken(cmd.Context())
	if err != nil {
		return a.report(err)
	}

	a.settings.Login(user, grant.AccessToken)
	if err := a.saveSettings(); err != nil {
		return err
	}
	opts.Logger().Debug("token stored", "user", user, "expires_in", grant.ExpiresIn)

	return a.out.Success(map[string]any{
		"user":       user,
		"token_type": grant.TokenType,
		"expires_in": grant.ExpiresIn,
	}, fmt.Sprintf("Logged in as %s\n", user))
}

// readPassword reads one line from stdin, or prompts without echo when
// stdin is a terminal.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if !fromStdin {
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return "", fmt.Errorf("read password: %w", err)
			}
			return string(b), nil
		}
		return "", errors.New("stdin is not a terminal, use --password-stdin")
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "Forget the stored user and token",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			a.settings.Logout()
			if err := a.saveSettings(); err != nil {
				return err
			}
			return a.out.Success(map[string]any{"logged_out": true}, "Logged out\n")
		},
	}
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "whoami",
		Short:         "Show the surveyor the stored token belongs to",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhoami(rootOpts, cmd)
		},
	}
}

func runWhoami(opts *RootOptions, cmd *cobra.Command) error {
	a, err := newApp(opts, cmd)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	data := map[string]any{"user": client.User()}
	if exp, ok := api.TokenExpiry(client.Token()); ok {
		data["token_expires"] = exp.UTC().Format(time.RFC3339)
		if api.TokenExpired(client.Token(), time.Now()) {
			return a.fail(ExitCommandError, "TOKEN_EXPIRED", errors.New("the stored token has expired, run 'rfusync login'"))
		}
	}

	info, err := client.GeInfo(cmd.Context())
	if err != nil {
		return a.report(err)
	}
	data["ge"] = info

	return a.out.Success(data, fmt.Sprintf("%s %s (%s)\n", info.FirstName, info.LastName, info.Number))
}
